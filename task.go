package pipecorral

// Phase is a descriptor of the phase (i.e. Map, Combine or Reduce) of a Job.
// Pipeline tasks use it as their role, the zero value means no role was set.
type Phase int

// Descriptors of the Job phase
const (
	NoPhase Phase = iota
	MapPhase
	CombinePhase
	ReducePhase
)

func (p Phase) String() string {
	switch p {
	case MapPhase:
		return "Map"
	case CombinePhase:
		return "Combine"
	case ReducePhase:
		return "Reduce"
	}
	return "None"
}

// task defines a serialized description of a single unit of work
// in a MapReduce job.
type task struct {
	JobNumber        int
	Phase            Phase
	BinID            uint
	IntermediateBins uint
	Splits           []inputSplit
}

type taskResult struct {
	Phase        Phase
	BytesRead    int
	BytesWritten int
	Counters     CounterSnapshot

	Log string

	HId    string `json:"HId"`    //host identifier
	CId    string `json:"CId"`    //runtime identifier
	JId    string `json:"JId"`    //job identifier
	RId    string `json:"RId"`    //request identifier
	CStart int64  `json:"cStart"` //start of runtime
	EStart int64  `json:"eStart"` //start of request
	EEnd   int64  `json:"eEnd"`   //end of request
}

// taskStats is what a single map or reduce task reports back to its executor
type taskStats struct {
	bytesRead    int64
	bytesWritten int64
	counters     CounterSnapshot
}
