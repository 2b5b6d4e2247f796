package pipecorral

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type executor interface {
	Run(job *Job, t task) error
}

type localExecutor struct {
	Start     time.Time
	runtimeID string
}

func newLocalExecutor(runtimeID string) *localExecutor {
	return &localExecutor{Start: time.Now(), runtimeID: runtimeID}
}

// Run executes a map or reduce task in the driver's process.
func (l *localExecutor) Run(job *Job, t task) error {
	estart := time.Now()

	var stats taskStats
	var err error
	switch t.Phase {
	case MapPhase:
		stats, err = job.runMapper(t.BinID, t.Splits)
	case ReducePhase:
		stats, err = job.runReducer(t.BinID)
	default:
		return fmt.Errorf("unknown phase: %s", t.Phase)
	}
	job.addStats(stats)

	eend := time.Now()
	job.collectActivation(taskResult{
		Phase:        t.Phase,
		BytesRead:    int(stats.bytesRead),
		BytesWritten: int(stats.bytesWritten),
		Counters:     stats.counters,
		HId:          hostID(),
		CId:          l.runtimeID,
		JId:          fmt.Sprintf("%d_%d_%d", t.JobNumber, t.Phase, t.BinID),
		RId:          strconv.Itoa(t.JobNumber),
		CStart:       l.Start.Unix(),
		EStart:       estart.Unix(),
		EEnd:         eend.Unix(),
	})
	return err
}

func hostID() string {
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "local"
}
