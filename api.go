package pipecorral

// Emitter enables tasks to emit key/value pairs
type Emitter interface {
	Emit(key, value interface{}) error
}

// TaskFunction is a map, combine or reduce function with an explicit lifecycle.
// Configure is called once before the first Process, Close once after the last.
type TaskFunction interface {
	Configure(conf *JobConf, out Emitter) error
	Process(key, value interface{}) error
	Close() error
}

// TaskFactory creates a fresh TaskFunction for every task attempt
type TaskFactory func() TaskFunction

// PartitionFunc defines a function that can be used to segment map keys
// into intermediate "bins". The key is passed in its serialized form.
type PartitionFunc func(key string, numBins uint) uint

// ProcessFunc is a stateless per record function.
type ProcessFunc func(key, value interface{}, out Emitter) error

// FuncTask wraps a ProcessFunc into a TaskFactory.
func FuncTask(fn ProcessFunc) TaskFactory {
	return func() TaskFunction {
		return &funcTask{fn: fn}
	}
}

type funcTask struct {
	fn  ProcessFunc
	out Emitter
}

func (f *funcTask) Configure(_ *JobConf, out Emitter) error {
	f.out = out
	return nil
}

func (f *funcTask) Process(key, value interface{}) error {
	return f.fn(key, value, f.out)
}

func (f *funcTask) Close() error {
	return nil
}

// identityTask forwards every record unchanged, it is used when a job has no reduce function.
func identityTask() TaskFunction {
	return &funcTask{fn: func(key, value interface{}, out Emitter) error {
		return out.Emit(key, value)
	}}
}
