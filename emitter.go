package pipecorral

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cast"
	"github.com/zeebo/xxh3"
	"go.uber.org/multierr"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corfs"
)

// intermediateRecord is one line of a map-bin file
type intermediateRecord struct {
	Key   json.RawMessage `json:"k"`
	Value interface{}     `json:"v"`
}

// hashPartition assigns a serialized key to a bin by its xxh3 hash
func hashPartition(key string, numBins uint) uint {
	return uint(xxh3.HashString(key) % uint64(numBins))
}

// mapperEmitter partitions map output into intermediate bins, one file per bin.
type mapperEmitter struct {
	numBins       uint
	mapperID      uint
	outDir        string
	fs            corfs.FileSystem
	partitionFunc PartitionFunc

	mu      sync.Mutex
	writers map[uint]*countingWriter
}

func newMapperEmitter(numBins uint, mapperID uint, outDir string, fs corfs.FileSystem) *mapperEmitter {
	return &mapperEmitter{
		numBins:       numBins,
		mapperID:      mapperID,
		outDir:        outDir,
		fs:            fs,
		partitionFunc: hashPartition,
		writers:       make(map[uint]*countingWriter),
	}
}

func (me *mapperEmitter) Emit(key, value interface{}) error {
	rawKey, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("serializing key %v: %w", key, err)
	}
	line, err := json.Marshal(intermediateRecord{Key: rawKey, Value: value})
	if err != nil {
		return fmt.Errorf("serializing value of key %s: %w", rawKey, err)
	}

	bin := me.partitionFunc(string(rawKey), me.numBins)
	if bin >= me.numBins {
		return fmt.Errorf("partition %d out of range, job has %d bins", bin, me.numBins)
	}

	me.mu.Lock()
	defer me.mu.Unlock()

	w, err := me.writer(bin)
	if err != nil {
		return err
	}
	if _, err := w.Write(line); err != nil {
		return err
	}
	_, err = w.Write([]byte{'\n'})
	return err
}

func (me *mapperEmitter) writer(bin uint) (*countingWriter, error) {
	if w, ok := me.writers[bin]; ok {
		return w, nil
	}
	path := me.fs.Join(me.outDir, fmt.Sprintf("map-bin%d-%d", bin, me.mapperID))
	out, err := me.fs.OpenWriter(path)
	if err != nil {
		return nil, fmt.Errorf("opening intermediate file %s: %w", path, err)
	}
	w := newCountingWriter(out)
	me.writers[bin] = w
	return w, nil
}

func (me *mapperEmitter) close() error {
	me.mu.Lock()
	defer me.mu.Unlock()

	var errs error
	for _, w := range me.writers {
		errs = multierr.Append(errs, w.Close())
	}
	return errs
}

func (me *mapperEmitter) bytesWritten() int64 {
	me.mu.Lock()
	defer me.mu.Unlock()

	var total int64
	for _, w := range me.writers {
		total += w.n
	}
	return total
}

// taskEmitter feeds emitted records into the next task function, e.g. map output into the combiner.
type taskEmitter struct {
	next TaskFunction
}

func (te *taskEmitter) Emit(key, value interface{}) error {
	return te.next.Process(key, value)
}

// reducerEmitter writes "key\tvalue" lines to the output of a reduce task.
type reducerEmitter struct {
	mu     sync.Mutex
	writer *countingWriter
}

func newReducerEmitter(out io.WriteCloser) *reducerEmitter {
	return &reducerEmitter{writer: newCountingWriter(out)}
}

func (re *reducerEmitter) Emit(key, value interface{}) error {
	var b strings.Builder
	b.WriteString(formatField(key))
	b.WriteByte('\t')
	b.WriteString(formatField(value))
	b.WriteByte('\n')

	re.mu.Lock()
	defer re.mu.Unlock()
	_, err := re.writer.Write([]byte(b.String()))
	return err
}

func (re *reducerEmitter) close() error {
	re.mu.Lock()
	defer re.mu.Unlock()
	return re.writer.Close()
}

func (re *reducerEmitter) bytesWritten() int64 {
	re.mu.Lock()
	defer re.mu.Unlock()
	return re.writer.n
}

func formatField(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	return fmt.Sprint(v)
}

// countingWriter buffers writes to an underlying file and counts the bytes written.
type countingWriter struct {
	out io.WriteCloser
	buf *bufio.Writer
	n   int64
}

func newCountingWriter(out io.WriteCloser) *countingWriter {
	return &countingWriter{out: out, buf: bufio.NewWriter(out)}
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *countingWriter) Close() error {
	return multierr.Combine(w.buf.Flush(), w.out.Close())
}
