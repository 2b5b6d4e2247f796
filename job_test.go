package pipecorral

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corfs"
)

func writeFile(t *testing.T, fs corfs.FileSystem, path, content string) {
	t.Helper()
	w, err := fs.OpenWriter(path)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func readFile(t *testing.T, fs corfs.FileSystem, path string) string {
	t.Helper()
	r, err := fs.OpenReader(path, 0)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestSplitInputRecord(t *testing.T) {
	var splitRecordTests = []struct {
		input         string
		expectedKey   string
		expectedValue string
	}{
		{"foo\tbar", "foo", "bar"},
		{"foo\tbar\tbaz", "", "foo\tbar\tbaz"},
		{"foo bar baz", "", "foo bar baz"},
		{"key without value\t", "key without value", ""},
		{"\tvalue without key", "", "value without key"},
	}

	for _, test := range splitRecordTests {
		keyVal := splitInputRecord(test.input)
		assert.Equal(t, test.expectedKey, keyVal.Key)
		assert.Equal(t, test.expectedValue, keyVal.Value)
	}
}

func TestSplitInputFile(t *testing.T) {
	splits := splitInputFile(corfs.FileInfo{Name: "f", Size: 250}, 100)
	assert.Equal(t, []inputSplit{
		{Filename: "f", StartOffset: 0, EndOffset: 99},
		{Filename: "f", StartOffset: 100, EndOffset: 199},
		{Filename: "f", StartOffset: 200, EndOffset: 249},
	}, splits)
	assert.EqualValues(t, 50, splits[2].Size())

	assert.Empty(t, splitInputFile(corfs.FileInfo{Name: "empty"}, 100))
	assert.Len(t, splitInputFile(corfs.FileInfo{Name: "f", Size: 250}, 0), 1)
}

func TestPackInputSplits(t *testing.T) {
	splits := []inputSplit{
		{Filename: "a", EndOffset: 29},
		{Filename: "b", EndOffset: 59},
		{Filename: "c", EndOffset: 39},
		{Filename: "d", EndOffset: 49},
		{Filename: "huge", EndOffset: 199},
	}
	bins := packInputSplits(splits, 100)

	total := 0
	for _, bin := range bins {
		var size int64
		for _, split := range bin {
			size += split.Size()
		}
		if len(bin) > 1 {
			assert.LessOrEqual(t, size, int64(100))
		}
		total += len(bin)
	}
	assert.Equal(t, len(splits), total)
	assert.Len(t, bins, 3)
	assert.Equal(t, []inputSplit{{Filename: "huge", EndOffset: 199}}, bins[0])
}

func TestJob_RunMapperSplitBoundaries(t *testing.T) {
	fs := corfs.NewMemFileSystem()
	lines := []string{"aa", "bbbb", "c", "", "dddddd", "e"}
	content := strings.Join(lines, "\n") + "\n"
	writeFile(t, fs, "/in/lines.txt", content)

	for splitSize := int64(1); splitSize <= int64(len(content)); splitSize++ {
		t.Run(fmt.Sprintf("split size %d", splitSize), func(t *testing.T) {
			job := NewJob(nil, nil)
			job.fileSystem = fs

			out := &recordingEmitter{}
			mapper := identityTask()
			require.NoError(t, mapper.Configure(nil, out))

			var read int64
			for _, split := range splitInputFile(corfs.FileInfo{Name: "/in/lines.txt", Size: int64(len(content))}, splitSize) {
				n, err := job.runMapperSplit(split, mapper)
				require.NoError(t, err)
				read += n
			}

			values := make([]string, 0, len(lines))
			for _, record := range out.records {
				assert.Equal(t, "/in/lines.txt", record.Key)
				values = append(values, record.Value.(string))
			}
			assert.Equal(t, lines, values)
			assert.GreaterOrEqual(t, read, int64(len(content)))
		})
	}
}

func TestMapperEmitter_Partitions(t *testing.T) {
	fs := corfs.NewMemFileSystem()
	emitter := newMapperEmitter(3, 7, "/work", fs)
	emitter.partitionFunc = func(key string, numBins uint) uint {
		return uint(len(key)) % numBins
	}

	require.NoError(t, emitter.Emit("a", 1))
	require.NoError(t, emitter.Emit("bb", "two"))
	require.NoError(t, emitter.Emit("a", nil))
	require.NoError(t, emitter.close())
	assert.Greater(t, emitter.bytesWritten(), int64(0))

	// serialized keys are quoted: len(`"a"`) == 3 lands in bin 0
	assert.Equal(t, "{\"k\":\"a\",\"v\":1}\n{\"k\":\"a\",\"v\":null}\n", readFile(t, fs, "/work/map-bin0-7"))
	assert.Equal(t, "{\"k\":\"bb\",\"v\":\"two\"}\n", readFile(t, fs, "/work/map-bin1-7"))

	bad := newMapperEmitter(2, 0, "/work", fs)
	bad.partitionFunc = func(string, uint) uint { return 5 }
	assert.Error(t, bad.Emit("k", "v"))
}

func TestHashPartition(t *testing.T) {
	for _, key := range []string{`"a"`, `"hello"`, `42`, `null`} {
		bin := hashPartition(key, 4)
		assert.Less(t, bin, uint(4))
		assert.Equal(t, bin, hashPartition(key, 4))
	}
}

func TestJob_RunReducerGroupsSorted(t *testing.T) {
	fs := corfs.NewMemFileSystem()
	writeFile(t, fs, "/work/map-bin0-0", `{"k":"b","v":1}`+"\n"+`{"k":"a","v":"x"}`+"\n")
	writeFile(t, fs, "/work/map-bin0-1", `{"k":"b","v":2.5}`+"\n"+`{"k":null,"v":3}`+"\n")
	writeFile(t, fs, "/work/map-bin1-0", `{"k":"other","v":0}`+"\n")

	job := NewJob(nil, nil)
	job.fileSystem = fs
	job.outputPath = "/work"
	job.config.Cleanup = true

	stats, err := job.runReducer(0)
	require.NoError(t, err)
	assert.Greater(t, stats.bytesRead, int64(0))

	assert.Equal(t, "a\tx\nb\t1\nb\t2.5\n\t3\n", readFile(t, fs, "/work/output-part-0"))
	assert.EqualValues(t, len("a\tx\nb\t1\nb\t2.5\n\t3\n"), stats.bytesWritten)

	remaining, err := fs.ListFiles("/work/map-bin*")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "/work/map-bin1-0", remaining[0].Name)
}

func TestJob_CollectMetrics(t *testing.T) {
	dir := t.TempDir()
	viper.Set("logDir", dir)
	viper.Set("logName", "activations")
	t.Cleanup(viper.Reset)

	job := NewJob(nil, nil)
	job.CollectMetrics()
	for i := 0; i < 10; i++ {
		job.collectActivation(taskResult{
			Phase:        MapPhase,
			BytesRead:    i,
			BytesWritten: i,
			Counters:     CounterSnapshot{InputRecords: int64(i), OutputRecords: 2 * int64(i)},
			JId:          fmt.Sprintf("0_1_%d", i),
		})
	}
	job.done()

	files, err := filepath.Glob(filepath.Join(dir, "activations_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()

	var rows []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		rows = append(rows, scanner.Text())
	}
	require.Len(t, rows, 11)
	assert.Contains(t, rows[0], CounterInputRecords)
	assert.Contains(t, rows[0], CounterOutRecordWithNullValue)
	assert.Contains(t, rows[10], "0_1_9,")
	assert.Contains(t, rows[10], ",Map,")
}

func TestIntermediateRecord_KeepsKeyVerbatim(t *testing.T) {
	var record intermediateRecord
	require.NoError(t, json.Unmarshal([]byte(`{"k":{"b":1,"a":2},"v":[1,2]}`), &record))
	assert.Equal(t, `{"b":1,"a":2}`, string(record.Key))
	assert.Equal(t, []interface{}{float64(1), float64(2)}, record.Value)
}
