package pipecorral

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corcache"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corconv"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corfs"
)

const maxRecordSize = 16 * 1024 * 1024

// Job is the logical container for a MapReduce job
type Job struct {
	Map           TaskFactory
	Combine       TaskFactory
	Reduce        TaskFactory
	PartitionFunc PartitionFunc

	// Conf is handed to every task function of the job
	Conf *JobConf

	fileSystem  corfs.FileSystem
	cacheSystem corcache.CacheSystem

	config           *config
	intermediateBins uint
	outputPath       string

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64

	countersMu sync.Mutex
	counters   CounterSnapshot

	activationLog chan taskResult
	wg            sync.WaitGroup
}

// NewJob creates a new job from map and reduce task functions. A nil reduce
// forwards the grouped map output unchanged.
func NewJob(mapper, reducer TaskFactory) *Job {
	return &Job{
		Map:    mapper,
		Reduce: reducer,
		Conf:   NewJobConf(),
		config: &config{},
	}
}

// NewPipelineJob creates a job that runs the pipelines configured in conf. Every role
// with a pipeline definition gets a pipeline task, map and reduce fall back to
// forwarding records unchanged.
func NewPipelineJob(conf *JobConf) *Job {
	job := NewJob(nil, nil)
	job.Conf = conf

	factory := func(role Phase) TaskFactory {
		return func() TaskFunction {
			return NewPipelineTask(role,
				WithKeyConverter(corconv.Default()),
				WithValueConverter(corconv.Default()))
		}
	}
	if conf.HasPipeline(MapPhase) {
		job.Map = factory(MapPhase)
	}
	if conf.HasPipeline(CombinePhase) {
		job.Combine = factory(CombinePhase)
	}
	if conf.HasPipeline(ReducePhase) {
		job.Reduce = factory(ReducePhase)
	}
	return job
}

// Counters returns the record counters summed over all finished tasks of the job.
func (j *Job) Counters() CounterSnapshot {
	j.countersMu.Lock()
	defer j.countersMu.Unlock()
	return j.counters
}

func (j *Job) addStats(stats taskStats) {
	j.bytesRead.Add(stats.bytesRead)
	j.bytesWritten.Add(stats.bytesWritten)

	j.countersMu.Lock()
	defer j.countersMu.Unlock()
	j.counters = j.counters.Add(stats.counters)
}

func (j *Job) collectActivation(result taskResult) {
	if j.activationLog != nil {
		j.activationLog <- result
	}
}

// intermediateFS is the cache system if one is configured, the job filesystem otherwise.
func (j *Job) intermediateFS() corfs.FileSystem {
	if j.cacheSystem != nil {
		return j.cacheSystem
	}
	return j.fileSystem
}

func newTask(factory TaskFactory, fallback func() TaskFunction) TaskFunction {
	if factory == nil {
		return fallback()
	}
	return factory()
}

// Logic for running a single map task
func (j *Job) runMapper(mapperID uint, splits []inputSplit) (taskStats, error) {
	var stats taskStats

	emitter := newMapperEmitter(j.intermediateBins, mapperID, j.outputPath, j.intermediateFS())
	if j.PartitionFunc != nil {
		emitter.partitionFunc = j.PartitionFunc
	}

	var out Emitter = emitter
	var combiner TaskFunction
	if j.Combine != nil {
		combiner = j.Combine()
		if err := combiner.Configure(j.Conf, emitter); err != nil {
			return stats, multierr.Append(fmt.Errorf("configuring combiner: %w", err), emitter.close())
		}
		out = &taskEmitter{next: combiner}
	}

	mapper := newTask(j.Map, identityTask)
	err := mapper.Configure(j.Conf, out)
	if err != nil {
		err = fmt.Errorf("configuring mapper: %w", err)
	}
	for _, split := range splits {
		if err != nil {
			break
		}
		var n int64
		n, err = j.runMapperSplit(split, mapper)
		stats.bytesRead += n
	}

	// the mapper drains into the combiner, so it is closed first
	err = multierr.Append(err, mapper.Close())
	if combiner != nil {
		err = multierr.Append(err, combiner.Close())
	}
	err = multierr.Append(err, emitter.close())

	stats.bytesWritten = emitter.bytesWritten()
	stats.counters = countersOf(mapper)
	return stats, err
}

// runMapperSplit feeds every record that starts inside split to the mapper.
func (j *Job) runMapperSplit(split inputSplit, mapper TaskFunction) (int64, error) {
	// start one byte early to find out whether the first line belongs to the previous split
	offset := split.StartOffset
	if offset != 0 {
		offset--
	}

	inputSource, err := j.fileSystem.OpenReader(split.Filename, offset)
	if err != nil {
		return 0, err
	}
	defer inputSource.Close()

	scanner := bufio.NewScanner(inputSource)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	var bytesRead int64
	scanner.Split(countingSplitFunc(bufio.ScanLines, &bytesRead))

	if split.StartOffset != 0 {
		scanner.Scan()
	}

	for offset+bytesRead <= split.EndOffset && scanner.Scan() {
		kv := splitInputRecord(scanner.Text())
		//inject the filename in case we have no other key...
		if kv.Key == "" {
			kv.Key = split.Filename
		}
		if err := mapper.Process(kv.Key, kv.Value); err != nil {
			return bytesRead, err
		}
	}
	return bytesRead, scanner.Err()
}

// Logic for running a single reduce task
func (j *Job) runReducer(binID uint) (taskStats, error) {
	var stats taskStats
	fs := j.intermediateFS()

	// Determine the intermediate data files this reducer is responsible for
	files, err := fs.ListFiles(fs.Join(j.outputPath, fmt.Sprintf("map-bin%d-*", binID)))
	if err != nil {
		return stats, err
	}

	keys := make(map[string]interface{})
	values := make(map[string][]interface{})
	for _, file := range files {
		stats.bytesRead += file.Size
		if err := readIntermediateFile(fs, file.Name, keys, values); err != nil {
			return stats, err
		}

		// Delete intermediate map data
		if j.config.Cleanup {
			if err := fs.Delete(file.Name); err != nil {
				log.Error(err)
			}
		}
	}

	path := j.fileSystem.Join(j.outputPath, fmt.Sprintf("output-part-%d", binID))
	emitWriter, err := j.fileSystem.OpenWriter(path)
	if err != nil {
		return stats, err
	}
	emitter := newReducerEmitter(emitWriter)

	reducer := newTask(j.Reduce, identityTask)
	if err = reducer.Configure(j.Conf, emitter); err != nil {
		err = fmt.Errorf("configuring reducer: %w", err)
	} else {
		err = feedSorted(reducer, keys, values)
		err = multierr.Append(err, reducer.Close())
	}
	err = multierr.Append(err, emitter.close())

	stats.bytesWritten = emitter.bytesWritten()
	stats.counters = countersOf(reducer)
	return stats, err
}

// feedSorted passes every value to the reducer, keys in ascending order of their serialized form.
func feedSorted(reducer TaskFunction, keys map[string]interface{}, values map[string][]interface{}) error {
	order := make([]string, 0, len(keys))
	for raw := range keys {
		order = append(order, raw)
	}
	sort.Strings(order)

	for _, raw := range order {
		for _, value := range values[raw] {
			if err := reducer.Process(keys[raw], value); err != nil {
				return err
			}
		}
	}
	return nil
}

func readIntermediateFile(fs corfs.FileSystem, name string, keys map[string]interface{}, values map[string][]interface{}) error {
	reader, err := fs.OpenReader(name, 0)
	if err != nil {
		return err
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for decoder.More() {
		var record intermediateRecord
		if err := decoder.Decode(&record); err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}

		raw := string(record.Key)
		if _, ok := keys[raw]; !ok {
			var key interface{}
			if err := json.Unmarshal(record.Key, &key); err != nil {
				return fmt.Errorf("reading key in %s: %w", name, err)
			}
			keys[raw] = key
		}
		values[raw] = append(values[raw], record.Value)
	}
	return nil
}

// inputSplits calculates all input files' inputSplits.
// inputSplits also determines and saves the number of intermediate bins that will be used during the shuffle.
func (j *Job) inputSplits(inputs []string, maxSplitSize int64) []inputSplit {
	files := make([]string, 0)
	for _, inputPath := range inputs {
		fileInfos, err := j.fileSystem.ListFiles(inputPath)
		if err != nil {
			log.Warn(err)
			continue
		}

		for _, fInfo := range fileInfos {
			files = append(files, fInfo.Name)
		}
	}

	splits := make([]inputSplit, 0)
	var totalSize int64
	for _, inputFileName := range files {
		fInfo, err := j.fileSystem.Stat(inputFileName)
		if err != nil {
			log.Warnf("Unable to load input file: %s (%s)", inputFileName, err)
			continue
		}

		totalSize += fInfo.Size
		splits = append(splits, splitInputFile(fInfo, maxSplitSize)...)
	}
	if len(splits) > 0 {
		log.Debugf("Average split size: %s bytes", humanize.Bytes(uint64(totalSize)/uint64(len(splits))))
	}

	j.intermediateBins = 1
	if j.config.ReduceBinSize > 0 {
		if bins := uint(float64(totalSize/j.config.ReduceBinSize) * 1.25); bins > 0 {
			j.intermediateBins = bins
		}
	}

	return splits
}

// CollectMetrics starts writing an activation log of every task of the job.
// The log is complete once the job is done.
func (j *Job) CollectMetrics() {
	j.activationLog = make(chan taskResult)
	j.wg.Add(1)
	go j.writeActivationLog()
}

func (j *Job) done() {
	if j.activationLog != nil {
		close(j.activationLog)
		j.wg.Wait()
		j.activationLog = nil
	}
}

func activationLogName() string {
	logName := fmt.Sprintf("%s_%s.csv",
		viper.GetString("logName"),
		time.Now().Format("2006_01_02"))

	if viper.IsSet("logDir") {
		logName = filepath.Join(viper.GetString("logDir"), logName)
	} else if dir := os.Getenv("PIPECORRAL_LOGDIR"); dir != "" {
		logName = filepath.Join(dir, logName)
	}
	return logName
}

var activationLogHeader = []string{
	"JId", "CId", "HId", "RId", "Phase", "CStart", "EStart", "EEnd", "Read", "Written",
	CounterInputRecords, CounterOutputRecords, CounterOutRecordWithNullKey, CounterOutRecordWithNullValue,
	"CMBS", "CRBS", "CSP", "CMC",
}

func (j *Job) writeActivationLog() {
	defer j.wg.Done()

	logName := activationLogName()
	logFile, err := os.OpenFile(logName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Errorf("failed to open activation log @ %s - %s", logName, err)
		drain(j.activationLog)
		return
	}
	defer logFile.Close()

	logWriter := csv.NewWriter(logFile)
	if err = logWriter.Write(activationLogHeader); err != nil {
		log.Errorf("failed to write activation log @ %s - %s", logName, err)
		drain(j.activationLog)
		return
	}

	for task := range j.activationLog {
		err = logWriter.Write([]string{
			task.JId,
			task.CId,
			task.HId,
			task.RId,
			task.Phase.String(),
			strconv.FormatInt(task.CStart, 10),
			strconv.FormatInt(task.EStart, 10),
			strconv.FormatInt(task.EEnd, 10),
			strconv.Itoa(task.BytesRead),
			strconv.Itoa(task.BytesWritten),
			strconv.FormatInt(task.Counters.InputRecords, 10),
			strconv.FormatInt(task.Counters.OutputRecords, 10),
			strconv.FormatInt(task.Counters.OutRecordWithNullKey, 10),
			strconv.FormatInt(task.Counters.OutRecordWithNullValue, 10),
			strconv.FormatInt(viper.GetInt64("mapBinSize"), 10),
			strconv.FormatInt(viper.GetInt64("reduceBinSize"), 10),
			strconv.FormatInt(viper.GetInt64("splitSize"), 10),
			strconv.FormatInt(viper.GetInt64("maxConcurrency"), 10),
		})
		if err != nil {
			log.Debugf("failed to write %+v - %s", task, err)
		}
		logWriter.Flush()
	}
	log.Infof("written metrics to %s", logName)
}

func drain(results <-chan taskResult) {
	for range results {
	}
}
