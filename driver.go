package pipecorral

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corcache"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corfs"
)

// ErrNoInputs is returned when a driver is run without input files.
var ErrNoInputs = errors.New("no inputs")

// Driver controls the execution of a MapReduce Job
type Driver struct {
	jobs      []*Job
	config    *config
	executor  executor
	cache     corcache.CacheSystem
	runtimeID string
	Start     time.Time

	currentJob int
	Runtime    time.Duration

	lastOutputs []string
}

// CurrentJob returns the job that is running, or nil.
func (d *Driver) CurrentJob() *Job {
	if d.currentJob >= 0 && d.currentJob < len(d.jobs) {
		return d.jobs[d.currentJob]
	}
	return nil
}

// config configures a Driver's execution of jobs
type config struct {
	Inputs          []string
	SplitSize       int64
	MapBinSize      int64
	ReduceBinSize   int64
	MaxConcurrency  int
	WorkingLocation string
	Cleanup         bool
	Durable         bool
	Verbose         bool
	Cache           corcache.CacheSystemType
	FileSystem      corfs.FileSystem
}

func newConfig() *config {
	loadConfig() // Load viper config from settings file(s) and environment

	return &config{
		Inputs:          []string{},
		SplitSize:       viper.GetInt64("splitSize"),
		MapBinSize:      viper.GetInt64("mapBinSize"),
		ReduceBinSize:   viper.GetInt64("reduceBinSize"),
		MaxConcurrency:  viper.GetInt("maxConcurrency"),
		WorkingLocation: viper.GetString("workingLocation"),
		Cleanup:         viper.GetBool("cleanup"),
		Durable:         viper.GetBool("durable"),
		Verbose:         viper.GetBool("verbose"),
		Cache:           corcache.CacheSystemType(viper.GetInt("cache")),
	}
}

// Option allows configuration of a Driver
type Option func(*config)

// NewDriver creates a new Driver with the provided job and optional configuration
func NewDriver(job *Job, options ...Option) *Driver {
	runtimeID := uuid.New().String()
	d := &Driver{
		jobs:      []*Job{job},
		executor:  newLocalExecutor(runtimeID),
		runtimeID: runtimeID,
		Start:     time.Now(),
	}

	c := newConfig()
	for _, f := range options {
		f(c)
	}

	if c.SplitSize > c.MapBinSize {
		log.Warn("Configured Split Size is larger than Map Bin size")
		c.SplitSize = c.MapBinSize
	}
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 1
	}

	d.config = c
	log.Debugf("Loaded config: %#v", c)

	if c.Cache != corcache.NoCache {
		cache, err := corcache.NewCacheSystem(c.Cache)
		if err != nil {
			log.Errorf("failed to init cache %s, using the filesystem for intermediate data: %s", c.Cache, err)
		} else {
			log.Infof("using cache %s", c.Cache)
			d.cache = cache
		}
	}

	return d
}

// NewMultiStageDriver creates a new Driver with the provided jobs and optional configuration.
// Each job reads the output of the job before it.
func NewMultiStageDriver(jobs []*Job, options ...Option) *Driver {
	driver := NewDriver(nil, options...)
	driver.jobs = jobs
	return driver
}

// WithSplitSize sets the SplitSize of the Driver
func WithSplitSize(s int64) Option {
	return func(c *config) {
		c.SplitSize = s
	}
}

// WithMapBinSize sets the MapBinSize of the Driver
func WithMapBinSize(s int64) Option {
	return func(c *config) {
		c.MapBinSize = s
	}
}

// WithReduceBinSize sets the ReduceBinSize of the Driver
func WithReduceBinSize(s int64) Option {
	return func(c *config) {
		c.ReduceBinSize = s
	}
}

// WithMaxConcurrency bounds the number of tasks running at the same time
func WithMaxConcurrency(n int) Option {
	return func(c *config) {
		c.MaxConcurrency = n
	}
}

// WithWorkingLocation sets the location and filesystem backend of the Driver
func WithWorkingLocation(location string) Option {
	return func(c *config) {
		c.WorkingLocation = location
	}
}

// WithInputs specifies job inputs (i.e. input files/directories)
func WithInputs(inputs ...string) Option {
	return func(c *config) {
		c.Inputs = append(c.Inputs, inputs...)
	}
}

// WithCleanup deletes intermediate data once it was reduced
func WithCleanup() Option {
	return func(c *config) {
		c.Cleanup = true
	}
}

// WithLocalMemoryCache keeps intermediate data in memory instead of the filesystem
func WithLocalMemoryCache() Option {
	return func(c *config) {
		c.Cache = corcache.Local
	}
}

// WithFileSystem uses fs for inputs and outputs instead of inferring it from the first input.
func WithFileSystem(fs corfs.FileSystem) Option {
	return func(c *config) {
		c.FileSystem = fs
	}
}

// GetFinalOutputs returns the output glob of the last job that ran.
func (d *Driver) GetFinalOutputs() []string {
	return d.lastOutputs
}

// DownloadAndRemove copies every file matching inputs into the local directory dest
// and deletes the original.
func (d *Driver) DownloadAndRemove(inputs []string, dest string) error {
	if len(inputs) == 0 {
		return ErrNoInputs
	}
	fs := d.config.FileSystem
	if fs == nil {
		fs = corfs.InferFilesystem(inputs[0])
	}

	files := make([]string, 0)
	for _, input := range inputs {
		list, err := fs.ListFiles(input)
		if err != nil {
			return err
		}
		for _, f := range list {
			files = append(files, f.Name)
		}
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	log.Infof("found %d files to download", len(files))
	bar := pb.New(len(files)).Prefix("DownloadAndRemove").Start()
	defer bar.Finish()
	for _, file := range files {
		if err := download(fs, file, filepath.Join(dest, path.Base(file))); err != nil {
			return err
		}
		if err := fs.Delete(file); err != nil {
			return err
		}
		bar.Increment()
	}
	return nil
}

func download(fs corfs.FileSystem, file, target string) error {
	wr, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0664)
	if err != nil {
		return err
	}
	r, err := fs.OpenReader(file, 0)
	if err != nil {
		wr.Close()
		return err
	}
	_, err = io.Copy(wr, r)
	return multierr.Combine(err, r.Close(), wr.Close())
}

func (d *Driver) runMapPhase(job *Job, jobNumber int, inputs []string) error {
	inputSplits := job.inputSplits(inputs, d.config.SplitSize)
	if len(inputSplits) == 0 {
		log.Warnf("No input splits")
		return nil
	}
	log.Debugf("Number of job input splits: %d", len(inputSplits))

	inputBins := packInputSplits(inputSplits, d.config.MapBinSize)
	log.Debugf("Number of job input bins: %d", len(inputBins))

	tasks := make([]task, 0, len(inputBins))
	for binID, bin := range inputBins {
		tasks = append(tasks, task{
			JobNumber:        jobNumber,
			Phase:            MapPhase,
			BinID:            uint(binID),
			IntermediateBins: job.intermediateBins,
			Splits:           bin,
		})
	}
	return d.runTasks(job, tasks)
}

func (d *Driver) runReducePhase(job *Job, jobNumber int) error {
	tasks := make([]task, 0, job.intermediateBins)
	for binID := uint(0); binID < job.intermediateBins; binID++ {
		tasks = append(tasks, task{
			JobNumber:        jobNumber,
			Phase:            ReducePhase,
			BinID:            binID,
			IntermediateBins: job.intermediateBins,
		})
	}
	return d.runTasks(job, tasks)
}

// runTasks runs tasks of a single phase with at most MaxConcurrency at a time and
// returns all task errors combined.
func (d *Driver) runTasks(job *Job, tasks []task) error {
	if len(tasks) == 0 {
		return nil
	}
	bar := pb.New(len(tasks)).Prefix(tasks[0].Phase.String()).Start()
	defer bar.Finish()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	ctx := context.Background()
	sem := semaphore.NewWeighted(int64(d.config.MaxConcurrency))
	for _, t := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			defer sem.Release(1)
			defer bar.Increment()
			if err := d.executor.Run(job, t); err != nil {
				log.Errorf("Error when running %s task %d: %s", t.Phase, t.BinID, err)
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s task %d: %w", t.Phase, t.BinID, err))
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	return errs
}

// Run runs every job of the driver one after another.
func (d *Driver) Run() error {
	if d.cache != nil {
		if err := d.cache.Deploy(); err != nil {
			return fmt.Errorf("failed to deploy cache: %w", err)
		}
		if err := d.cache.Init(); err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}
	}

	if len(d.config.Inputs) == 0 {
		return ErrNoInputs
	}

	inputs := d.config.Inputs
	for idx, job := range d.jobs {
		d.currentJob = idx
		if err := d.runJob(idx, job, inputs); err != nil {
			return fmt.Errorf("job %d failed: %w", idx, err)
		}
		// Set inputs of next job to be outputs of current job
		inputs = []string{job.fileSystem.Join(job.outputPath, "output-*")}
		d.lastOutputs = inputs
	}
	return nil
}

func (d *Driver) runJob(idx int, job *Job, inputs []string) error {
	if d.config.Verbose {
		log.Debugf("collecting job metrics")
		job.CollectMetrics()
	}
	defer job.done()

	// Initialize job filesystem
	job.fileSystem = d.config.FileSystem
	if job.fileSystem == nil {
		job.fileSystem = corfs.InferFilesystem(inputs[0])
	}
	job.cacheSystem = d.cache
	if job.config == nil {
		job.config = &config{}
	}
	*job.config = *d.config
	if job.Conf == nil {
		job.Conf = NewJobConf()
	}

	jobWorkingLoc := d.config.WorkingLocation
	log.Infof("Starting job%d (%d/%d)", idx, idx+1, len(d.jobs))
	if len(d.jobs) > 1 {
		jobWorkingLoc = job.fileSystem.Join(jobWorkingLoc, fmt.Sprintf("job%d", idx))
	}
	job.outputPath = jobWorkingLoc

	if err := d.runMapPhase(job, idx, inputs); err != nil {
		return err
	}
	if err := d.runReducePhase(job, idx); err != nil {
		return err
	}

	log.Infof("Job %d - Total Bytes Read:\t%s", idx, humanize.Bytes(uint64(job.bytesRead.Load())))
	log.Infof("Job %d - Total Bytes Written:\t%s", idx, humanize.Bytes(uint64(job.bytesWritten.Load())))
	log.WithFields(log.Fields(snapshotFields(job.Counters()))).Infof("Job %d - Counters", idx)

	//check if we need to flush the intermedate data to disk
	if d.cache != nil && d.config.Durable && !d.config.Cleanup {
		if err := d.cache.Flush(job.fileSystem); err != nil {
			log.Errorf("failed to flush cache to fs, %+v", err)
		}
	}

	//clear cache
	if d.cache != nil && d.config.Cleanup {
		if err := d.cache.Clear(); err != nil {
			log.Warnf("failed to cleanup cache, %+v", err)
		}
	}
	return nil
}

var outputDir = flag.StringP("out", "o", "", "Output `directory` (can be local or in S3)")
var memprofile = flag.String("memprofile", "", "Write memory profile to `file`")
var verbose = flag.BoolP("verbose", "v", false, "Output verbose logs")
var undeploy = flag.Bool("undeploy", false, "Release the intermediate cache without running the driver")

// Main starts the Driver, running the submitted jobs. Positional command line
// arguments are added to the inputs.
func (d *Driver) Main() {
	if !flag.Parsed() {
		flag.Parse()
	}
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		log.Debugf("failed to bind flags: %s", err)
	}

	if d.config.Verbose || *verbose {
		d.config.Verbose = true
		log.SetLevel(log.DebugLevel)
	}

	if *undeploy {
		if d.cache != nil {
			if err := d.cache.Undeploy(); err != nil {
				log.Warnf("failed to undeploy cache, you are on your own %s", err)
			}
		}
		return
	}

	d.config.Inputs = append(d.config.Inputs, flag.Args()...)
	if *outputDir != "" {
		d.config.WorkingLocation = *outputDir
	}

	start := time.Now()
	err := d.Run()
	end := time.Now()
	d.Runtime = end.Sub(start)
	fmt.Printf("Job Execution Time: %s\n", d.Runtime)
	if err != nil {
		log.Fatal(err)
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		runtime.GC() // get up-to-date statistics
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
		f.Close()
	}
}
