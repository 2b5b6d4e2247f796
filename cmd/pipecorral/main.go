package main

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/ISE-SMILE/pipecorral"
)

var (
	confFile      = flag.String("conf", "", "Job context `file` (yaml, json or toml)")
	mapFile       = flag.String("map", "", "Pipeline definition `file` of the map phase")
	combineFile   = flag.String("combine", "", "Pipeline definition `file` of the combine phase")
	reduceFile    = flag.String("reduce", "", "Pipeline definition `file` of the reduce phase")
	inputStep     = flag.String("input-step", "input", "Entry step of every pipeline")
	outputStep    = flag.String("output-step", "output", "Exit step of every pipeline")
	variablesFile = flag.String("variables", "", "Variables `file` (yaml or json mapping)")
	debug         = flag.Bool("debug", false, "Trace every record injected into a pipeline")
	logLevel      = flag.String("log-level", "", "Log level of the pipelines")
	downloadDir   = flag.String("download", "", "Move the final outputs into this local `directory`")
)

func main() {
	flag.Parse()

	conf, err := jobConf()
	if err != nil {
		log.Fatal(err)
	}
	if !conf.HasPipeline(pipecorral.MapPhase) && !conf.HasPipeline(pipecorral.ReducePhase) {
		log.Fatal("neither a map nor a reduce pipeline is configured, use --map or --reduce")
	}

	driver := pipecorral.NewDriver(pipecorral.NewPipelineJob(conf))
	driver.Main()

	if *downloadDir != "" {
		if err := driver.DownloadAndRemove(driver.GetFinalOutputs(), *downloadDir); err != nil {
			log.Fatal(err)
		}
	}
}

func jobConf() (*pipecorral.JobConf, error) {
	conf := pipecorral.NewJobConf()
	if *confFile != "" {
		var err error
		if conf, err = pipecorral.LoadJobConf(*confFile); err != nil {
			return nil, err
		}
	}

	pipelines := map[pipecorral.Phase]string{
		pipecorral.MapPhase:     *mapFile,
		pipecorral.CombinePhase: *combineFile,
		pipecorral.ReducePhase:  *reduceFile,
	}
	for role, file := range pipelines {
		if file == "" {
			continue
		}
		definition, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := conf.SetPipeline(role, string(definition), *inputStep, *outputStep); err != nil {
			return nil, err
		}
	}

	if *variablesFile != "" {
		vars, err := os.ReadFile(*variablesFile)
		if err != nil {
			return nil, err
		}
		conf.Set(pipecorral.KeyVariables, string(vars))
	}
	if *debug {
		conf.Set(pipecorral.KeyDebug, "true")
	}
	if strings.TrimSpace(*logLevel) != "" {
		conf.Set(pipecorral.KeyLogLevel, *logLevel)
	}
	return conf, nil
}
