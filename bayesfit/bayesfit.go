/*

Bayesfit infers posterior distributions of model parameters. It runs
adaptive Markov chains (the prerun), optionally followed by a main run
with a global-local proposal, and population Monte Carlo seeded from
the chains. It can also search for the posterior mode.

The analysis is described in a YAML file: parameters with their
priors, the likelihood and the algorithm settings. A typical session
looks like this:

	bayesfit prerun --out run.db analysis.yaml
	bayesfit pmc --in run.db --out pmc.db analysis.yaml

A prerun which was interrupted continues with:

	bayesfit prerun --resume --out run.db analysis.yaml

To see all the options run:

	bayesfit --help

*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/op/go-logging"
	"gopkg.in/alecthomas/kingpin.v2"
)

// These three variables are set during the compilation.
var githash = ""
var gitbranch = ""
var buildstamp = ""
var version = fmt.Sprintf("branch: %s, revision: %s, build time: %s", gitbranch, githash, buildstamp)

// Logger settings.
var log = logging.MustGetLogger("bayesfit")
var formatter = logging.MustStringFormatter(`%{message}`)

// packages which log
var loggers = []string{"bayesfit", "analysis", "optimize", "mcmc", "pmc", "store"}

// command-line options
var (
	// application
	app = kingpin.New("bayesfit", "Bayesian inference with adaptive MCMC and population Monte Carlo").Version(version)

	// technical
	nThreads   = app.Flag("nt", "number of threads to use").Int()
	seed       = app.Flag("seed", "random generator seed, default time based").Default("-1").Int64()
	cpuProfile = app.Flag("cpuprofile", "write cpu profile to file").String()

	// input/output
	outLogF  = app.Flag("log", "write log to a file").String()
	logLevel = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("notice").
		Enum("critical", "error", "warning", "notice", "info", "debug")
	jsonF = app.Flag("json", "write json output to a file").String()

	// prerun and main run
	prerunCmd         = app.Command("prerun", "run adaptive Markov chains")
	prerunConfig      = prerunCmd.Arg("config", "run description (YAML)").Required().ExistingFile()
	prerunOut         = prerunCmd.Flag("out", "write chains to a file").String()
	prerunResume      = prerunCmd.Flag("resume", "continue the prerun and the main run stored in the output file").Default("false").Bool()
	prerunMain        = prerunCmd.Flag("main", "number of main run iterations with the global-local proposal").Default("0").Int()
	prerunStart       = prerunCmd.Flag("start", "read start position from the last line of a table or a JSON file").ExistingFile()
	checkpointSeconds = prerunCmd.Flag("checkpoint", "save checkpoints at most every N seconds").Default("60").Float64()

	// population Monte Carlo
	pmcCmd    = app.Command("pmc", "run population Monte Carlo")
	pmcConfig = pmcCmd.Arg("config", "run description (YAML)").Required().ExistingFile()
	pmcIn     = pmcCmd.Flag("in", "read chains or a mixture from a file").Required().ExistingFile()
	pmcOut    = pmcCmd.Flag("out", "write the steps to a new file instead of the input file").String()
	pmcStep   = pmcCmd.Flag("step", "start from the mixture of a stored step, -1 for the final mixture; "+
		"by default the last step, or the chains if there are no steps").Default("-2").Int()

	// posterior mode
	optimizeCmd    = app.Command("optimize", "search for the posterior mode")
	optimizeConfig = optimizeCmd.Arg("config", "run description (YAML)").Required().ExistingFile()
	optimizeMethod = optimizeCmd.Flag("method", "optimization method, overrides the run description "+
		"(lbfgsb: limited-memory Broyden–Fletcher–Goldfarb–Shanno with bounding constraints, "+
		"simplex: downhill simplex, "+
		"bfgs: BFGS from gonum, "+
		"nelder-mead: Nelder-Mead from gonum, "+
		"none: just compute the posterior)").
		Enum("lbfgsb", "simplex", "bfgs", "nelder-mead", "none")
	optimizeIter  = optimizeCmd.Flag("iter", "number of iterations, overrides the run description").Int()
	optimizeStart = optimizeCmd.Flag("start", "read start position from the last line of a table or a JSON file").ExistingFile()
	optimizeTraj  = optimizeCmd.Flag("trajectory", "write the optimizer trajectory to a file").Default("").String()
	optimizeRep   = optimizeCmd.Flag("report", "iterations between trajectory lines, overrides the run description").Default("-1").Int()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	// logging
	logging.SetFormatter(formatter)

	var backend *logging.LogBackend
	if *outLogF != "" {
		f, err := os.OpenFile(*outLogF, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal("Error creating log file:", err)
		}
		defer f.Close()
		backend = logging.NewLogBackend(f, "", 0)
	} else {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
	}
	logging.SetBackend(backend)

	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, l := range loggers {
		logging.SetLevel(level, l)
	}

	// print revision
	log.Info(version)

	// print commandline
	log.Info("Command line:", os.Args)

	if *seed == -1 {
		*seed = time.Now().UnixNano()
		log.Debug("Random seed from time")
	}
	log.Infof("Random seed=%v", *seed)

	runtime.GOMAXPROCS(*nThreads)

	effectiveNThreads := runtime.GOMAXPROCS(0)
	log.Infof("Using threads: %d.", effectiveNThreads)

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// chunks in progress are finished before stopping
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	startTime := time.Now()
	summary := &RunSummary{
		Version:     version,
		CommandLine: os.Args,
		Seed:        *seed,
		NThreads:    effectiveNThreads,
	}

	switch command {
	case prerunCmd.FullCommand():
		err = withSettings(*prerunConfig, func(rs *runSettings) error {
			return runPrerun(ctx, rs, summary)
		})
	case pmcCmd.FullCommand():
		err = withSettings(*pmcConfig, func(rs *runSettings) error {
			return runPMC(ctx, rs, summary)
		})
	case optimizeCmd.FullCommand():
		err = withSettings(*optimizeConfig, func(rs *runSettings) error {
			return runOptimize(rs, summary)
		})
	}
	if err != nil {
		log.Errorf("%s failed: %v", command, err)
	}

	deltaT := time.Since(startTime)
	log.Noticef("Running time: %v", deltaT)
	summary.Time = deltaT.Seconds()

	// output summary in json format
	if *jsonF != "" {
		j, err := json.Marshal(summary)
		if err != nil {
			log.Error(err)
		} else {
			log.Debug(string(j))
			f, err := os.Create(*jsonF)
			if err != nil {
				log.Error("Error creating json output file:", err)
			} else {
				f.Write(j)
				f.Close()
			}
		}
	}
	if err != nil {
		pprof.StopCPUProfile()
		os.Exit(1)
	}
}

// withSettings reads the run description and calls f.
func withSettings(fn string, f func(rs *runSettings) error) error {
	rs, err := readRunSettings(fn)
	if err != nil {
		return err
	}
	log.Infof("Read run description with %d parameters", len(rs.Parameters))
	return f(rs)
}
