// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// localsgd_train generates random synthetic data, based on some linear model + noise, and learns the
// original weights with data-parallel workers synchronized by LocalSGD.
//
// By default, the workers run in the current process (see -workers). To run each worker in its own process
// (or machine), give all of them the same -peers list (and -run_id, so their rounds are journaled
// together), and each its own -rank:
//
//	localsgd_train -peers=host0:9000,host1:9000 -rank=0 -config=run.yaml
//	localsgd_train -peers=host0:9000,host1:9000 -rank=1 -config=run.yaml
//
// The hyperparameters can be given in a YAML configuration file (-config) and overridden with -set.
package main

import (
	gocontext "context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/gomlx/localsgd/collective"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/train/commandline"
	"github.com/gomlx/localsgd/ml/train/journal"
	"github.com/gomlx/localsgd/ml/train/optimizers"
	"github.com/gomlx/localsgd/ml/train/optimizers/localsgd"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagConfig      = flag.String("config", "", "YAML configuration file with the hyperparameters, LocalSGD, checkpoint and journal settings.")
	flagNumWorkers  = flag.Int("workers", 2, "Number of workers to run in this process. Ignored if -peers is set.")
	flagPeers       = flag.String("peers", "", "Comma-separated \"host:port\" addresses of all workers, indexed by rank. If set, this process runs only the worker -rank.")
	flagRank        = flag.Int("rank", 0, "Rank of the worker run by this process, used with -peers.")
	flagRunID       = flag.String("run_id", "", "ID of the run in the journal. If empty a new one is generated. Workers in different processes should share it.")
	flagNumExamples = flag.Int("num_examples", 10000, "Number of examples to generate")
	flagNumFeatures = flag.Int("num_features", 3, "Number of features")
	flagNoise       = flag.Float64("noise", 0.2, "Noise in synthetic data generation")
	flagNumSteps    = flag.Int("steps", 1000, "Number of gradient descent steps to perform, per worker")
	flagBatchSize   = flag.Int("batch", 64, "Batch size of each worker")
	flagSeed        = flag.Int64("seed", 42, "Seed for the synthetic data, and the shuffling of each worker's shard")

	flagCheckpoint      = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
	flagCheckpointKeep  = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if --checkpoint is set.")
	flagCheckpointEvery = flag.Int("checkpoint_every", 500, "Save a checkpoint every that many steps. The last step is always saved.")
	flagJournal         = flag.String("journal", "", "Path of the SQLite journal where synchronization rounds are recorded. If empty, no journal is kept.")
)

// createDefaultContext sets the context with the default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:       "sgd",
		optimizers.ParamLearningRate:    0.01,
		optimizers.ParamMomentum:        0.9,
		localsgd.ParamEnabled:           true,
		localsgd.ParamKSteps:            int64(8),
		localsgd.ParamAdaptive:          false,
		localsgd.ParamNumRings:          localsgd.DefaultNumRings,
		localsgd.ParamMaxLocalSteps:     localsgd.DefaultMaxLocalSteps,
		localsgd.ParamCollectiveTimeout: "",
	})
	return ctx
}

// newContextFn returns a function that creates the context of each worker, with the defaults, the
// configuration file and the settings applied, in that order.
func newContextFn(config *commandline.Config, settings string) func(rank int) (*context.Context, error) {
	return func(rank int) (*context.Context, error) {
		ctx := createDefaultContext()
		if config != nil {
			if err := config.ApplyToContext(ctx); err != nil {
				return nil, err
			}
		}
		if err := commandline.ParseContextSettings(ctx, settings); err != nil {
			return nil, err
		}
		return ctx, nil
	}
}

func main() {
	klog.InitFlags(nil)
	settings := commandline.CreateContextSettingsFlag(createDefaultContext(), "set")
	flag.Parse()

	var config *commandline.Config
	if *flagConfig != "" {
		config = must.M1(commandline.LoadConfig(*flagConfig))
	}
	newContext := newContextFn(config, *settings)
	ctx := must.M1(newContext(0))
	fmt.Println(commandline.SprintContextSettings(ctx))

	rng := rand.New(rand.NewSource(*flagSeed))
	trueCoefficients, trueBias := initCoefficients(rng, *flagNumFeatures)
	fmt.Printf("Target coefficients: %0.5v\n", trueCoefficients)
	fmt.Printf("Target bias: %0.5v\n\n", trueBias)
	inputs, labels := buildExamples(rng, trueCoefficients, trueBias, *flagNumExamples, *flagNoise)
	fmt.Printf("Training data (inputs, labels): (%s, %s)\n\n", inputs.Shape(), labels.Shape())

	rc := &runConfig{
		WorldSize:       *flagNumWorkers,
		NumSteps:        *flagNumSteps,
		BatchSize:       *flagBatchSize,
		Seed:            *flagSeed,
		Inputs:          inputs,
		Labels:          labels,
		CheckpointDir:   *flagCheckpoint,
		CheckpointKeep:  *flagCheckpointKeep,
		CheckpointEvery: *flagCheckpointEvery,
		RunID:           *flagRunID,
		Out:             os.Stdout,
	}
	journalPath := *flagJournal
	if config != nil {
		if c := config.Checkpoint; c != nil && rc.CheckpointDir == "" {
			rc.CheckpointDir, rc.CheckpointS3 = c.Dir, c.S3
			if c.Keep != 0 {
				rc.CheckpointKeep = c.Keep
			}
			if c.EveryNSteps > 0 {
				rc.CheckpointEvery = c.EveryNSteps
			}
		}
		if journalPath == "" {
			journalPath = config.Journal
		}
	}
	var peers []string
	if *flagPeers != "" {
		peers = strings.Split(*flagPeers, ",")
		rc.WorldSize = len(peers)
	}
	if rc.RunID == "" {
		rc.RunID = journal.NewRunID()
	}
	if journalPath != "" {
		rc.Journal = must.M1(journal.Open(journalPath))
		defer func() { must.M(rc.Journal.Close()) }()
		must.M(rc.Journal.StartRun(rc.RunID, rc.WorldSize, commandline.SprintContextSettings(ctx)))
		klog.Infof("journaling rounds of run %q in %s", rc.RunID, rc.Journal.Path())
	}

	var results []*workerResult
	if peers != nil {
		bootstrap := &collective.WebSocketBootstrap{Rank: *flagRank, Peers: peers}
		result, err := runWorker(gocontext.Background(), rc, *flagRank, ctx, bootstrap)
		if err != nil {
			klog.Fatalf("Failed training: %+v", err)
		}
		results = append(results, result)
	} else {
		var err error
		results, err = runInProcess(rc, newContext)
		if err != nil {
			klog.Fatalf("Failed training: %+v", err)
		}
	}
	reportResults(results)
}

// reportResults prints the learned parameters and the synchronization rounds of each worker.
func reportResults(results []*workerResult) {
	for _, result := range results {
		model := result.Ctx.In("model")
		fmt.Printf("\nWorker %d:\n", result.Rank)
		fmt.Printf("\tLearned coefficients: %0.5v\n", model.GetVariable("weights").Value().Value())
		fmt.Printf("\tLearned bias: %0.5v\n", model.GetVariable("bias").Value().Value())
		if !result.LocalSGD {
			fmt.Println("\tLocalSGD not used")
			continue
		}
		if state, found := localsgd.ReadState(result.Ctx); found {
			fmt.Printf("\tLocalSGD: %s\n", state)
		}
		if result.NumRounds > 0 {
			fmt.Printf("\t%d synchronization rounds, %s: %s\n", result.NumRounds,
				result.RoundDuration.Name(), result.RoundDuration.PrettyPrint(result.RoundDuration.Value()))
		}
	}
}
