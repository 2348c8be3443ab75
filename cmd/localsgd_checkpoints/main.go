// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// localsgd_checkpoints reports on the contents of checkpoints of LocalSGD training runs: summary of the
// variables, hyperparameters, the LocalSGD state (step, last synchronization step, interval) and how far
// each parameter drifted from its snapshot (the value at the last synchronization round).
//
// Usage:
//
//	localsgd_checkpoints [flags] <checkpoint_dir or s3://bucket/prefix> [<checkpoint_dir> ...]
//
// With more than one checkpoint, the reports show them side by side: e.g. the checkpoints of the different
// workers of a run, which should be equal after a synchronization round.
package main

import (
	gocontext "context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "/model", "The scope of the checkpoint to inspect. "+
		"Typically, a model will have several different support variables, that may not matter -- optimizers for instance. "+
		"This flag tells which scope are considered for the various reports.")

	flagSummary  = flag.Bool("summary", false, "Display a summary of the model sizes (for variables under --scope) and the global step.")
	flagParams   = flag.Bool("params", false, "Lists the hyperparameters.")
	flagLocalSGD = flag.Bool("localsgd", false, "Display the LocalSGD state and the drift of each parameter from its snapshot.")
	flagJournal  = flag.String("journal", "", "Path of a journal of synchronization rounds to report on, see -run.")
	flagRun      = flag.String("run", "", "Run ID to report from the -journal. If empty, list the runs in the journal.")
	flagGlossary = flag.Bool("glossary", true, "Whether to list glossary of abbreviations after the tables.")
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle  = lipgloss.NewStyle().Bold(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true)
	italicStyle   = lipgloss.NewStyle().Italic(true)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 && *flagJournal == "" {
		klog.Errorf("Missing checkpoint directory to read from. See 'localsgd_checkpoints -help'")
		os.Exit(1)
	}
	if *flagDeleteVars != "" {
		for _, checkpointPath := range args {
			DeleteVars(checkpointPath, strings.Split(*flagDeleteVars, ",")...)
		}
		return
	}
	if len(args) > 0 {
		if !*flagSummary && !*flagParams && !*flagVars && !*flagLocalSGD {
			// Default report.
			*flagSummary, *flagLocalSGD = true, true
		}
		report(args)
	}
	if *flagJournal != "" {
		JournalReport(*flagJournal, *flagRun)
	}
}

// loadCheckpoint loads the latest checkpoint of checkpointPath, with all its variables, into a new context.
// checkpointPath can also be an S3 URL, "s3://<bucket>/<prefix>".
func loadCheckpoint(checkpointPath string) (*context.Context, *checkpoints.Handler) {
	ctx := context.New()
	config := checkpoints.Build(ctx).Keep(-1)
	if bucketAndPrefix, isS3 := strings.CutPrefix(checkpointPath, "s3://"); isS3 {
		bucket, prefix, _ := strings.Cut(bucketAndPrefix, "/")
		storage := must.M1(checkpoints.NewS3Storage(gocontext.Background(), checkpoints.S3Config{Bucket: bucket, Prefix: prefix}))
		config.Storage(storage)
	} else {
		config.Dir(checkpointPath)
	}
	handler := must.M1(config.Done())
	handler.LoadAllVariables()
	return ctx, handler
}

func report(checkpointPaths []string) {
	names := MinimalUniquePaths(checkpointPaths...)
	ctxs := make([]*context.Context, len(checkpointPaths))
	scopedCtxs := make([]*context.Context, len(checkpointPaths))
	for ii, checkpointPath := range checkpointPaths {
		ctxs[ii], _ = loadCheckpoint(checkpointPath)
		scopedCtxs[ii] = ctxs[ii]
		if *flagScope != "" {
			scopedCtxs[ii] = ctxs[ii].InAbsPath(*flagScope)
		}
	}
	if *flagSummary {
		Summary(ctxs, scopedCtxs, names)
	}
	if *flagParams {
		Params(ctxs, names)
	}
	if *flagVars {
		for ii, scopedCtx := range scopedCtxs {
			if len(names) > 1 {
				fmt.Println(sectionStyle.Render(names[ii]))
			}
			ListVariables(scopedCtx)
		}
	}
	if *flagLocalSGD {
		LocalSGDState(ctxs, names)
		for ii, ctx := range ctxs {
			if len(names) > 1 {
				fmt.Println(sectionStyle.Render(names[ii]))
			}
			SnapshotDrift(ctx)
		}
	}
}
