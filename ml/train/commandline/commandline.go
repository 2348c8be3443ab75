// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience tools for training from the command line: configuration
// files and flags setting the context hyperparameters, and a progress bar for the training loop.
package commandline

import (
	"fmt"
	"io"

	"github.com/gomlx/localsgd/ml/train"
	"github.com/gomlx/localsgd/ml/train/metrics"
	"github.com/pkg/errors"
)

// ReportEval reports to w the mean loss of the model on each of the datasets, using trainer.Eval.
func ReportEval(w io.Writer, trainer *train.Trainer, datasets ...train.Dataset) error {
	for _, ds := range datasets {
		meanLoss, err := trainer.Eval(ds)
		if err != nil {
			return errors.WithMessagef(err, "evaluating on %q", ds.Name())
		}
		if _, err = fmt.Fprintf(w, "Results on %s:\n\tMean Loss (loss): %s\n", ds.Name(), metrics.LossPPrint(meanLoss)); err != nil {
			return errors.Wrap(err, "writing evaluation report")
		}
	}
	return nil
}
