// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/localsgd/ml/train"
	"github.com/gomlx/localsgd/ml/train/optimizers/localsgd"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out              io.Writer
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
	suffix           string
	plain            bool
	totalAmount      int

	// lipgloss-based rich and asynchronous display for terminals.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

// Write implements io.Writer, and appends the current suffix with metrics to each
// line. It is meant to be used as the writer for the enclosed progressbar.ProgressBar in
// plain mode, so the progress bar and its suffix are written in the same write operation.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	newData := append(data, []byte(pBar.suffix)...)
	n, err = pBar.out.Write(newData)
	if err == nil {
		n = len(data)
	}
	return
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	var stepsMsg string
	if loop.EndStep < 0 {
		pBar.numSteps = 1000 // Guess for now.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
		stepsMsg = fmt.Sprintf(" (%s steps)", humanize.Comma(int64(pBar.numSteps)))
	}
	var writer io.Writer = pBar
	if !pBar.plain {
		writer = pBar.out
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("Training%s: ", stepsMsg)),
		progressbar.OptionUseANSICodes(!pBar.plain),
		progressbar.OptionEnableColorCodes(!pBar.plain),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionSetWriter(writer),
	)
	return nil
}

// localSGDStats returns the LocalSGD state of the trainer's context, if the strategy is in use.
func localSGDStats(loop *train.Loop) (rows [][2]string) {
	state, found := localsgd.ReadState(loop.Trainer.Context())
	if !found {
		return nil
	}
	return [][2]string{
		{"LocalSGD k-steps", humanize.Comma(state.KSteps)},
		{"Last Sync Step", humanize.Comma(state.LastStep)},
	}
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics []float64) error {
	// Check whether it is finished.
	if pBar.bar.IsFinished() {
		return nil
	}

	// Check whether there is something to update.
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}

	trainMetrics := loop.Trainer.TrainMetrics()
	if pBar.plain {
		// Set a suffix that will be written along with the progressbar in [progressBar.Write].
		parts := make([]string, 0, len(trainMetrics)+3)
		parts = append(parts, fmt.Sprintf(" [step=%d]", loop.LoopStep))
		for metricIdx, metricObj := range trainMetrics {
			parts = append(parts, fmt.Sprintf(" [%s=%s]", metricObj.ShortName(), metricObj.PrettyPrint(metrics[metricIdx])))
		}
		for _, row := range localSGDStats(loop) {
			parts = append(parts, fmt.Sprintf(" [%s=%s]", row[0], row[1]))
		}
		parts = append(parts, "        ")
		pBar.suffix = strings.Join(parts, "")
		_ = pBar.bar.Add(amount) // Triggers print, see [pBar.Write] method.

	} else {
		// For terminals instead we create and enqueue an update to be asynchronously printed.
		update := progressBarUpdate{amount: amount}
		update.rows = append(update.rows, [2]string{"Global Step", fmt.Sprintf("%d / %d", loop.LoopStep, loop.EndStep)})
		for metricIdx, metricObj := range trainMetrics {
			update.rows = append(update.rows, [2]string{metricObj.Name(), metricObj.PrettyPrint(metrics[metricIdx])})
		}
		update.rows = append(update.rows, localSGDStats(loop)...)
		pBar.updates <- update
	}

	// Add amount run since last time.
	pBar.totalAmount += amount
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ []float64) error {
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.asyncUpdatesDone.Wait()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "localsgd.ml.train.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// AttachProgressBar creates a commandline progress bar on os.Stdout and attaches it to the Loop, so that
// everytime Loop is run it will display a progress bar with progression, metrics and the LocalSGD state.
func AttachProgressBar(loop *train.Loop) {
	AttachProgressBarTo(loop, os.Stdout)
}

// AttachProgressBarTo is like AttachProgressBar, but writes to out. If out is not a terminal, a plain
// one-line progress bar (with metrics appended) is used.
func AttachProgressBarTo(loop *train.Loop, out io.Writer) {
	pBar := &progressBar{out: out}
	output := termenv.NewOutput(out)
	pBar.plain = output.Profile == termenv.Ascii
	if !pBar.plain {
		pBar.isFirstOutput = true
		pBar.termenv = output
		pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		pBar.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
		pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
		pBar.asyncUpdatesDone.Add(1)
		go pBar.drawUpdates()
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Run at least 1000 during loop or at least every 3 seconds.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, 3*time.Second, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

// drawUpdates asynchronously: this is handy if the training is faster than the terminal, in particular
// if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Clear the previous lines that will be overwritten.
		if !pBar.isFirstOutput {
			pBar.termenv.ClearLines(len(update.rows) + 1 + 2)
		}
		pBar.isFirstOutput = false

		// Print update.
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		_, _ = fmt.Fprintln(pBar.out)
		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		time.Sleep(maxUpdateFrequency)
	}
}
