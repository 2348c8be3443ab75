// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management: saving and loading of checkpoints.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
// Once created, if a previous saved checkpoint exists, it will automatically load variables and parameters
// for your model into Context.
// And as the model trains, one can call Handler.Save() at any time to save a new checkpoint --
// typically one will do that inside train.EveryNSteps().
//
// A checkpoint is a pair of files: `<base>.json` with the metadata (the Params and where each
// variable is stored) and `<base>.bin` with the values of all variables, compressed with snappy.
// They can be stored in a local directory (Config.Dir) or in any Storage, e.g. an S3 bucket
// (NewS3Storage).
//
// Everything in the Context is saved, including the optimizers state. For LocalSGD this includes the
// snapshots and the `/optimizers/localsgd` state, so a resumed run continues with the same
// synchronization schedule and adaptive baseline.
//
// Example: After creating the Context, it checks if a checkpoint directory was set (`*flagCheckpoint`)
// and if yes, creates a checkpoints.Handler to save checkpoints every 100 steps, keeping the last
// `*flagCheckpointKeep` steps.
//
// ```
//
//	…
//	ctx := context.New()
//	ctx.SetParam(optimizers.ParamLearningRate, *flagLearningRate)
//
//	var checkpoint *checkpoints.Handler
//	if *flagCheckpoint != "" {
//		checkpoint = must.M1(checkpoints.Build(ctx).Dir(*flagCheckpoint).Keep(*flagCheckpointKeep).Done())
//	}
//	…
//	// Build training loop.
//	loop := train.NewLoop(trainer)
//	commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.
//	if checkpoint != nil {
//		const priority = 100  // Large number here, means it runs last.
//		train.EveryNSteps(loop, 100, "checkpointing", priority, checkpoint.OnStepFn)
//	}
//	…
//
// ```
package checkpoints

import (
	gocontext "context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/train"
	"github.com/gomlx/localsgd/ml/train/optimizers"
	"github.com/gomlx/localsgd/types/shapes"
	"github.com/gomlx/localsgd/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config for the checkpoints Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler that loads (if there are any previously saved checkpoints) and
// saves checkpoints.
type Config struct {
	ctx *context.Context

	err error

	storage         Storage
	dir             string
	includeParams   bool
	keep            int
	takeMean        int
	excludeFromSave map[*context.Variable]bool
}

// Build a configuration for building a checkpoints.Handler. After configuring the
// Config object returned, call `Done` to get the configured checkpoints.Handler.
func Build(ctx *context.Context) *Config {
	return &Config{
		ctx:             ctx,
		includeParams:   true,
		keep:            1,
		takeMean:        1,
		excludeFromSave: make(map[*context.Variable]bool),
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. It is created if it doesn't exist.
//
// One must set either Dir, TempDir or Storage before building the checkpoints.Handler.
func (c *Config) Dir(dir string) *Config {
	dir = ReplaceTildeInDir(dir)
	storage, err := newDirStorage(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	c.dir = dir
	c.storage = storage
	return c
}

// TempDir creates a temporary directory under dir, with the pattern name, and uses this
// directory to load / save checkpoints. It's a convenience wrapper to os.MkdirTemp.
//
// If dir is the empty string, MkdirTemp uses the default directory for temporary files, as returned
// by os.TempDir.
//
// Any errors are reported on the return to the call to the method Done.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to create os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	if err = os.Chmod(newDir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "failed to os.Chmod(%q, %s)", newDir, DirPermMode))
		return c
	}
	return c.Dir(newDir)
}

// Storage sets where to save / load the checkpoints, e.g. an S3Storage.
func (c *Config) Storage(storage Storage) *Config {
	c.storage = storage
	c.dir = ""
	return c
}

// ExcludeParams configures Handler to exclude the Context parameters (values usually
// read/written by Context.GetParam and context.SetParam).
//
// By default, Params are loaded and set into Context the moment Handler is created
// (when Done() is called), overriding values already present in the Context.
func (c *Config) ExcludeParams() *Config {
	c.includeParams = false
	return c
}

// ExcludeVarsFromSaving enumerate variables to be excluded from saving.
// The function can be called multiple times, adding variables to be excluded from saving.
func (c *Config) ExcludeVarsFromSaving(vars ...*context.Variable) *Config {
	for _, v := range vars {
		c.excludeFromSave[v] = true
	}
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// TakeMean loads the mean of the last `n` checkpoints.
// If `n <= 0`, take the mean of all available checkpoints.
// Notice that only trainable float variables are averaged. Everything else (e.g. the global step,
// or the LocalSGD state) is taken from the most recent checkpoint instead.
//
// The default is 1, so only load the most recent checkpoint.
func (c *Config) TakeMean(n int) *Config {
	c.takeMean = n
	return c
}

// Done creates a Handler with the current configuration. It returns an error if
// the configuration is invalid, or if it's missing information.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.storage == nil {
		return nil, errors.Errorf("storage for checkpoints not configured, use Dir or Storage")
	}
	handler := &Handler{config: c, serialized: &serializedData{}}
	checkpoints, err := handler.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	handler.checkpointsCount = maxCheckPointCountFromCheckpoints(checkpoints) + 1
	if len(checkpoints) > 0 {
		takeMean := c.takeMean
		if takeMean <= 0 || takeMean > len(checkpoints) {
			takeMean = len(checkpoints)
		}
		if takeMean == 1 {
			err = handler.loadCheckpoint(checkpoints[len(checkpoints)-1], false, 0)
		} else {
			err = handler.takeMean(checkpoints[len(checkpoints)-takeMean:])
		}
		if err != nil {
			return nil, err
		}
	}
	handler.attachTo(c.ctx)
	return handler, nil
}

// MustDone constructs the checkpoints.Handler. It panics if there was an error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.WithMessage(err, "failed to create checkpoints.Handler"))
	}
	return h
}

// Handler handles saving and loading of checkpoints for a context.Context. See example in
// package documentation.
//
// It is created and configured using Build(), followed by options setting and then calling
// Config.Done().
//
// Loading data into Handler happens at its creation time: it loads from the latest checkpoint.
// (Hyper-)Parameters are immediately loaded into the context then (if not Config.ExcludeParams)
// but the loaded variable values are only "consumed" (used) one at a time, as the variables are
// created (e.g: when the model function and the optimizers are first called).
//
// Saving of checkpoints is explicit, by calling Handler.Save(). Usually this is
// done by configuring train.Loop to call it using train.EveryNSteps.
// When saving all variables in Context are saved, along with any previous variables loaded
// by the Handler that were not used by Context and with the `Params` for all scopes.
//
// A Handler can only be "attached" to one context.Context.
type Handler struct {
	config            *Config
	ctx               *context.Context
	prevContextLoader context.Loader

	serialized     *serializedData
	variableValues map[string]*tensors.Tensor
	variableInfo   map[string]serializedVar

	checkpointsCount int
}

// serializedData is how the information is read and written from storage.
type serializedData struct {
	Params []serializedParam

	// Variables in the order they are stored in the data file.
	Variables []serializedVar
}

// serializedVar contains information about the variable that was serialized.
type serializedVar struct {
	// ParameterName is the variable scope and name, its unique id in the Context.
	ParameterName string

	// Dimensions of the shape.
	Dimensions []int

	// DType of the shape.
	DType shapes.DType

	// Trainable and Sharded flags of the variable.
	Trainable, Sharded bool `json:",omitempty"`

	// Pos, Length in bytes in the uncompressed data.
	Pos, Length int
}

func (v serializedVar) shape() shapes.Shape {
	return shapes.Make(v.DType, v.Dimensions...)
}

// serializedParam represents a serialized context parameter.
// It includes the original ValueType, because Json decoder may
// not be capable of recovering the original type in anonymous (any) Value.
type serializedParam struct {
	Scope, Key string
	Value      any
	ValueType  string
}

// jsonDecodeTypeConvert attempts to convert the Value decoded by Json into
// the original ValueType.
//
// E.g.: Json decoder will decode all numbers to float64. So we cast it to the
// given ValueType.
func (p *serializedParam) jsonDecodeTypeConvert() {
	switch value := p.Value.(type) {
	case float64:
		switch p.ValueType {
		case "int":
			p.Value = int(value)
		case "int32":
			p.Value = int32(value)
		case "int64":
			p.Value = int64(value)
		case "uint32":
			p.Value = uint32(value)
		case "float32":
			p.Value = float32(value)
		}

	case []any:
		switch p.ValueType {
		case "[]int":
			p.Value = convertSlice(value, func(f float64) int { return int(f) })
		case "[]float64":
			p.Value = convertSlice(value, func(f float64) float64 { return f })
		case "[]string":
			values := make([]string, len(value))
			for ii, sAny := range value {
				values[ii], _ = sAny.(string)
			}
			p.Value = values
		}
	}
}

func convertSlice[T any](values []any, fn func(float64) T) []T {
	converted := make([]T, len(values))
	for ii, vAny := range values {
		f, _ := vAny.(float64) // Json decoder converts any numbers to float64.
		converted[ii] = fn(f)
	}
	return converted
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%s)", h.config.storage)
}

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(globalStep int64) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now)
	if globalStep > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, globalStep)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

const (
	baseNamePrefix = "checkpoint-"
	jsonNameSuffix = ".json"
	varDataSuffix  = ".bin"
)

// ListCheckpoints returns the base name of the checkpoints in storage in time order (older first).
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	names, err := h.config.storage.List(gocontext.Background())
	if err != nil {
		return nil, errors.WithMessagef(err, "%s listing checkpoints", h)
	}
	for _, fileName := range names {
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, jsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(fileName, jsonNameSuffix))
	}
	// Names are sorted by the storage, and the counter is zero-padded: that's time order.
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest `checkpointCount` in the saved
// checkpoints -- so the next checkpoint saved uses this count+1.
//
// The input should be the output of Handler.ListCheckpoints.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxId = max(maxId, id)
	}
	return maxId
}

// readCheckpoint reads the metadata and the (uncompressed) data of a checkpoint.
func (h *Handler) readCheckpoint(baseName string) (*serializedData, []byte, error) {
	ctx := gocontext.Background()
	jsonData, err := h.config.storage.Get(ctx, baseName+jsonNameSuffix)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "%s: failed to read checkpoint metadata", h)
	}
	var serialized *serializedData
	if err = json.Unmarshal(jsonData, &serialized); err != nil {
		return nil, nil, errors.Wrapf(err, "%s: failed to decode checkpoint metadata %s%s", h, baseName, jsonNameSuffix)
	}
	compressed, err := h.config.storage.Get(ctx, baseName+varDataSuffix)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "%s: failed to read checkpoint data", h)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s: failed to decompress checkpoint data %s%s", h, baseName, varDataSuffix)
	}
	return serialized, data, nil
}

// loadCheckpoint loads a specific checkpoint. This needs to happen before attachTo,
// since otherwise it may not have any effect.
//
// If `merge` is set to false, loading a different checkpoint discards the previous checkpoint read.
// If `merge` is set to true, only trainable float variables are merged into the current values, using
// `mergeWeight` for the new value.
func (h *Handler) loadCheckpoint(baseName string, merge bool, mergeWeight float64) error {
	klog.V(1).Infof("%s: loading %q", h, baseName)
	if h.ctx != nil {
		return errors.Errorf("%s tried to loadCheckpoint(%q) after being attached to a Context, this is not allowed", h, baseName)
	}
	serialized, data, err := h.readCheckpoint(baseName)
	if err != nil {
		return err
	}
	if h.config.includeParams {
		for ii := range serialized.Params {
			serialized.Params[ii].jsonDecodeTypeConvert()
		}
	} else {
		serialized.Params = nil
	}
	if !merge {
		h.serialized = serialized
		h.variableValues = make(map[string]*tensors.Tensor, len(serialized.Variables))
		h.variableInfo = make(map[string]serializedVar, len(serialized.Variables))
	}

	for _, varInfo := range serialized.Variables {
		if varInfo.Pos < 0 || varInfo.Pos+varInfo.Length > len(data) {
			return errors.Errorf("%s: variable %q stored at [%d, %d) is out of bounds of checkpoint %q data (%d bytes)",
				h, varInfo.ParameterName, varInfo.Pos, varInfo.Pos+varInfo.Length, baseName, len(data))
		}
		value, err := tensors.FromBytes(varInfo.shape(), data[varInfo.Pos:varInfo.Pos+varInfo.Length])
		if err != nil {
			return errors.WithMessagef(err, "%s: variable %q in checkpoint %q", h, varInfo.ParameterName, baseName)
		}
		if !merge {
			h.variableValues[varInfo.ParameterName] = value
			h.variableInfo[varInfo.ParameterName] = varInfo
			continue
		}
		current, found := h.variableValues[varInfo.ParameterName]
		if !found || !varInfo.Trainable || !varInfo.DType.IsFloat() || !current.Shape().Eq(value.Shape()) {
			// Not merge-able, the value of the last checkpoint is kept.
			continue
		}
		currentFlat, valueFlat := current.Flat(), value.Flat()
		for ii := range currentFlat {
			currentFlat[ii] = currentFlat[ii]*(1-mergeWeight) + valueFlat[ii]*mergeWeight
		}
	}
	return nil
}

// takeMean will load the checkpoints pointed by baseNames and take the mean of those.
// It takes the mean only for trainable float variables, everything else it just takes
// the value from the last checkpoint.
//
// The mean is taken one checkpoint at a time, so at any time there is only one copy
// of the model weights in memory, plus the checkpoint being merged.
func (h *Handler) takeMean(baseNames []string) error {
	err := h.loadCheckpoint(baseNames[len(baseNames)-1], false, 0)
	if err != nil {
		return err
	}
	// Running mean: the order doesn't matter.
	for ii, baseName := range baseNames[:len(baseNames)-1] {
		mergeWeight := 1.0 / (float64(ii) + 2.0)
		if err = h.loadCheckpoint(baseName, true, mergeWeight); err != nil {
			return err
		}
	}
	return nil
}

// Save creates a new checkpoint and save the context variables and (optionally) Params.
//
// All variables in the context are saved, as well as those previously loaded -- this allows one
// to load the variables only for a part of the model, update that part and save again with everything.
//
// Params is (de-) serialized with package json.
func (h *Handler) Save() error {
	if h.ctx == nil {
		return errors.Errorf("%s not attached to a context.Context yet.", h)
	}
	globalStep := optimizers.GetGlobalStep(h.ctx)

	if h.config.includeParams {
		h.serialized.Params = nil
		h.ctx.EnumerateParams(func(scope, key string, value any) {
			h.serialized.Params = append(h.serialized.Params,
				serializedParam{Scope: scope, Key: key, Value: value, ValueType: fmt.Sprintf("%T", value)})
		})
	}

	// Variables: both from Context and previously loaded ones.
	h.serialized.Variables = make([]serializedVar, 0, h.ctx.NumVariables()+len(h.variableValues))
	var data []byte
	saveVar := func(name string, value *tensors.Tensor, trainable, sharded bool) {
		raw := value.Bytes()
		h.serialized.Variables = append(h.serialized.Variables, serializedVar{
			ParameterName: name,
			Dimensions:    value.Shape().Dimensions,
			DType:         value.DType(),
			Trainable:     trainable,
			Sharded:       sharded,
			Pos:           len(data),
			Length:        len(raw),
		})
		data = append(data, raw...)
	}
	h.ctx.EnumerateVariables(func(v *context.Variable) {
		if h.config.excludeFromSave[v] {
			return
		}
		saveVar(v.ScopeAndName(), v.Value(), v.Trainable, v.IsSharded())
	})
	for name, value := range h.variableValues {
		info := h.variableInfo[name]
		saveVar(name, value, info.Trainable, info.Sharded)
	}

	metadata, err := json.MarshalIndent(h.serialized, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "%s: failed to encode checkpoint metadata", h)
	}
	baseName := h.newCheckpointBaseName(globalStep)
	h.checkpointsCount++

	// Data goes first: a checkpoint only exists (see ListCheckpoints) once its metadata is written.
	ctx := gocontext.Background()
	if err = h.config.storage.Put(ctx, baseName+varDataSuffix, snappy.Encode(nil, data)); err != nil {
		return errors.WithMessagef(err, "%s: failed to write checkpoint data", h)
	}
	if err = h.config.storage.Put(ctx, baseName+jsonNameSuffix, metadata); err != nil {
		return errors.WithMessagef(err, "%s: failed to write checkpoint metadata", h)
	}
	klog.V(1).Infof("%s: saved %q (%d variables)", h, baseName, len(h.serialized.Variables))
	return h.keepNCheckpoints()
}

// OnStepFn implements `train.OnStepFn`, and make it convenient to attach to a training loop.
// It simply calls save.
func (h *Handler) OnStepFn(_ *train.Loop, _ []float64) error {
	return h.Save()
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) <= h.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones. Metadata first, so a partially
	// removed checkpoint is not listed anymore.
	ctx := gocontext.Background()
	for _, baseName := range list[:len(list)-h.config.keep] {
		for _, fileName := range []string{baseName + jsonNameSuffix, baseName + varDataSuffix} {
			if err = h.config.storage.Delete(ctx, fileName); err != nil {
				return errors.WithMessagef(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

// attachTo attaches Handler to a context.Context. The first thing it does if there is a checkpoint
// loaded is to set the Context's Params from the loaded values (except if the Handler was configured
// with ExcludeParams).
func (h *Handler) attachTo(ctx *context.Context) {
	if h.ctx != nil {
		Panicf("%s already attached to a Context, can not attach to another one", h)
	}
	h.ctx = ctx
	h.prevContextLoader = ctx.Loader()
	ctx.SetLoader(h)

	if h.config.includeParams {
		for _, p := range h.serialized.Params {
			ctx.InAbsPath(p.Scope).SetParam(p.Key, p.Value)
		}
	}
}

// Dir returns the directory the Handler is configured to, or "" if it uses another Storage.
// It cannot be changed once the Handler was created.
//
// It returns "" (empty) if the Handler is `nil`.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// Storage returns the storage used by the Handler.
func (h *Handler) Storage() Storage {
	return h.config.storage
}

// LoadVariable implements context.Loader.
// This is called by context.Context when the variable is created.
func (h *Handler) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	// Priority is based on the installation order. That means we attempt first the previously configured loaders.
	if h.prevContextLoader != nil {
		value, found = h.prevContextLoader.LoadVariable(ctx, scope, name)
		if found {
			return
		}
	}
	key := context.JoinScope(scope, name)
	value, found = h.variableValues[key]
	if !found {
		return
	}
	// "Consume" value, meaning remove it from Handler.
	delete(h.variableValues, key)
	delete(h.variableInfo, key)
	return
}

// LoadAllVariables creates in the attached Context all variables loaded and not yet consumed, with
// their saved values and flags. It's used by tools that inspect checkpoints without building the model.
func (h *Handler) LoadAllVariables() {
	if h.ctx == nil {
		Panicf("%s not attached to a context.Context yet", h)
	}
	// Follow the order in the checkpoint, which is the creation order of the variables.
	for _, info := range h.serialized.Variables {
		if _, found := h.variableValues[info.ParameterName]; !found {
			continue
		}
		scope, name := context.SplitScopeAndName(info.ParameterName)
		h.ctx.Checked(false).InAbsPath(scope).
			VariableWithShape(name, info.shape()).
			SetTrainable(info.Trainable).
			SetSharded(info.Sharded)
	}
}

// LoadedVariables for inspection. These are the values loaded -- but not necessarily immediately available in
// context, since they are actually used only when a model asks for the variable.
//
// The Handler owns the returned map, don't change it -- the behavior is undefined if you do.
func (h *Handler) LoadedVariables() map[string]*tensors.Tensor {
	return h.variableValues
}
