// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bytes"
	gocontext "context"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/program"
	"github.com/gomlx/localsgd/ml/train/optimizers"
	"github.com/gomlx/localsgd/types/shapes"
	"github.com/gomlx/localsgd/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// incrementGlobalStep runs a program that increments the global step n times.
func incrementGlobalStep(t *testing.T, ctx *context.Context, n int) {
	prog := program.New("step")
	optimizers.IncrementGlobalStepOp(ctx, prog)
	exec := program.NewExecutor(ctx, nil)
	defer func() { require.NoError(t, exec.Close()) }()
	for range n {
		require.NoError(t, exec.Run(prog))
	}
}

func TestCheckpoints(t *testing.T) {
	var dir string
	{
		// Build model, checkpoint a few times.
		ctx := context.New()
		ctx.SetParam("learning_rate", 0.01)
		ctx.SetParam("localsgd_k_steps", 4)
		ctx.In("layer_1").SetParam("momentum", 0.9)
		ctx.SetParam("run_id", "abc")
		ctx.In("layer_1").VariableWithValue("w", []float64{1, 2, 3})
		ctx.InAbsPath("/optimizers/localsgd").VariableWithValue("k_steps", int64(4)).SetTrainable(false)
		checkpoint := Build(ctx).TempDir("", "test_checkpoints_").Keep(3).MustDone()
		dir = checkpoint.Dir()
		for ii := 0; ii < 10; ii++ {
			incrementGlobalStep(t, ctx, 1)
			assert.Equal(t, int64(ii+1), optimizers.GetGlobalStep(ctx))
			require.NoError(t, checkpoint.Save(), "Saving checkpoint")
		}

		// Check the correct number of checkpoints (3) remain.
		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		assert.Len(t, list, 3, "Number of remaining checkpoints")
		assert.True(t, strings.HasSuffix(list[2], "-step-00000010"), "Last checkpoint %q", list[2])
	}
	defer func() { assert.NoErrorf(t, os.RemoveAll(dir), "Removing directory used for testing %q", dir) }()

	// Test loading of values
	{
		ctx := context.New()
		ctx.SetParam("learning_rate", 5.0) // Value should be overwritten when loading.
		checkpoint := Build(ctx).Dir(dir).Keep(3).MustDone()

		assert.Equal(t, 0.01, context.GetParamOr(ctx, "learning_rate", 0.0))
		kSteps, found := ctx.GetParam("localsgd_k_steps")
		require.True(t, found)
		assert.Equal(t, 4, kSteps.(int), "ints restored with their type")
		assert.Equal(t, 0.9, context.GetParamOr(ctx.In("layer_1"), "momentum", 0.0))
		assert.Equal(t, "abc", context.GetParamOr(ctx, "run_id", ""))

		// Variables are consumed as they are created.
		assert.Len(t, checkpoint.LoadedVariables(), 3)
		w := ctx.In("layer_1").VariableWithValue("w", []float64{0, 0, 0})
		assert.Equal(t, []float64{1, 2, 3}, w.Value().Flat())
		assert.Len(t, checkpoint.LoadedVariables(), 2)

		// Re-execute: it should load global step at 10, increment it to 11.
		incrementGlobalStep(t, ctx, 1)
		assert.Equal(t, int64(11), optimizers.GetGlobalStep(ctx))
		require.NoError(t, checkpoint.Save(), "Saving checkpoint")

		// Not consumed variables are saved as well.
		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		assert.Len(t, list, 3, "Number of remaining checkpoints")
		assert.True(t, strings.HasPrefix(list[2], "checkpoint-n0000010-"), "Counter continues from the loaded checkpoints: %q", list[2])
	}

	// Inspection of everything saved, without building anything.
	{
		ctx := context.New()
		checkpoint := Build(ctx).Dir(dir).MustDone()
		checkpoint.LoadAllVariables()
		assert.Empty(t, checkpoint.LoadedVariables())
		kSteps := ctx.InspectVariable("/optimizers/localsgd", "k_steps")
		require.NotNil(t, kSteps)
		assert.False(t, kSteps.Trainable)
		assert.Equal(t, int64(4), kSteps.Value().Value())
		w := ctx.InspectVariable("/layer_1", "w")
		require.NotNil(t, w)
		assert.True(t, w.Trainable)
	}
}

func TestTakeMean(t *testing.T) {
	ctx := context.New()
	w := ctx.VariableWithValue("w", []float64{0, 0})
	step := ctx.Checked(false).VariableWithValue("step", int64(0)).SetTrainable(false)
	checkpoint := Build(ctx).TempDir("", "test_checkpoints_mean_").Keep(-1).MustDone()
	dir := checkpoint.Dir()
	defer func() { assert.NoError(t, os.RemoveAll(dir)) }()
	for ii := 1; ii <= 4; ii++ {
		w.SetValue(tensors.FromFlat(shapes.Float64, []float64{float64(ii), float64(10 * ii)}, 2))
		step.Value().SetScalar(float64(ii))
		require.NoError(t, checkpoint.Save())
	}

	// Mean of the last 3.
	ctx = context.New()
	_ = Build(ctx).Dir(dir).TakeMean(3).MustDone()
	w = ctx.VariableWithValue("w", []float64{0, 0})
	assert.InDeltaSlice(t, []float64{3, 30}, w.Value().Flat(), 1e-9)
	step = ctx.Checked(false).VariableWithValue("step", int64(0))
	assert.Equal(t, int64(4), step.Value().Value(), "non-trainable variables are taken from the last checkpoint")

	// Mean of all.
	ctx = context.New()
	_ = Build(ctx).Dir(dir).TakeMean(-1).MustDone()
	w = ctx.VariableWithValue("w", []float64{0, 0})
	assert.InDeltaSlice(t, []float64{2.5, 25}, w.Value().Flat(), 1e-9)
}

func TestExcludeParamsAndVars(t *testing.T) {
	ctx := context.New()
	ctx.SetParam("learning_rate", 0.1)
	_ = ctx.VariableWithValue("a", 1.0)
	b := ctx.VariableWithValue("b", 2.0)
	checkpoint := Build(ctx).TempDir("", "test_checkpoints_exclude_").ExcludeVarsFromSaving(b).MustDone()
	dir := checkpoint.Dir()
	defer func() { assert.NoError(t, os.RemoveAll(dir)) }()
	require.NoError(t, checkpoint.Save())

	ctx = context.New()
	ctx.SetParam("learning_rate", 0.5)
	checkpoint = Build(ctx).Dir(dir).ExcludeParams().MustDone()
	assert.Equal(t, 0.5, context.GetParamOr(ctx, "learning_rate", 0.0))
	assert.Contains(t, checkpoint.LoadedVariables(), "/a")
	assert.NotContains(t, checkpoint.LoadedVariables(), "/b")
}

func TestConfigErrors(t *testing.T) {
	_, err := Build(context.New()).Done()
	require.Error(t, err)

	f, err := os.CreateTemp("", "test_checkpoints_file_")
	require.NoError(t, err)
	defer func() { _ = os.Remove(f.Name()) }()
	_ = f.Close()
	_, err = Build(context.New()).Dir(f.Name()).Done()
	require.Error(t, err, "a regular file is not a valid checkpoints directory")
}

// fakeS3 implements S3API in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(_ gocontext.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ gocontext.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, found := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !found {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ gocontext.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ gocontext.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Prefix)
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, strings.TrimPrefix(key, aws.ToString(in.Bucket)+"/"))
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func TestS3Storage(t *testing.T) {
	client := newFakeS3()
	storage := NewS3StorageWithClient(client, "bucket", "runs/run-1/")
	assert.Equal(t, "s3://bucket/runs/run-1/", storage.String())

	ctx := context.New()
	ctx.SetParam("learning_rate", 0.25)
	w := ctx.VariableWithValue("w", []float32{1, 2})
	checkpoint := Build(ctx).Storage(storage).Keep(2).MustDone()
	assert.Equal(t, "", checkpoint.Dir())
	for ii := range 3 {
		w.Value().Flat()[0] = float64(ii)
		incrementGlobalStep(t, ctx, 1)
		require.NoError(t, checkpoint.Save())
	}
	list, err := checkpoint.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Len(t, client.objects, 4, "2 checkpoints with 2 files each")

	// Objects out of the prefix are not visible.
	require.NoError(t, NewS3StorageWithClient(client, "bucket", "runs/run-2/").Put(gocontext.Background(), "x", []byte("y")))
	names, err := storage.List(gocontext.Background())
	require.NoError(t, err)
	assert.Len(t, names, 4)

	ctx = context.New()
	_ = Build(ctx).Storage(storage).MustDone()
	assert.Equal(t, 0.25, context.GetParamOr(ctx, "learning_rate", 0.0))
	w = ctx.VariableWithShape("w", shapes.Make(shapes.Float32, 2))
	assert.Equal(t, []float64{2, 2}, w.Value().Flat())
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(ctx))

	// Deleting missing objects is not an error.
	require.NoError(t, storage.Delete(gocontext.Background(), "missing"))
	_, err = storage.Get(gocontext.Background(), "missing")
	require.Error(t, err)
}
