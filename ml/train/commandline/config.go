// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"os"
	"reflect"
	"time"

	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/context/checkpoints"
	"github.com/gomlx/localsgd/ml/train/optimizers/localsgd"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the contents of a training configuration file. Example:
//
//	params:
//	  learning_rate: 0.05
//	  optimizer: momentum
//	localsgd:
//	  enabled: true
//	  k_steps: 4
//	  adaptive: true
//	  collective_timeout: 30s
//	checkpoint:
//	  dir: ~/runs/linear
//	  keep: 5
//	  every_n_steps: 100
//	journal: ~/runs/linear/journal.db
//
// Fields not set in the file leave the corresponding context parameters untouched.
type Config struct {
	// Params are set as root scope context parameters.
	Params map[string]any `yaml:"params,omitempty"`

	LocalSGD   *LocalSGDConfig   `yaml:"localsgd,omitempty"`
	Checkpoint *CheckpointConfig `yaml:"checkpoint,omitempty"`

	// Journal is the path of the SQLite journal of synchronization rounds.
	Journal string `yaml:"journal,omitempty"`
}

// LocalSGDConfig is the `localsgd:` section of the configuration, mapped to the localsgd context parameters.
type LocalSGDConfig struct {
	Enabled           *bool   `yaml:"enabled,omitempty"`
	KSteps            *int64  `yaml:"k_steps,omitempty"`
	Adaptive          *bool   `yaml:"adaptive,omitempty"`
	NumRings          *int    `yaml:"num_rings,omitempty"`
	MaxLocalSteps     *int64  `yaml:"max_local_steps,omitempty"`
	CollectiveTimeout *string `yaml:"collective_timeout,omitempty"`
}

// CheckpointConfig is the `checkpoint:` section of the configuration.
type CheckpointConfig struct {
	// Dir is the local checkpoint directory. "~" is expanded to the user's home directory.
	Dir string `yaml:"dir,omitempty"`

	// S3 storage, used instead of Dir if Bucket is set.
	S3 *checkpoints.S3Config `yaml:"s3,omitempty"`

	// Keep is the number of checkpoints to keep, -1 to keep all.
	Keep int `yaml:"keep,omitempty"`

	// EveryNSteps saves a checkpoint whenever the number of finished steps is a multiple of it.
	EveryNSteps int `yaml:"every_n_steps,omitempty"`
}

// LoadConfig reads and parses the YAML configuration file in path.
func LoadConfig(path string) (*Config, error) {
	contents, err := os.ReadFile(checkpoints.ReplaceTildeInDir(path))
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration file %q", path)
	}
	config, err := ParseConfig(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	return config, nil
}

// ParseConfig parses the YAML contents of a configuration, and validates it.
func ParseConfig(contents []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(contents, config); err != nil {
		return nil, errors.Wrap(err, "parsing YAML configuration")
	}
	if s := config.LocalSGD; s != nil && s.CollectiveTimeout != nil && *s.CollectiveTimeout != "" {
		if _, err := time.ParseDuration(*s.CollectiveTimeout); err != nil {
			return nil, errors.Wrapf(err, "invalid localsgd.collective_timeout %q", *s.CollectiveTimeout)
		}
	}
	if c := config.Checkpoint; c != nil && c.EveryNSteps < 0 {
		return nil, errors.Errorf("invalid checkpoint.every_n_steps=%d, it must be >= 0", c.EveryNSteps)
	}
	return config, nil
}

// String returns the configuration in YAML format.
func (c *Config) String() string {
	contents, err := yaml.Marshal(c)
	if err != nil {
		return "<invalid configuration: " + err.Error() + ">"
	}
	return string(contents)
}

// ApplyToContext sets the context parameters given in the configuration.
//
// Params that already have a value in the context are converted to the type of the existing value, so a
// `learning_rate: 1` in the file is still a float64. Lists are converted to []int, []float64 or []string
// when all of their elements have that type.
func (c *Config) ApplyToContext(ctx *context.Context) error {
	for key, value := range c.Params {
		value = normalizeYAMLValue(value)
		if previous, found := ctx.GetParam(key); found && previous != nil && value != nil {
			converted, err := convertToTypeOf(value, previous)
			if err != nil {
				return errors.WithMessagef(err, "configuration parameter %q", key)
			}
			value = converted
		}
		ctx.SetParam(key, value)
	}
	if s := c.LocalSGD; s != nil {
		setIfNotNil(ctx, localsgd.ParamEnabled, s.Enabled)
		setIfNotNil(ctx, localsgd.ParamKSteps, s.KSteps)
		setIfNotNil(ctx, localsgd.ParamAdaptive, s.Adaptive)
		setIfNotNil(ctx, localsgd.ParamNumRings, s.NumRings)
		setIfNotNil(ctx, localsgd.ParamMaxLocalSteps, s.MaxLocalSteps)
		setIfNotNil(ctx, localsgd.ParamCollectiveTimeout, s.CollectiveTimeout)
	}
	return nil
}

func setIfNotNil[T any](ctx *context.Context, key string, value *T) {
	if value != nil {
		ctx.SetParam(key, *value)
	}
}

// convertToTypeOf converts value to the type of previous, if they differ.
func convertToTypeOf(value, previous any) (any, error) {
	v, targetType := reflect.ValueOf(value), reflect.TypeOf(previous)
	if v.Type() == targetType {
		return value, nil
	}
	if v.Kind() == reflect.String && targetType.Kind() != reflect.String {
		return nil, errors.Errorf("value %q can't be used where a %s is expected", value, targetType)
	}
	if v.Kind() == reflect.Slice && targetType.Kind() == reflect.Slice {
		converted := reflect.MakeSlice(targetType, 0, v.Len())
		for ii := range v.Len() {
			elem := v.Index(ii)
			if elem.Kind() == reflect.Interface {
				elem = elem.Elem()
			}
			if !elem.CanConvert(targetType.Elem()) {
				return nil, errors.Errorf("element %d of list (%s) can't be converted to %s", ii, elem.Type(), targetType.Elem())
			}
			converted = reflect.Append(converted, elem.Convert(targetType.Elem()))
		}
		return converted.Interface(), nil
	}
	if !v.CanConvert(targetType) {
		return nil, errors.Errorf("value of type %s can't be converted to %s", v.Type(), targetType)
	}
	return v.Convert(targetType).Interface(), nil
}

// normalizeYAMLValue converts lists of values decoded by yaml ([]any) to a typed slice when
// all elements have the same type.
func normalizeYAMLValue(value any) any {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return value
	}
	switch list[0].(type) {
	case int:
		return typedSlice[int](list, value)
	case float64:
		return typedSlice[float64](list, value)
	case string:
		return typedSlice[string](list, value)
	}
	return value
}

func typedSlice[T any](list []any, original any) any {
	typed := make([]T, 0, len(list))
	for _, elem := range list {
		v, ok := elem.(T)
		if !ok {
			return original
		}
		typed = append(typed, v)
	}
	return typed
}
