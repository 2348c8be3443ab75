// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"iter"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ScopedParams holds the hyperparameters of a Context: one map of key to value per scope.
//
// A lookup from a scope walks up the scope path, so a value set in "/" is seen everywhere
// unless a deeper scope overrides it:
//
//	"/":               {"learning_rate": 0.1, "localsgd_k_steps": 4}
//	"/optimizers":     {"learning_rate": 0.01}
//
//	Get("/optimizers/localsgd", "learning_rate")    -> 0.01 (from "/optimizers")
//	Get("/optimizers/localsgd", "localsgd_k_steps") -> 4 (from "/")
type ScopedParams struct {
	scopeToMap map[string]map[string]any
}

// NewScopedParams create an empty ScopedParams.
func NewScopedParams() *ScopedParams {
	return &ScopedParams{
		scopeToMap: make(map[string]map[string]any),
	}
}

// Set sets the value for the given key, in the given scope.
func (p *ScopedParams) Set(scope, key string, value any) {
	if p.scopeToMap[scope] == nil {
		p.scopeToMap[scope] = make(map[string]any)
	}
	p.scopeToMap[scope][key] = value
}

// scopeChain yields scope and then each of its parents, ending with RootScope.
func scopeChain(scope string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			if !yield(scope) || scope == RootScope || scope == "" {
				return
			}
			idx := strings.LastIndex(scope, ScopeSeparator)
			if idx <= 0 {
				scope = RootScope
			} else {
				scope = scope[:idx]
			}
		}
	}
}

// Lookup returns the value for key as seen from scope, and the scope where it was defined.
func (p *ScopedParams) Lookup(scope, key string) (value any, definedIn string, found bool) {
	for s := range scopeChain(scope) {
		if value, found = p.scopeToMap[s][key]; found {
			return value, s, true
		}
	}
	return nil, "", false
}

// Get retrieves the value for the given key in the given scope or any parent scope.
func (p *ScopedParams) Get(scope, key string) (value any, found bool) {
	value, _, found = p.Lookup(scope, key)
	return
}

// Enumerate calls fn for every parameter, sorted by scope and then key.
func (p *ScopedParams) Enumerate(fn func(scope, key string, value any)) {
	for _, scope := range slices.Sorted(maps.Keys(p.scopeToMap)) {
		values := p.scopeToMap[scope]
		for _, key := range slices.Sorted(maps.Keys(values)) {
			fn(scope, key, values[key])
		}
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

// convertParam converts a hyperparameter value to the type of target. Beyond plain Go
// conversions between numeric types (so an `int` from a config file reads as the `int64` of
// localsgd_k_steps), it accepts:
//
//   - strings for time.Duration ("30s"), bool and numeric types, as written by command-line settings;
//   - whole floats for integer types (YAML and JSON decode numbers as float64).
//
// Numbers are never converted to strings.
func convertParam(value any, target reflect.Type) (any, error) {
	v := reflect.ValueOf(value)
	if v.Type() == target {
		return value, nil
	}
	if s, ok := value.(string); ok {
		return parseParamString(s, target)
	}
	switch {
	case target == durationType:
		// Plain numbers are taken as seconds.
		if v.CanFloat() {
			return time.Duration(v.Float() * float64(time.Second)), nil
		}
		if v.CanInt() {
			return time.Duration(v.Int()) * time.Second, nil
		}
	case isInteger(target) && v.CanFloat():
		f := v.Float()
		if f != float64(int64(f)) {
			return nil, errors.Errorf("value %g is not a whole number, it can't be read as %s", f, target)
		}
		return reflect.ValueOf(int64(f)).Convert(target).Interface(), nil
	case target.Kind() == reflect.String:
		return nil, errors.Errorf("value of type %s can't be read as a string", v.Type())
	}
	if !v.CanConvert(target) {
		return nil, errors.Errorf("value of type %s can't be read as %s", v.Type(), target)
	}
	return v.Convert(target).Interface(), nil
}

func isInteger(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func parseParamString(s string, target reflect.Type) (any, error) {
	var parsed any
	var err error
	switch {
	case target == durationType:
		if s == "" {
			return time.Duration(0), nil
		}
		parsed, err = time.ParseDuration(s)
	case target.Kind() == reflect.String:
		return reflect.ValueOf(s).Convert(target).Interface(), nil
	case target.Kind() == reflect.Bool:
		parsed, err = strconv.ParseBool(s)
	case isInteger(target):
		parsed, err = strconv.ParseInt(s, 10, 64)
	case target.Kind() == reflect.Float32 || target.Kind() == reflect.Float64:
		parsed, err = strconv.ParseFloat(s, 64)
	default:
		return nil, errors.Errorf("string %q can't be read as %s", s, target)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "string %q can't be read as %s", s, target)
	}
	return reflect.ValueOf(parsed).Convert(target).Interface(), nil
}
