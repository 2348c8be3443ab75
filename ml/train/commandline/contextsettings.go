// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/localsgd/ml/context"
	"github.com/pkg/errors"
)

// ParseContextSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in the context `ctx`. The default values are also used to set the type to which the
// string values will be parsed to. Slice parameters take comma-separated values: "ranks=0,2".
//
// It updates `ctx` parameters accordingly, and returns an error in case a parameter
// is unknown or the parsing failed.
//
// Note, one can also provide a scope for the parameters: "model/learning_rate=0.1"
// will work, as long as a default "learning_rate" is defined in `ctx`.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// Example usage:
//
//	func main() {
//		ctx := createDefaultContext()
//		settings := commandline.CreateContextSettingsFlag(ctx, "")
//		flag.Parse()
//		err := commandline.ParseContextSettings(ctx, *settings)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintContextSettings(ctx))
//		...
//	}
func ParseContextSettings(ctx *context.Context, settings string) error {
	for _, setting := range strings.Split(settings, ";") {
		if setting == "" {
			continue
		}
		paramPath, valueStr, found := strings.Cut(setting, "=")
		if !found {
			return errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\", got %q",
				settings, setting)
		}
		paramPathParts := strings.Split(paramPath, context.ScopeSeparator)
		key := paramPathParts[len(paramPathParts)-1]
		defaultValue, found := ctx.GetParam(key)
		if !found {
			return errors.Errorf("can't set parameter %q because the param %q is not known in the root context",
				paramPath, key)
		}

		// Set the new parameter in the selected scope.
		ctxInScope := ctx
		for _, part := range paramPathParts[:len(paramPathParts)-1] {
			if part != "" {
				ctxInScope = ctxInScope.In(part)
			}
		}
		value, err := parseParamValue(valueStr, defaultValue)
		if err != nil {
			return errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
				valueStr, paramPath, defaultValue)
		}
		ctxInScope.SetParam(key, value)
	}
	return nil
}

// parseParamValue parses valueStr to the type of defaultValue.
func parseParamValue(valueStr string, defaultValue any) (any, error) {
	valueType := reflect.TypeOf(defaultValue)
	if valueType == nil {
		return nil, errors.New("parameter has no default value to infer its type from")
	}
	if valueType.Kind() != reflect.Slice {
		return parseScalar(valueStr, valueType)
	}
	slice := reflect.MakeSlice(valueType, 0, 0)
	if valueStr == "" {
		return slice.Interface(), nil
	}
	for _, part := range strings.Split(valueStr, ",") {
		elem, err := parseScalar(strings.TrimSpace(part), valueType.Elem())
		if err != nil {
			return nil, err
		}
		slice = reflect.Append(slice, reflect.ValueOf(elem))
	}
	return slice.Interface(), nil
}

func parseScalar(valueStr string, valueType reflect.Type) (any, error) {
	switch valueType.Kind() {
	case reflect.String:
		return reflect.ValueOf(valueStr).Convert(valueType).Interface(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	case reflect.Float32, reflect.Float64, reflect.Bool:
	default:
		return nil, errors.Errorf("don't know how to parse values of type %s", valueType)
	}
	ptr := reflect.New(valueType)
	if err := json.Unmarshal([]byte(valueStr), ptr.Interface()); err != nil {
		return nil, errors.Wrapf(err, "parsing %q as %s", valueStr, valueType)
	}
	return ptr.Elem().Interface(), nil
}

// CreateContextSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the current defined parameters in the context `ctx`.
//
// The flag should be created before the call to `flags.Parse()`.
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var parts []string
	parts = append(parts, fmt.Sprintf(
		`Set context parameters defining the training. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`Scoped settings are allowed, by using %q to separated scopes. `+
			`Current available parameters that can be set:`,
		context.ScopeSeparator))
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintContextSettings pretty-print values for the current hyperparameters settings into a string.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	parts = append(parts, "Context hyperparameters:")
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			parts = append(parts, fmt.Sprintf("%q: (%T) %v", key, value, value))
		} else {
			parts = append(parts, fmt.Sprintf("%q / %q: (%T) %v", scope, key, value, value))
		}
	})
	return strings.Join(parts, "\n\t")
}
