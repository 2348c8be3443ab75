// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/localsgd/ml/context"
)

// paramKey identifies a hyperparameter by the scope where it was set.
type paramKey struct{ scope, key string }

func compareParamKeys(a, b paramKey) int {
	return cmp.Or(cmp.Compare(a.scope, b.scope), cmp.Compare(a.key, b.key))
}

// Params prints the hyperparameters of the checkpoints side by side. Rows in red differ across
// checkpoints: the workers of a run are expected to share the configuration (e.g. localsgd_k_steps).
func Params(ctxs []*context.Context, names []string) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newReport()
	valueHeaders := names
	if len(names) == 1 {
		valueHeaders = []string{"Value"}
	}
	table.Headers(append([]string{"Scope", "Name", "Type"}, valueHeaders...)...)

	// values[key][ii] is the value in checkpoint ii, if set.
	values := make(map[paramKey][]any)
	for ii, ctx := range ctxs {
		ctx.EnumerateParams(func(scope, key string, value any) {
			k := paramKey{scope, key}
			if values[k] == nil {
				values[k] = make([]any, len(ctxs))
			}
			values[k][ii] = value
		})
	}

	for _, k := range slices.SortedFunc(maps.Keys(values), compareParamKeys) {
		row := []string{k.scope, k.key, ""}
		for _, value := range values[k] {
			if value == nil {
				row = append(row, "")
				continue
			}
			if row[2] == "" {
				row[2] = fmt.Sprintf("%T", value)
			}
			row = append(row, fmt.Sprintf("%v", value))
		}
		table.FlaggedRow(disagree(row[3:]), row...)
	}
	table.Print()
}
