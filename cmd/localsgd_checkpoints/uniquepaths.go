// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"strings"
)

// MinimalUniquePaths returns, for each path, its shortest trailing sequence of path components that is
// not shared with any other path: used as column names when reporting several checkpoints.
//
// E.g.: "runs/a/worker-0" and "runs/a/worker-1" become "worker-0" and "worker-1", while
// "runs/a/ckpt" and "runs/b/ckpt" become "a/ckpt" and "b/ckpt".
func MinimalUniquePaths(paths ...string) []string {
	split := make([][]string, len(paths))
	for ii, path := range paths {
		path = strings.TrimSuffix(filepath.Clean(path), string(filepath.Separator))
		split[ii] = strings.Split(path, string(filepath.Separator))
	}
	suffix := func(parts []string, n int) string {
		n = min(n, len(parts))
		return strings.Join(parts[len(parts)-n:], string(filepath.Separator))
	}
	result := make([]string, len(paths))
	for ii, parts := range split {
		for n := 1; n <= len(parts); n++ {
			candidate := suffix(parts, n)
			unique := true
			for jj, other := range split {
				if jj != ii && suffix(other, n) == candidate {
					unique = false
					break
				}
			}
			result[ii] = candidate
			if unique {
				break
			}
		}
	}
	return result
}
