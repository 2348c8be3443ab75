// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package context defines the Context and Variable types: Context organizes the hyperparameters and
// the variables of a training run, and Variable holds the host value of a parameter, a gradient or
// any state an optimizer needs to keep across steps.
package context

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/localsgd/ml/context/initializers"
	"github.com/gomlx/localsgd/types/shapes"
	"github.com/gomlx/localsgd/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context organizes information shared in a training run: the variables (model parameters, their
// gradients and optimizer state) and the hyperparameters (Params).
//
// Both are organized in "scopes". The Context object is a thin wrapper that contains the current
// scope (similar to a current directory) and a link to the actual data. One changes scopes with
// Context.In("new_scope"): it returns a new Context with the new scope set, but sharing all the data
// with the previous Context. E.g:
//
//	ctx := context.New()
//	ctx.SetParam("learning_rate", 0.1)  // Visible in all scopes.
//	{
//		ctx := ctx.In("dense")
//		w := ctx.VariableWithShape("weights", shapes.Make(shapes.Float32, 3))
//		...
//	}
//
// A Context is not safe for concurrent use. Each worker owns its own Context.
type Context struct {
	// scope for currently created variables and registration.
	scope string

	// reuse of variables, if set to true.
	reuse bool

	// checked access to variables: whether to check for reuse if variable is new or not. If set
	// to false it makes reuse irrelevant.
	checked bool

	// initializer is used to initialize variable values for a given shape.
	initializer VariableInitializer

	data *contextData
}

// scopedVariableMap name to variable within a scope.
type scopedVariableMap map[string]*Variable

// contextData stores all context information and is shared among various Context, which
// serve only as scoped references.
type contextData struct {
	// params holds the hyperparameters, a scoped map of scope+key to any type. These values are
	// interpreted by the various components independently. E.g:
	//
	// * "learning_rate" -> float64: used by the optimizers.
	params *ScopedParams

	// variablesMap for this context organized per scope.
	variablesMap map[string]scopedVariableMap

	// variables is a plain list of all variables, in creation order.
	variables []*Variable

	// loader, if set, is called to check whether there is a previous value of the variable to use.
	loader Loader
}

// Loader can be implemented by any library providing loading of variables for Context.
// Loader implementations need to provide values on demand, as variables are created,
// even if they load everything up-front.
//
// An example of a loader is in the checkpoints package.
type Loader interface {
	// LoadVariable tries to load the variable v, specified by its scope and name.
	// If it's not found, returns false, and initialization continues as usual.
	LoadVariable(ctx *Context, scope, name string) (value *tensors.Tensor, found bool)
}

// ScopeSeparator is used between levels of scope. Scope names cannot use this character.
const ScopeSeparator = "/"

// RootScope is the scope at the top level of the Context.
const RootScope = ScopeSeparator

// New constructs a new and empty context.
func New() *Context {
	return &Context{
		scope:       RootScope,
		initializer: initializers.RandomUniformFn(initializers.NoSeed, -0.1, 0.1),
		checked:     true,
		data: &contextData{
			params:       NewScopedParams(),
			variablesMap: make(map[string]scopedVariableMap),
		},
	}
}

// copy creates a copy of the Context, but sharing the same "data" component.
func (ctx *Context) copy() *Context {
	ctx2 := &Context{}
	*ctx2 = *ctx
	return ctx2
}

// Scope returns the full scope path.
func (ctx *Context) Scope() string {
	return ctx.scope
}

// JoinScope joins a scope path and a name (of a sub-scope or of a variable).
func JoinScope(scope, name string) string {
	if scope == RootScope {
		return RootScope + name
	}
	return scope + ScopeSeparator + name
}

// SplitScopeAndName splits a variable path (as returned by Variable.ScopeAndName) into its scope
// and name.
func SplitScopeAndName(path string) (scope, name string) {
	idx := strings.LastIndex(path, ScopeSeparator)
	if idx <= 0 {
		return RootScope, path[idx+1:]
	}
	return path[:idx], path[idx+1:]
}

// GetVariableByPath returns the variable with the given path (scope and name), or nil if it doesn't exist.
func (ctx *Context) GetVariableByPath(path string) *Variable {
	scope, name := SplitScopeAndName(path)
	return ctx.GetVariableByScopeAndName(scope, name)
}

// In returns a new reference to the Context with the extra given scope. No ScopeSeparator ("/") is
// allowed in scope.
func (ctx *Context) In(scope string) *Context {
	if scope == "" {
		exceptions.Panicf("cannot use empty scope for Context.In()")
	}
	if strings.Contains(scope, ScopeSeparator) {
		exceptions.Panicf("cannot use separator %q in scope element %q", ScopeSeparator, scope)
	}
	return ctx.InAbsPath(JoinScope(ctx.scope, scope))
}

// InAbsPath returns a new reference to the Context with the given absolute scope path. It should start
// and have each element separated by ScopeSeparator.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, ScopeSeparator) {
		exceptions.Panicf("absolute scope path must start with separator %q, instead got %q", ScopeSeparator, scopePath)
	}
	ctx2 := ctx.copy()
	ctx2.scope = scopePath
	return ctx2
}

// Reuse returns a new reference to the Context set to reuse of variables, if it is not already in reuse mode.
// Otherwise, returns itself. If checked is false, this setting is irrelevant.
func (ctx *Context) Reuse() *Context {
	if ctx.reuse {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.reuse = true
	return ctx2
}

// IsReuse returns whether Context is marked for reuse. This is irrelevant if IsChecked is false.
func (ctx *Context) IsReuse() bool { return ctx.reuse }

// Checked returns a new context with the checked flag set accordingly.
// If checked is true, variable creation follows the reuse/uniqueness rules of IsReuse().
// If checked is false Variables are dynamically reused or created when needed, without any checks.
// It is usually set to false for supporting variables (optimizers, the synchronization state).
func (ctx *Context) Checked(checked bool) *Context {
	if ctx.checked == checked {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.checked = checked
	return ctx2
}

// IsChecked returns whether context is checking reuse rules.
func (ctx *Context) IsChecked() bool { return ctx.checked }

// WithInitializer returns a new reference to the Context, with the initializer set.
func (ctx *Context) WithInitializer(initializer VariableInitializer) *Context {
	if initializer == nil {
		exceptions.Panicf("Context.WithInitializer passed a nil initializer")
	}
	ctx2 := ctx.copy()
	ctx2.initializer = initializer
	return ctx2
}

// GetParam returns the value for the given param key, searching successively from
// the current scope back to the root scope ("/"), in case the key is not found.
//
// E.g: if current scope is "/a/b", it will search for the key in "/a/b" scope, then
// in "/a" and finally in "/", and return the first result found.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	return ctx.data.params.Get(ctx.scope, key)
}

// SetParam sets the given param in the current scope. It will be visible (by GetParam)
// within this scope and descendant scopes (but not by other scopes).
func (ctx *Context) SetParam(key string, value any) {
	ctx.data.params.Set(ctx.scope, key, value)
}

// SetParams sets a collection of parameters in the current scope.
func (ctx *Context) SetParams(keyValues map[string]any) {
	for key, value := range keyValues {
		ctx.data.params.Set(ctx.scope, key, value)
	}
}

// EnumerateParams enumerates all parameters for all scopes calls fn with their values.
func (ctx *Context) EnumerateParams(fn func(scope, key string, value any)) {
	ctx.data.params.Enumerate(fn)
}

// LookupParam returns the value of the param key converted to T, searching successively from the
// current scope back to the root scope ("/"). found is false if the key is not set.
//
// See convertParam for the conversions accepted: numeric types convert among themselves, strings
// are parsed (including time.Duration) and whole floats read as integers. A value that can't be
// read as T returns an error naming the key and the scope that defined it.
func LookupParam[T any](ctx *Context, key string) (value T, found bool, err error) {
	valueAny, definedIn, found := ctx.data.params.Lookup(ctx.scope, key)
	if !found || valueAny == nil {
		return value, false, nil
	}
	if v, ok := valueAny.(T); ok {
		return v, true, nil
	}
	converted, err := convertParam(valueAny, reflect.TypeOf(value))
	if err != nil {
		return value, true, errors.WithMessagef(err, "hyperparameter %q (set in scope %q)", key, definedIn)
	}
	klog.V(2).Infof("hyperparameter %q converted from %T to %T", key, valueAny, value)
	return converted.(T), true, nil
}

// GetParamOr either returns the value for the given param key in the context `ctx`,
// searching successively from the current scope back to the root scope ("/"), or if the
// key is not found, returns the given default value.
//
// The value is converted as in LookupParam, and it panics if it can't be.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	value, found, err := LookupParam[T](ctx, key)
	if err != nil {
		exceptions.Panicf("Tried to read hyperparameter %q as %T: %v", key, defaultValue, err)
	}
	if !found {
		return defaultValue
	}
	return value
}

// Loader returns the current configured Loader for this context. See SetLoader for details on how the
// Loader is used.
func (ctx *Context) Loader() Loader {
	return ctx.data.loader
}

// SetLoader configures given loader to be used as the default Loader for this Context.
//
// Loader is used when a variable is created: before the initializer is called, the loader is
// queried for a previously saved value.
func (ctx *Context) SetLoader(loader Loader) {
	ctx.data.loader = loader
}

// findVariableInScope or nil if not found.
func (ctx *Context) findVariableInScope(name string) *Variable {
	scopeVars, ok := ctx.data.variablesMap[ctx.scope]
	if !ok {
		return nil
	}
	return scopeVars[name]
}

// GetVariable returns the variable in the current scope, or nil if it doesn't exist.
func (ctx *Context) GetVariable(name string) *Variable {
	return ctx.findVariableInScope(name)
}

// GetVariableByScopeAndName returns the variable with the given scope and name, or nil if it doesn't exist.
func (ctx *Context) GetVariableByScopeAndName(scope, name string) *Variable {
	scopeVars, ok := ctx.data.variablesMap[scope]
	if !ok {
		return nil
	}
	return scopeVars[name]
}

// InspectVariable returns the variable with the given name for inspection. It returns nil if a
// variable with the given name hasn't been created.
//
// It is not affected by Reuse checks.
func (ctx *Context) InspectVariable(scope, name string) *Variable {
	return ctx.GetVariableByScopeAndName(scope, name)
}

func (ctx *Context) setVariableInScope(name string, v *Variable) {
	vSet, found := ctx.data.variablesMap[ctx.scope]
	if !found {
		vSet = make(scopedVariableMap)
		ctx.data.variablesMap[ctx.scope] = vSet
	}
	vSet[name] = v
	ctx.data.variables = append(ctx.data.variables, v)
}

// checkReuse panics if the reuse rules are violated for the variable name. It returns the existing
// variable if any.
func (ctx *Context) checkReuse(name string) *Variable {
	v := ctx.findVariableInScope(name)
	if !ctx.checked {
		return v
	}
	if v == nil && ctx.reuse {
		exceptions.Panicf("requested variable %q in scope %q with Context.Reuse set, but variable does not exist", name, ctx.scope)
	}
	if v != nil && !ctx.reuse {
		exceptions.Panicf("variable %q for scope %q already exists", name, ctx.scope)
	}
	return v
}

// VariableWithShape creates or returns an existing variable with the given shape in the current scope.
// It is initialized with the current initializer set for the context, unless the Loader has a value
// for it. Non-float variables are initialized with zeros.
//
// If a variable already exists, it checks that its shape matches, and panics otherwise.
// If Context is checked, creating an existing variable without Reuse (or reusing a non-existing
// variable) also panics.
func (ctx *Context) VariableWithShape(name string, shape shapes.Shape) *Variable {
	v := ctx.checkReuse(name)
	if v != nil {
		if !shape.Eq(v.shape) {
			exceptions.Panicf("requested to reuse variable %q in scope %q, but with different shape from original: previous shape=%s, requested shape=%s",
				name, ctx.scope, v.shape, shape)
		}
		return v
	}
	if !shape.Ok() {
		exceptions.Panicf("invalid shape %s for variable %q in scope %q", shape, name, ctx.scope)
	}
	v = &Variable{
		ctx:       ctx,
		name:      name,
		scope:     ctx.scope,
		shape:     shape.Clone(),
		Trainable: true,
	}
	if !ctx.tryToLoad(v) {
		if shape.DType.IsFloat() {
			v.value = ctx.initializer(shape)
		} else {
			v.value = tensors.FromShape(shape)
		}
	}
	ctx.setVariableInScope(name, v)
	return v
}

// tryToLoad tries to load the variable from the loader. It returns true if it succeeded.
func (ctx *Context) tryToLoad(v *Variable) bool {
	if ctx.data.loader == nil {
		return false
	}
	value, found := ctx.data.loader.LoadVariable(ctx, v.scope, v.name)
	if !found {
		return false
	}
	if !value.Shape().Eq(v.shape) {
		exceptions.Panicf("loaded value for variable %q has shape %s, but variable was created with shape %s",
			v.ScopeAndName(), value.Shape(), v.shape)
	}
	v.value = value
	return true
}

// VariableWithValue creates a variable that is initialized with the given value in the current scope.
// The value can be any value accepted by tensors.FromAnyValue.
//
// If the variable already exists (and the reuse rules allow it), the existing variable is returned and
// its value is left untouched: so it can be used as "get or create" by optimizers.
// If the Loader has a value for the variable, the loaded value is used instead of the given one.
func (ctx *Context) VariableWithValue(name string, value any) *Variable {
	t, err := tensors.FromAnyValue(value)
	if err != nil {
		panic(errors.WithMessagef(err, "failed to create variable %q in scope %q", name, ctx.scope))
	}
	v := ctx.checkReuse(name)
	if v != nil {
		if !t.Shape().Eq(v.shape) {
			exceptions.Panicf("requested to reuse variable %q in scope %q, but with value with different shape from original: previous shape=%s, requested value shape=%s",
				name, ctx.scope, v.shape, t.Shape())
		}
		return v
	}
	v = &Variable{
		ctx:       ctx,
		name:      name,
		scope:     ctx.scope,
		shape:     t.Shape(),
		Trainable: true,
	}
	if !ctx.tryToLoad(v) {
		v.value = t
	}
	ctx.setVariableInScope(name, v)
	return v
}

// DeleteVariable removes the variable with the given scope and name. It returns whether the
// variable existed.
func (ctx *Context) DeleteVariable(scope, name string) bool {
	scopeVars, ok := ctx.data.variablesMap[scope]
	if !ok {
		return false
	}
	v, ok := scopeVars[name]
	if !ok {
		return false
	}
	delete(scopeVars, name)
	for ii, v2 := range ctx.data.variables {
		if v2 == v {
			ctx.data.variables = append(ctx.data.variables[:ii], ctx.data.variables[ii+1:]...)
			break
		}
	}
	return true
}

// EnumerateVariables will call fn for each variable in the context, in creation order.
// Notice the order of visitation is deterministic, which matters for anything that has to
// match across workers.
func (ctx *Context) EnumerateVariables(fn func(v *Variable)) {
	for _, v := range ctx.data.variables {
		fn(v)
	}
}

// EnumerateVariablesInScope is similar to EnumerateVariables, but only visits variables in the
// current scope or in sub-scopes of it.
func (ctx *Context) EnumerateVariablesInScope(fn func(v *Variable)) {
	prefix := ctx.scope
	if prefix != RootScope {
		prefix += ScopeSeparator
	}
	for _, v := range ctx.data.variables {
		if v.scope == ctx.scope || strings.HasPrefix(v.scope, prefix) {
			fn(v)
		}
	}
}

// NumVariables return the number of variables in this Context.
func (ctx *Context) NumVariables() int {
	return len(ctx.data.variables)
}

// NumParameters returns the summed-up number of all elements of the trainable variables.
func (ctx *Context) NumParameters() int {
	total := 0
	ctx.EnumerateVariables(func(v *Variable) {
		if v.Trainable {
			total += v.shape.Size()
		}
	})
	return total
}

// Memory returns the total number of bytes used by the serialized values of all variables.
func (ctx *Context) Memory() int64 {
	var total int64
	ctx.EnumerateVariables(func(v *Variable) {
		total += int64(v.shape.Memory())
	})
	return total
}

// String implements fmt.Stringer.
func (ctx *Context) String() string {
	return fmt.Sprintf("Context(scope=%q, %d variables)", ctx.scope, ctx.NumVariables())
}
