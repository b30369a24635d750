// Copyright (C) 2025 Venkatesh Narayan
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox evaluates restricted arithmetic expressions against named
// inputs.
//
// The expression language is deliberately tiny: numeric literals, input
// identifiers, parentheses, unary +/-, the binary operators + - * / %, and
// a short allow-list of functions (abs, min, max, pow, round, sum). Any
// other construct is an unsafe-construct error. Evaluation is deterministic,
// so a failed calculation is never retried with the same inputs.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"
)

var (
	// ErrUnsafeConstruct is returned when the expression uses anything
	// outside the allowed arithmetic subset.
	ErrUnsafeConstruct = errors.New("unsafe construct in expression")

	// ErrDivisionByZero is returned for x/0 and x%0.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrUnknownInput is returned for identifiers with no bound input value.
	ErrUnknownInput = errors.New("unknown input")

	// ErrBadArity is returned when an allowed function is called with the
	// wrong number of arguments.
	ErrBadArity = errors.New("wrong number of arguments")
)

// Error is a sandbox failure with the offending expression and inputs
// attached, so failures stay visible downstream.
type Error struct {
	Expression string
	Inputs     map[string]float64
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("evaluating %q: %v", e.Expression, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Sandbox evaluates expressions. The zero value is ready to use.
type Sandbox struct{}

// New returns a sandbox.
func New() *Sandbox { return &Sandbox{} }

// Execute parses and evaluates expression with the given inputs.
//
// Inputs:
//
//	ctx - Unused today; kept so callers treat execution as a suspension
//	      point like any other collaborator call.
//	expression - Arithmetic over input names, e.g. "a / b" or
//	             "round(sum(a, b) * 1.08)".
//	inputs - Values bound to identifiers.
//
// Outputs:
//
//	float64 - The scalar result.
//	error - *Error wrapping ErrUnsafeConstruct, ErrDivisionByZero,
//	        ErrUnknownInput, or ErrBadArity.
func (s *Sandbox) Execute(ctx context.Context, expression string, inputs map[string]float64) (float64, error) {
	_ = ctx

	fail := func(err error) (float64, error) {
		return 0, &Error{Expression: expression, Inputs: inputs, Err: err}
	}

	expr, err := parser.ParseExpr(expression)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrUnsafeConstruct, err))
	}

	v, err := eval(expr, inputs)
	if err != nil {
		return fail(err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fail(fmt.Errorf("%w: non-finite result", ErrUnsafeConstruct))
	}
	return v, nil
}

// allowedFuncs maps the function allow-list to implementations. Variadic
// entries use arity -1.
var allowedFuncs = map[string]struct {
	arity int
	fn    func(args []float64) float64
}{
	"abs":   {1, func(a []float64) float64 { return math.Abs(a[0]) }},
	"min":   {-1, sliceMin},
	"max":   {-1, sliceMax},
	"pow":   {2, func(a []float64) float64 { return math.Pow(a[0], a[1]) }},
	"round": {1, func(a []float64) float64 { return math.Round(a[0]) }},
	"sum":   {-1, sliceSum},
}

func eval(expr ast.Expr, inputs map[string]float64) (float64, error) {
	switch e := expr.(type) {
	case *ast.BasicLit:
		if e.Kind != token.INT && e.Kind != token.FLOAT {
			return 0, fmt.Errorf("%w: literal %s", ErrUnsafeConstruct, e.Value)
		}
		v, err := strconv.ParseFloat(e.Value, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: literal %s", ErrUnsafeConstruct, e.Value)
		}
		return v, nil

	case *ast.Ident:
		v, ok := inputs[e.Name]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownInput, e.Name)
		}
		return v, nil

	case *ast.ParenExpr:
		return eval(e.X, inputs)

	case *ast.UnaryExpr:
		v, err := eval(e.X, inputs)
		if err != nil {
			return 0, err
		}
		switch e.Op {
		case token.SUB:
			return -v, nil
		case token.ADD:
			return v, nil
		default:
			return 0, fmt.Errorf("%w: unary %s", ErrUnsafeConstruct, e.Op)
		}

	case *ast.BinaryExpr:
		left, err := eval(e.X, inputs)
		if err != nil {
			return 0, err
		}
		right, err := eval(e.Y, inputs)
		if err != nil {
			return 0, err
		}
		switch e.Op {
		case token.ADD:
			return left + right, nil
		case token.SUB:
			return left - right, nil
		case token.MUL:
			return left * right, nil
		case token.QUO:
			if right == 0 {
				return 0, ErrDivisionByZero
			}
			return left / right, nil
		case token.REM:
			if right == 0 {
				return 0, ErrDivisionByZero
			}
			return math.Mod(left, right), nil
		default:
			return 0, fmt.Errorf("%w: operator %s", ErrUnsafeConstruct, e.Op)
		}

	case *ast.CallExpr:
		ident, ok := e.Fun.(*ast.Ident)
		if !ok {
			return 0, fmt.Errorf("%w: non-identifier call", ErrUnsafeConstruct)
		}
		def, ok := allowedFuncs[ident.Name]
		if !ok {
			return 0, fmt.Errorf("%w: function %q", ErrUnsafeConstruct, ident.Name)
		}
		if def.arity >= 0 && len(e.Args) != def.arity {
			return 0, fmt.Errorf("%w: %s takes %d", ErrBadArity, ident.Name, def.arity)
		}
		if def.arity < 0 && len(e.Args) == 0 {
			return 0, fmt.Errorf("%w: %s needs at least one", ErrBadArity, ident.Name)
		}
		args := make([]float64, 0, len(e.Args))
		for _, arg := range e.Args {
			v, err := eval(arg, inputs)
			if err != nil {
				return 0, err
			}
			args = append(args, v)
		}
		return def.fn(args), nil

	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsafeConstruct, expr)
	}
}

func sliceMin(args []float64) float64 {
	m := args[0]
	for _, v := range args[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func sliceMax(args []float64) float64 {
	m := args[0]
	for _, v := range args[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func sliceSum(args []float64) float64 {
	var s float64
	for _, v := range args {
		s += v
	}
	return s
}
