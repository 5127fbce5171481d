package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/petal-labs/petalgp/core"
)

// ErrNotNumeric is raised (as a panic value) by arithmetic builtins when a
// forced argument is not a number.
var ErrNotNumeric = errors.New("argument is not numeric")

// BuiltinTerminals returns the constant terminals const1, const2 and const3.
func BuiltinTerminals() []core.Operator {
	return []core.Operator{
		core.Constant("const1", 1.0),
		core.Constant("const2", 2.0),
		core.Constant("const3", 3.0),
	}
}

// BuiltinFunctions returns the arithmetic and conditional function set.
func BuiltinFunctions() []core.Operator {
	return []core.Operator{
		binary("+", "sum of a and b", func(a, b float64) float64 { return a + b }),
		binary("-", "a minus b", func(a, b float64) float64 { return a - b }),
		binary("*", "product of a and b", func(a, b float64) float64 { return a * b }),
		CheckedDivide("/"),
		Conditional("if", 0),
		Identity("id"),
	}
}

// ExtraFunctions returns builtins that are not part of Default but can be
// enabled from a catalog file.
func ExtraFunctions() []core.Operator {
	return []core.Operator{
		unary("square", "a squared", func(a float64) float64 { return a * a }),
		unary("neg", "negation of a", func(a float64) float64 { return -a }),
		binary("max", "larger of a and b", math.Max),
		binary("min", "smaller of a and b", math.Min),
	}
}

// Builtin looks up a built-in function by name across BuiltinFunctions and
// ExtraFunctions.
func Builtin(name string) (core.Operator, bool) {
	for _, op := range BuiltinFunctions() {
		if op.Name == name {
			return op, true
		}
	}
	for _, op := range ExtraFunctions() {
		if op.Name == name {
			return op, true
		}
	}
	return core.Operator{}, false
}

// CheckedDivide returns a division operator whose result is 0 whenever the
// divisor is not strictly positive, zero and negative divisors alike.
// The divisor is forced before the dividend.
func CheckedDivide(name string) core.Operator {
	op := core.Function(name, 2, func(args ...core.Deferred) core.Value {
		b := Num(name, args[1])
		a := Num(name, args[0])
		if b > 0 {
			return a / b
		}
		return 0.0
	})
	op.Description = "a divided by b, or 0 when b <= 0"
	return op
}

// Conditional returns a three-argument operator (i, a, b) that forces i once
// and then forces a when i differs from threshold, b otherwise. The branch
// not taken is never forced.
func Conditional(name string, threshold float64) core.Operator {
	op := core.Function(name, 3, func(args ...core.Deferred) core.Value {
		if Num(name, args[0]) != threshold {
			return args[1]()
		}
		return args[2]()
	})
	op.Description = fmt.Sprintf("b when cond equals %v, a otherwise", threshold)
	return op
}

// Identity returns a one-argument operator that forces and returns its
// argument.
func Identity(name string) core.Operator {
	op := core.Function(name, 1, func(args ...core.Deferred) core.Value {
		return args[0]()
	})
	op.Description = "a"
	return op
}

// Trace returns a one-argument pass-through operator that logs the forced
// value of its argument at debug level. A nil logger uses slog.Default().
func Trace(name string, logger *slog.Logger) core.Operator {
	if logger == nil {
		logger = slog.Default()
	}
	op := core.Function(name, 1, func(args ...core.Deferred) core.Value {
		v := args[0]()
		logger.Debug("trace", "operator", name, "value", v)
		return v
	})
	op.Description = "a, logged when forced"
	return op
}

// Num forces d and converts the result to float64, panicking with
// ErrNotNumeric when it is not a number.
func Num(op string, d core.Deferred) float64 {
	v := d()
	f, ok := core.AsFloat(v)
	if !ok {
		panic(fmt.Errorf("operator %q: %w: %T", op, ErrNotNumeric, v))
	}
	return f
}

func unary(name, desc string, fn func(a float64) float64) core.Operator {
	op := core.Function(name, 1, func(args ...core.Deferred) core.Value {
		return fn(Num(name, args[0]))
	})
	op.Description = desc
	return op
}

func binary(name, desc string, fn func(a, b float64) float64) core.Operator {
	op := core.Function(name, 2, func(args ...core.Deferred) core.Value {
		a := Num(name, args[0])
		b := Num(name, args[1])
		return fn(a, b)
	})
	op.Description = desc
	return op
}
