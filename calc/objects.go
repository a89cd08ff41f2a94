package calc

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Object interface {
	String() string
	Type() string
	IsTruthy() bool
}

type Comparable interface {
	Compare(other Object) (int, error)
}

// Core Types

type NumberObj struct {
	Value int64
}

func (n NumberObj) String() string { return strconv.FormatInt(n.Value, 10) }
func (n NumberObj) Type() string   { return "number" }
func (n NumberObj) IsTruthy() bool { return n.Value != 0 }
func (n NumberObj) Compare(other Object) (int, error) {
	if o, ok := other.(NumberObj); ok {
		return cmp.Compare(n.Value, o.Value), nil
	}
	return compareNumbers(n, other)
}

// FloatObj is the result of true division and of arithmetic that mixes a
// float with an integer. Its type name is the same as NumberObj's.
type FloatObj struct {
	Value float64
}

func (f FloatObj) String() string { return formatFloat(f.Value) }
func (f FloatObj) Type() string   { return "number" }
func (f FloatObj) IsTruthy() bool { return f.Value != 0 }
func (f FloatObj) Compare(other Object) (int, error) {
	return compareNumbers(f, other)
}

// formatFloat always shows a fractional part or an exponent so that 3.0
// reads differently from 3.
func formatFloat(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	if a := math.Abs(v); a != 0 && (a < 1e-4 || a >= 1e16) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// toFloat widens either numeric object to float64.
func toFloat(obj Object) (float64, bool) {
	switch n := obj.(type) {
	case NumberObj:
		return float64(n.Value), true
	case FloatObj:
		return n.Value, true
	}
	return 0, false
}

func compareNumbers(a, b Object) (int, error) {
	x, _ := toFloat(a)
	y, ok := toFloat(b)
	if !ok {
		return 0, fmt.Errorf("cannot compare number with %s", b.Type())
	}
	return cmp.Compare(x, y), nil
}

type StringObj struct {
	Value string
}

func (s StringObj) String() string { return s.Value }
func (s StringObj) Type() string   { return "string" }
func (s StringObj) IsTruthy() bool { return s.Value != "" }
func (s StringObj) Compare(other Object) (int, error) {
	o, ok := other.(StringObj)
	if !ok {
		return 0, fmt.Errorf("cannot compare string with %s", other.Type())
	}
	return strings.Compare(s.Value, o.Value), nil
}

type BooleanObj struct {
	Value bool
}

func (b BooleanObj) String() string { return strconv.FormatBool(b.Value) }
func (b BooleanObj) Type() string   { return "bool" }
func (b BooleanObj) IsTruthy() bool { return b.Value }

type NullObj struct{}

func (n NullObj) String() string { return "null" }
func (n NullObj) Type() string   { return "null" }
func (n NullObj) IsTruthy() bool { return false }

// CellObj is the shared storage behind a cell or free variable.
type CellObj struct {
	Value Object
}

func (c *CellObj) String() string { return fmt.Sprintf("<cell %v>", c.Value) }
func (c *CellObj) Type() string   { return "cell" }
func (c *CellObj) IsTruthy() bool { return true }

// TupleObj only appears on the stack as a closure environment.
type TupleObj struct {
	Elements []Object
}

func (t *TupleObj) String() string {
	parts := make([]string, len(t.Elements))
	for i, e := range t.Elements {
		parts[i] = e.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
func (t *TupleObj) Type() string   { return "tuple" }
func (t *TupleObj) IsTruthy() bool { return len(t.Elements) > 0 }

type NativeFuncObj struct {
	Name  string
	Arity int // -1 for variadic
	Doc   string
	Fn    func(vm *VM, args []Object) (Object, error)
}

func (f *NativeFuncObj) String() string { return fmt.Sprintf("<native fn %s>", f.Name) }
func (f *NativeFuncObj) Type() string   { return "native_function" }
func (f *NativeFuncObj) IsTruthy() bool { return true }

// ClosureObj is a function value: a code object plus the cells it closed
// over, in the order of Code.FreeVars.
type ClosureObj struct {
	Code *Code
	Env  []*CellObj
}

func (c *ClosureObj) String() string { return fmt.Sprintf("<fn %s at %p>", c.Code.Name, c) }
func (c *ClosureObj) Type() string   { return "function" }
func (c *ClosureObj) IsTruthy() bool { return true }

func (c *Code) String() string { return fmt.Sprintf("<code %s>", c.Name) }
func (c *Code) Type() string   { return "code" }
func (c *Code) IsTruthy() bool { return true }

// valuesEqual compares by value for scalars and by identity otherwise.
// Integers and floats with the same numeric value are equal.
func valuesEqual(a, b Object) bool {
	_, af := a.(FloatObj)
	_, bf := b.(FloatObj)
	if af || bf {
		x, xok := toFloat(a)
		y, yok := toFloat(b)
		return xok && yok && x == y
	}
	return a == b
}
