package calc

import (
	"fmt"
	"math"
	"reflect"
)

var (
	vmType     = reflect.TypeOf((*VM)(nil))
	objectType = reflect.TypeOf((*Object)(nil)).Elem()
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
)

// CreateNativeFunction wraps a Go function so calc code can call it.
// Parameters may be *VM (first only), Object, string, int, int64, float64 or bool,
// and the last may be variadic. Results are one value optionally followed
// by an error.
func CreateNativeFunction(name string, fn any, doc string) (*NativeFuncObj, error) {
	fnValue := reflect.ValueOf(fn)
	fnType := fnValue.Type()
	if fnType.Kind() != reflect.Func {
		return nil, fmt.Errorf("not a function: %v", fn)
	}

	wantsVM := fnType.NumIn() > 0 && fnType.In(0) == vmType
	argOffset := 0
	if wantsVM {
		argOffset = 1
	}

	numParams := fnType.NumIn() - argOffset
	converters := make([]func(Object) (reflect.Value, error), numParams)
	for i := 0; i < numParams; i++ {
		t := fnType.In(i + argOffset)
		if fnType.IsVariadic() && i == numParams-1 {
			t = t.Elem()
		}
		conv, err := createTypeConverter(t)
		if err != nil {
			return nil, fmt.Errorf("native function %s: parameter %d: %w", name, i+1, err)
		}
		converters[i] = conv
	}

	switch {
	case fnType.NumOut() > 2,
		fnType.NumOut() == 2 && !fnType.Out(1).Implements(errorType):
		return nil, fmt.Errorf("native function %s: results must be (value) or (value, error)", name)
	}

	arity := numParams
	if fnType.IsVariadic() {
		arity = -1
	}

	call := func(vm *VM, args []Object) (Object, error) {
		regular := numParams
		if fnType.IsVariadic() {
			regular--
			if len(args) < regular {
				return nil, fmt.Errorf("Function '%s' expected at least %d arguments, but got %d", name, regular, len(args))
			}
		} else if len(args) != numParams {
			return nil, fmt.Errorf("Function '%s' expected %d arguments, but got %d", name, numParams, len(args))
		}

		in := make([]reflect.Value, 0, len(args)+1)
		if wantsVM {
			in = append(in, reflect.ValueOf(vm))
		}
		for i, arg := range args {
			conv := converters[min(i, numParams-1)]
			v, err := conv(arg)
			if err != nil {
				return nil, fmt.Errorf("%s: argument %d: %v", name, i+1, err)
			}
			in = append(in, v)
		}

		out := fnValue.Call(in)
		if len(out) == 2 && !out[1].IsNil() {
			return nil, out[1].Interface().(error)
		}
		if len(out) == 0 {
			return NullObj{}, nil
		}
		return convertGoValue(out[0])
	}

	return &NativeFuncObj{Name: name, Arity: arity, Doc: doc, Fn: call}, nil
}

func createTypeConverter(t reflect.Type) (func(Object) (reflect.Value, error), error) {
	if t == objectType {
		return func(obj Object) (reflect.Value, error) {
			return reflect.ValueOf(&obj).Elem(), nil
		}, nil
	}

	switch t.Kind() {
	case reflect.String:
		return func(obj Object) (reflect.Value, error) {
			if s, ok := obj.(StringObj); ok {
				return reflect.ValueOf(s.Value), nil
			}
			return reflect.Value{}, fmt.Errorf("expected string, got %s", obj.Type())
		}, nil
	case reflect.Int, reflect.Int64:
		return func(obj Object) (reflect.Value, error) {
			switch n := obj.(type) {
			case NumberObj:
				return reflect.ValueOf(n.Value).Convert(t), nil
			case FloatObj:
				if n.Value == math.Trunc(n.Value) && math.Abs(n.Value) < 1<<63 {
					return reflect.ValueOf(int64(n.Value)).Convert(t), nil
				}
				return reflect.Value{}, fmt.Errorf("expected integer, got %s", n)
			}
			return reflect.Value{}, fmt.Errorf("expected number, got %s", obj.Type())
		}, nil
	case reflect.Float64:
		return func(obj Object) (reflect.Value, error) {
			if f, ok := toFloat(obj); ok {
				return reflect.ValueOf(f), nil
			}
			return reflect.Value{}, fmt.Errorf("expected number, got %s", obj.Type())
		}, nil
	case reflect.Bool:
		return func(obj Object) (reflect.Value, error) {
			return reflect.ValueOf(obj.IsTruthy()), nil
		}, nil
	}
	return nil, fmt.Errorf("unsupported parameter type %s", t)
}

func convertGoValue(v reflect.Value) (Object, error) {
	if v.Type().Implements(objectType) {
		if v.Kind() == reflect.Interface && v.IsNil() {
			return NullObj{}, nil
		}
		return v.Interface().(Object), nil
	}
	switch v.Kind() {
	case reflect.String:
		return StringObj{Value: v.String()}, nil
	case reflect.Int, reflect.Int64, reflect.Int32:
		return NumberObj{Value: v.Int()}, nil
	case reflect.Float64, reflect.Float32:
		return FloatObj{Value: v.Float()}, nil
	case reflect.Bool:
		return BooleanObj{Value: v.Bool()}, nil
	}
	return nil, fmt.Errorf("cannot convert Go value of type %s", v.Type())
}
