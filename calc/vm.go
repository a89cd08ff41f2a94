package calc

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/tliron/commonlog"
)

type CallFrame struct {
	Code   *Code
	ip     int
	base   int
	locals []Object
	cells  []*CellObj
}

const InitialStackCapacity = 256

// DefaultMaxDepth bounds nested calls before the VM reports a runtime error.
const DefaultMaxDepth = 1000

// Loader resolves the module named by a `run` statement.
type Loader interface {
	Load(name string) (*Code, error)
}

type LoaderFunc func(name string) (*Code, error)

func (f LoaderFunc) Load(name string) (*Code, error) {
	return f(name)
}

type VM struct {
	mu       sync.Mutex
	stack    []Object
	sp       int // Stack pointer
	globals  map[string]Object
	frames   []*CallFrame
	running  map[string]bool
	Stdout   io.Writer
	Loader   Loader
	MaxDepth int

	log commonlog.Logger
}

func NewVM() *VM {
	return &VM{
		stack:    make([]Object, InitialStackCapacity),
		globals:  make(map[string]Object),
		frames:   make([]*CallFrame, 0),
		running:  make(map[string]bool),
		Stdout:   os.Stdout,
		MaxDepth: DefaultMaxDepth,
		log:      commonlog.GetLogger("calc.vm"),
	}
}

func (vm *VM) AddGlobal(name string, value Object) {
	vm.globals[name] = value
}

func (vm *VM) Global(name string) (Object, bool) {
	v, ok := vm.globals[name]
	return v, ok
}

// Run executes a module code object against the VM's globals.
func (vm *VM) Run(code *Code) (Object, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	depth, sp := len(vm.frames), vm.sp
	result, err := vm.execute(code)
	if err != nil {
		vm.unwind(depth, sp)
		return nil, err
	}
	return result, nil
}

// unwind drops frames and stack entries left behind by a failed run.
func (vm *VM) unwind(depth, sp int) {
	vm.frames = vm.frames[:depth]
	clear(vm.stack[sp:vm.sp])
	vm.sp = sp
}

func (vm *VM) execute(code *Code) (Object, error) {
	frame := &CallFrame{
		Code:   code,
		base:   vm.sp,
		locals: make([]Object, code.SlotCount),
		cells:  newCells(code, nil),
	}
	vm.frames = append(vm.frames, frame)
	return vm.run(len(vm.frames))
}

// newCells creates the frame's own cells followed by the closure's cells.
// A cell for a parameter starts out holding the argument.
func newCells(code *Code, env []*CellObj) []*CellObj {
	cells := make([]*CellObj, 0, len(code.CellVars)+len(env))
	for range code.CellVars {
		cells = append(cells, &CellObj{})
	}
	return append(cells, env...)
}

// CallFunction calls a calc function value from Go.
func (vm *VM) CallFunction(callable Object, args []Object) (Object, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	stackBottom := vm.sp
	vm.push(callable)
	for _, arg := range args {
		vm.push(arg)
	}

	depth := len(vm.frames)
	pushedFrame, err := vm.handleCall(len(args), Loc{})
	if err != nil {
		vm.unwind(depth, stackBottom)
		return nil, err
	}
	if !pushedFrame {
		result := vm.pop()
		vm.unwind(depth, stackBottom)
		return result, nil
	}
	result, err := vm.run(len(vm.frames))
	if err != nil {
		vm.unwind(depth, stackBottom)
		return nil, err
	}
	return result, nil
}

func (vm *VM) push(value Object) {
	if vm.sp >= len(vm.stack) {
		vm.stack = append(vm.stack, value)
	} else {
		vm.stack[vm.sp] = value
	}
	vm.sp++
}

func (vm *VM) pop() Object {
	vm.sp--
	v := vm.stack[vm.sp]
	vm.stack[vm.sp] = nil
	return v
}

// handleCall invokes the callee sitting under numArgs arguments. It reports
// whether a new frame was pushed; native results are pushed directly.
func (vm *VM) handleCall(numArgs int, loc Loc) (bool, error) {
	calleeIdx := vm.sp - 1 - numArgs
	callee := vm.stack[calleeIdx]
	args := vm.stack[calleeIdx+1 : vm.sp]

	switch c := callee.(type) {
	case *ClosureObj:
		if numArgs != c.Code.ArgCount {
			return false, vm.runtimeError(loc, "Function '%s' expected %d arguments, but got %d", c.Code.Name, c.Code.ArgCount, numArgs)
		}
		if len(vm.frames) >= vm.MaxDepth {
			return false, vm.runtimeError(loc, "Maximum call depth %d exceeded", vm.MaxDepth)
		}
		frame := &CallFrame{
			Code:   c.Code,
			base:   calleeIdx,
			locals: make([]Object, c.Code.SlotCount),
			cells:  newCells(c.Code, c.Env),
		}
		copy(frame.locals, args)
		for i, name := range c.Code.CellVars {
			for p := 0; p < c.Code.ArgCount; p++ {
				if c.Code.VarNames[p] == name {
					frame.cells[i].Value = args[p]
				}
			}
		}
		vm.frames = append(vm.frames, frame)
		return true, nil

	case *NativeFuncObj:
		if c.Arity >= 0 && numArgs != c.Arity {
			return false, vm.runtimeError(loc, "Function '%s' expected %d arguments, but got %d", c.Name, c.Arity, numArgs)
		}
		argsCopy := make([]Object, numArgs)
		copy(argsCopy, args)
		result, err := c.Fn(vm, argsCopy)
		if err != nil {
			if calcErr, ok := err.(*CalcError); ok {
				return false, calcErr
			}
			return false, vm.runtimeError(loc, "%s", err.Error())
		}
		vm.sp = calleeIdx
		vm.push(result)
		return false, nil
	}
	return false, vm.runtimeError(loc, "Cannot call non-function type '%s'", callee.Type())
}

func (vm *VM) frameLoc(frame *CallFrame, offset int) Loc {
	return Loc{FileName: frame.Code.FileName, Line: frame.Code.LineForOffset(offset)}
}

// run executes until the frame at depth targetDepth returns.
func (vm *VM) run(targetDepth int) (Object, error) {
	for {
		frame := vm.frames[len(vm.frames)-1]
		code := frame.Code
		if frame.ip >= len(code.Bytecode) {
			return nil, vm.runtimeError(vm.frameLoc(frame, frame.ip), "Execution ran past the end of %s", code.Name)
		}

		ins, err := decodeAt(code.Bytecode, frame.ip)
		if err != nil {
			return nil, vm.runtimeError(vm.frameLoc(frame, frame.ip), "%s", err.Error())
		}
		frame.ip = ins.Next()
		loc := func() Loc { return vm.frameLoc(frame, ins.Offset) }

		switch ins.Op {
		case OpPop:
			vm.pop()

		case OpLoadConst:
			vm.push(code.Constants[ins.Arg])

		case OpLoadNull:
			vm.push(NullObj{})

		case OpLoadGlobal:
			name := code.Names[ins.Arg]
			value, ok := vm.globals[name]
			if !ok {
				return nil, vm.runtimeError(loc(), "Undefined variable '%s'", name)
			}
			vm.push(value)

		case OpStoreGlobal:
			vm.globals[code.Names[ins.Arg]] = vm.pop()

		case OpLoadFast:
			value := frame.locals[ins.Arg]
			if value == nil {
				return nil, vm.runtimeError(loc(), "Local variable '%s' referenced before assignment", code.VarNames[ins.Arg])
			}
			vm.push(value)

		case OpStoreFast:
			frame.locals[ins.Arg] = vm.pop()

		case OpLoadDeref:
			value := frame.cells[ins.Arg].Value
			if value == nil {
				name, _ := code.DerefName(ins.Arg)
				return nil, vm.runtimeError(loc(), "Variable '%s' referenced before assignment", name)
			}
			vm.push(value)

		case OpStoreDeref:
			frame.cells[ins.Arg].Value = vm.pop()

		case OpLoadClosure:
			vm.push(frame.cells[ins.Arg])

		case OpBuildTuple:
			elems := make([]Object, ins.Arg)
			copy(elems, vm.stack[vm.sp-ins.Arg:vm.sp])
			for i := 0; i < ins.Arg; i++ {
				vm.pop()
			}
			vm.push(&TupleObj{Elements: elems})

		case OpMakeClosure:
			fnCode, ok := vm.pop().(*Code)
			if !ok {
				return nil, vm.runtimeError(loc(), "MAKE_CLOSURE expects a code object")
			}
			closure := &ClosureObj{Code: fnCode}
			if ins.Arg != 0 {
				env, ok := vm.pop().(*TupleObj)
				if !ok {
					return nil, vm.runtimeError(loc(), "MAKE_CLOSURE expects a closure environment")
				}
				for _, e := range env.Elements {
					cell, ok := e.(*CellObj)
					if !ok {
						return nil, vm.runtimeError(loc(), "MAKE_CLOSURE expects cells, got %s", e.Type())
					}
					closure.Env = append(closure.Env, cell)
				}
			}
			vm.push(closure)

		case OpAdd, OpSubtract, OpMultiply, OpDivide, OpModulo:
			right := vm.pop()
			left := vm.pop()
			result, err := vm.doBinaryOp(ins.Op, left, right, loc())
			if err != nil {
				return nil, err
			}
			vm.push(result)

		case OpCompareGreater, OpCompareLess, OpCompareEqual:
			right := vm.pop()
			left := vm.pop()
			result, err := vm.doCompare(ins.Op, left, right, loc())
			if err != nil {
				return nil, err
			}
			vm.push(result)

		case OpNegate, OpPositive:
			switch n := vm.pop().(type) {
			case NumberObj:
				if ins.Op == OpNegate {
					n.Value = -n.Value
				}
				vm.push(n)
			case FloatObj:
				if ins.Op == OpNegate {
					n.Value = -n.Value
				}
				vm.push(n)
			default:
				return nil, vm.runtimeError(loc(), "bad operand type for unary %s", ins.Op)
			}

		case OpCall:
			if _, err := vm.handleCall(ins.Arg, loc()); err != nil {
				return nil, err
			}

		case OpReturn:
			result := vm.pop()
			clear(vm.stack[frame.base:vm.sp])
			vm.sp = frame.base
			vm.frames = vm.frames[:len(vm.frames)-1]
			if len(vm.frames) < targetDepth {
				return result, nil
			}
			vm.push(result)

		case OpJump:
			frame.ip = ins.Arg

		case OpJumpIfFalse:
			if !vm.pop().IsTruthy() {
				frame.ip = ins.Arg
			}

		case OpRun:
			if err := vm.runModule(code.Names[ins.Arg], loc()); err != nil {
				return nil, err
			}

		default:
			return nil, vm.runtimeError(loc(), "Unknown opcode %s", ins.Op)
		}
	}
}

func (vm *VM) runModule(name string, loc Loc) error {
	if vm.Loader == nil {
		return vm.runtimeError(loc, "Cannot run module '%s': no module loader configured", name)
	}
	if vm.running[name] {
		return vm.runtimeError(loc, "Module '%s' is already running", name)
	}
	code, err := vm.Loader.Load(name)
	if err != nil {
		if calcErr, ok := err.(Error); ok {
			return calcErr
		}
		return vm.runtimeError(loc, "Cannot run module '%s': %v", name, err)
	}

	vm.log.Infof("running module %s", name)
	vm.running[name] = true
	defer delete(vm.running, name)
	_, err = vm.execute(code)
	return err
}

func (vm *VM) doBinaryOp(op OpCode, left, right Object, loc Loc) (Object, error) {
	switch l := left.(type) {
	case NumberObj:
		if r, ok := right.(NumberObj); ok {
			return vm.intBinaryOp(op, l.Value, r.Value, loc)
		}
		if r, ok := right.(FloatObj); ok {
			return vm.floatBinaryOp(op, float64(l.Value), r.Value, loc)
		}

	case FloatObj:
		if r, ok := toFloat(right); ok {
			return vm.floatBinaryOp(op, l.Value, r, loc)
		}

	case StringObj:
		if r, ok := right.(StringObj); ok && op == OpAdd {
			return StringObj{Value: l.Value + r.Value}, nil
		}
	}
	return nil, vm.runtimeError(loc, "unsupported operand type(s) for %s: '%s' and '%s'", op, left.Type(), right.Type())
}

// intBinaryOp keeps integers exact except for division, which is always
// true division. Modulo takes the sign of the divisor.
func (vm *VM) intBinaryOp(op OpCode, l, r int64, loc Loc) (Object, error) {
	switch op {
	case OpAdd:
		return NumberObj{Value: l + r}, nil
	case OpSubtract:
		return NumberObj{Value: l - r}, nil
	case OpMultiply:
		return NumberObj{Value: l * r}, nil
	case OpDivide:
		if r == 0 {
			return nil, vm.runtimeError(loc, "Division by zero")
		}
		return FloatObj{Value: float64(l) / float64(r)}, nil
	case OpModulo:
		if r == 0 {
			return nil, vm.runtimeError(loc, "Modulo by zero")
		}
		m := l % r
		if m != 0 && (m < 0) != (r < 0) {
			m += r
		}
		return NumberObj{Value: m}, nil
	}
	return nil, vm.runtimeError(loc, "unsupported operand type(s) for %s: 'number' and 'number'", op)
}

func (vm *VM) floatBinaryOp(op OpCode, l, r float64, loc Loc) (Object, error) {
	switch op {
	case OpAdd:
		return FloatObj{Value: l + r}, nil
	case OpSubtract:
		return FloatObj{Value: l - r}, nil
	case OpMultiply:
		return FloatObj{Value: l * r}, nil
	case OpDivide:
		if r == 0 {
			return nil, vm.runtimeError(loc, "Division by zero")
		}
		return FloatObj{Value: l / r}, nil
	case OpModulo:
		if r == 0 {
			return nil, vm.runtimeError(loc, "Modulo by zero")
		}
		m := math.Mod(l, r)
		if m != 0 && (m < 0) != (r < 0) {
			m += r
		}
		return FloatObj{Value: m}, nil
	}
	return nil, vm.runtimeError(loc, "unsupported operand type(s) for %s: 'number' and 'number'", op)
}

func (vm *VM) doCompare(op OpCode, left, right Object, loc Loc) (Object, error) {
	if op == OpCompareEqual {
		return BooleanObj{Value: valuesEqual(left, right)}, nil
	}
	l, ok := left.(Comparable)
	if !ok {
		return nil, vm.runtimeError(loc, "'%s' not supported for '%s'", op, left.Type())
	}
	cmp, err := l.Compare(right)
	if err != nil {
		return nil, vm.runtimeError(loc, "%s", err.Error())
	}
	if op == OpCompareGreater {
		return BooleanObj{Value: cmp > 0}, nil
	}
	return BooleanObj{Value: cmp < 0}, nil
}

func (vm *VM) runtimeError(loc Loc, format string, args ...any) *CalcError {
	return NewRuntimeError(fmt.Sprintf(format, args...), loc)
}
