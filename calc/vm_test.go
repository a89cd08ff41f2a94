package calc

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func newTestVM(t *testing.T) (*VM, *bytes.Buffer) {
	t.Helper()
	vm := NewVM()
	if err := vm.LoadBuiltins(); err != nil {
		t.Fatalf("load builtins: %v", err)
	}
	out := &bytes.Buffer{}
	vm.Stdout = out
	return vm, out
}

func runSource(t *testing.T, vm *VM, source string, opts AnalyzerOptions) {
	t.Helper()
	if _, err := RunScript(vm, "test.calc", source, opts); err != nil {
		t.Fatalf("run failed: %v", err)
	}
}

func assertGlobal(t *testing.T, vm *VM, name string, want Object) {
	t.Helper()
	got, ok := vm.Global(name)
	if !ok {
		t.Fatalf("global %q not set", name)
	}
	if got != want {
		t.Errorf("%s = %v (%s), want %v", name, got, got.Type(), want)
	}
}

func TestRunArithmetic(t *testing.T) {
	tests := []struct {
		source string
		want   Object
	}{
		{"r = 1 + 2 * 3;", NumberObj{Value: 7}},
		{"r = (1 + 2) * 3;", NumberObj{Value: 9}},
		{"r = 7 / 2;", FloatObj{Value: 3.5}},
		{"r = -7 / 2;", FloatObj{Value: -3.5}},
		{"r = 6 / 3;", FloatObj{Value: 2}},
		{"r = 7 / 2 * 2;", FloatObj{Value: 7}},
		{"r = 7 / 2 + 1;", FloatObj{Value: 4.5}},
		{"r = 7 % 3;", NumberObj{Value: 1}},
		{"r = -7 % 2;", NumberObj{Value: 1}},
		{"r = 7 % -2;", NumberObj{Value: -1}},
		{"r = 7 / 2 % 2;", FloatObj{Value: 1.5}},
		{"r = -(7 / 2) % 2;", FloatObj{Value: 0.5}},
		{"r = -(2 - 5);", NumberObj{Value: 3}},
		{"r = -(1 / 4);", FloatObj{Value: -0.25}},
		{"r = +4;", NumberObj{Value: 4}},
	}
	for _, tt := range tests {
		vm, _ := newTestVM(t)
		runSource(t, vm, tt.source, AnalyzerOptions{})
		assertGlobal(t, vm, "r", tt.want)
	}
}

func TestRunMixedNumbers(t *testing.T) {
	vm, out := newTestVM(t)
	runSource(t, vm, `
half = 1 / 2;
eq = 4 / 2 == 2;
gt = 7 / 2 > 3;
lt = 3 < 7 / 2;
w = string(7 / 2);
print(7 / 2, 6 / 3);
`, AnalyzerOptions{})
	assertGlobal(t, vm, "half", FloatObj{Value: 0.5})
	assertGlobal(t, vm, "eq", BooleanObj{Value: true})
	assertGlobal(t, vm, "gt", BooleanObj{Value: true})
	assertGlobal(t, vm, "lt", BooleanObj{Value: true})
	assertGlobal(t, vm, "w", StringObj{Value: "three point five"})
	if got := out.String(); got != "3.5 2.0\n" {
		t.Errorf("output = %q", got)
	}
}

func TestRunComparisonsAndStrings(t *testing.T) {
	vm, _ := newTestVM(t)
	runSource(t, vm, `
gt = 3 > 2;
lt = 3 < 2;
eq = "a" + "b" == "ab";
s = "foo" + "bar";
`, AnalyzerOptions{})
	assertGlobal(t, vm, "gt", BooleanObj{Value: true})
	assertGlobal(t, vm, "lt", BooleanObj{Value: false})
	assertGlobal(t, vm, "eq", BooleanObj{Value: true})
	assertGlobal(t, vm, "s", StringObj{Value: "foobar"})
}

func TestRunControlFlow(t *testing.T) {
	vm, _ := newTestVM(t)
	runSource(t, vm, `
i = 0;
s = 0;
while i < 5 do
  s = s + i;
  i = i + 1;
end;
if s == 10 then
  branch = "then";
else
  branch = "else";
end;
`, AnalyzerOptions{})
	assertGlobal(t, vm, "s", NumberObj{Value: 10})
	assertGlobal(t, vm, "branch", StringObj{Value: "then"})
}

func TestRunRecursion(t *testing.T) {
	vm, _ := newTestVM(t)
	runSource(t, vm, `
fact = (n) =>
  if n < 2 then
    return 1;
  end;
  return n * fact(n - 1);
end;
r = fact(10);
`, AnalyzerOptions{})
	assertGlobal(t, vm, "r", NumberObj{Value: 3628800})
}

func TestRunClosures(t *testing.T) {
	vm, _ := newTestVM(t)
	runSource(t, vm, `
make_adder = (n) =>
  add = (x) =>
    return x + n;
  end;
  return add;
end;
add5 = make_adder(5);
add7 = make_adder(7);
a = add5(10);
b = add7(10);
`, AnalyzerOptions{})
	assertGlobal(t, vm, "a", NumberObj{Value: 15})
	assertGlobal(t, vm, "b", NumberObj{Value: 17})
}

func TestRunPassthroughClosure(t *testing.T) {
	vm, _ := newTestVM(t)
	runSource(t, vm, `
outer = (x) =>
  y = x * 2;
  mid = () =>
    inner = () =>
      return x + y;
    end;
    return inner();
  end;
  return mid();
end;
r = outer(4);
`, AnalyzerOptions{})
	assertGlobal(t, vm, "r", NumberObj{Value: 12})
}

func TestRunModuleCells(t *testing.T) {
	vm, _ := newTestVM(t)
	runSource(t, vm, `
count = 5;
get = () =>
  return count;
end;
r = get();
`, AnalyzerOptions{ModuleCells: true})
	assertGlobal(t, vm, "r", NumberObj{Value: 5})
	if _, ok := vm.Global("count"); ok {
		t.Errorf("captured module name should live in a cell, not in globals")
	}
}

func TestBuiltins(t *testing.T) {
	vm, out := newTestVM(t)
	runSource(t, vm, `
p = print("sum:", 1 + 2);
n = length("héllo");
w = string(42);
`, AnalyzerOptions{})

	if got := out.String(); got != "sum: 3\n" {
		t.Errorf("output = %q", got)
	}
	assertGlobal(t, vm, "p", NumberObj{Value: 3})
	assertGlobal(t, vm, "n", NumberObj{Value: 5})
	assertGlobal(t, vm, "w", StringObj{Value: "forty-two"})
}

func TestRuntimeErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		msg    string
		line   int
	}{
		{"division", "a = 1;\nb = a / 0;", "Division by zero", 2},
		{"modulo", "b = 1 % 0;", "Modulo by zero", 1},
		{"undefined", "a = 1;\n\nb = nope;", "Undefined variable 'nope'", 3},
		{"not callable", "a = 1; a();", "Cannot call non-function type 'number'", 1},
		{"arity", "f = (x) => return x; end;\nf(1, 2);", "expected 1 arguments, but got 2", 2},
		{"native arity", `length("a", "b");`, "expected 1 arguments, but got 2", 1},
		{"native type", "length(3);", "expected string, got number", 1},
		{"operand types", `a = 1 + "x";`, "unsupported operand type(s)", 1},
		{"unbound local", "f = () =>\n  print(x);\n  x = 1;\nend;\nf();", "Local variable 'x' referenced before assignment", 2},
		{"no loader", "run other;", "no module loader configured", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm, _ := newTestVM(t)
			_, err := RunScript(vm, "test.calc", tt.source, AnalyzerOptions{})
			calcErr, ok := err.(*CalcError)
			if !ok {
				t.Fatalf("err = %v (%T), want *CalcError", err, err)
			}
			if calcErr.Type != ErrorRuntime || !strings.Contains(calcErr.Msg, tt.msg) {
				t.Errorf("got %s %q, want %q", calcErr.Type, calcErr.Msg, tt.msg)
			}
			if calcErr.Loc.Line != tt.line {
				t.Errorf("line = %d, want %d", calcErr.Loc.Line, tt.line)
			}
		})
	}
}

func TestMaxDepth(t *testing.T) {
	vm, _ := newTestVM(t)
	vm.MaxDepth = 50
	_, err := RunScript(vm, "test.calc", "f = () => return f(); end; f();", AnalyzerOptions{})
	if err == nil || !strings.Contains(err.Error(), "Maximum call depth 50 exceeded") {
		t.Fatalf("err = %v", err)
	}
	if len(vm.frames) != 0 || vm.sp != 0 {
		t.Errorf("VM not unwound: %d frames, sp %d", len(vm.frames), vm.sp)
	}

	// The VM stays usable after an error.
	runSource(t, vm, "ok = 1;", AnalyzerOptions{})
	assertGlobal(t, vm, "ok", NumberObj{Value: 1})
}

func TestRunModules(t *testing.T) {
	modules := map[string]string{
		"lib":  "z = 41; helper = (x) => return x + 1; end;",
		"loop": "run loop;",
	}
	vm, _ := newTestVM(t)
	vm.Loader = LoaderFunc(func(name string) (*Code, error) {
		src, ok := modules[name]
		if !ok {
			return nil, fmt.Errorf("no module %s", name)
		}
		return CompileSource(name+SourceExt, src, AnalyzerOptions{})
	})

	runSource(t, vm, "run lib; y = helper(z);", AnalyzerOptions{})
	assertGlobal(t, vm, "y", NumberObj{Value: 42})

	_, err := RunScript(vm, "test.calc", "run loop;", AnalyzerOptions{})
	if err == nil || !strings.Contains(err.Error(), "Module 'loop' is already running") {
		t.Errorf("err = %v, want recursion guard", err)
	}

	_, err = RunScript(vm, "test.calc", "run missing;", AnalyzerOptions{})
	if err == nil || !strings.Contains(err.Error(), "Cannot run module 'missing'") {
		t.Errorf("err = %v", err)
	}

	// With module cells a captured name leaves the globals map, so a module
	// started by `run` cannot see it. Names nobody captures stay global.
	modules["peek"] = "seen = total;"
	modules["peek_count"] = "seen = count;"
	cells, _ := newTestVM(t)
	cells.Loader = vm.Loader
	opts := AnalyzerOptions{ModuleCells: true}
	runSource(t, cells, "count = 5; total = 6; get = () => return count; end; run peek;", opts)
	assertGlobal(t, cells, "seen", NumberObj{Value: 6})

	_, err = RunScript(cells, "test.calc", "count = 5; get = () => return count; end; run peek_count;", opts)
	if err == nil || !strings.Contains(err.Error(), "Undefined variable 'count'") {
		t.Errorf("err = %v, want captured name hidden from module", err)
	}
}

func TestCallFunctionFromGo(t *testing.T) {
	vm, _ := newTestVM(t)
	runSource(t, vm, "sq = (x) => return x * x; end;", AnalyzerOptions{})

	sq, _ := vm.Global("sq")
	got, err := vm.CallFunction(sq, []Object{NumberObj{Value: 7}})
	if err != nil {
		t.Fatal(err)
	}
	if got != (NumberObj{Value: 49}) {
		t.Errorf("sq(7) = %v", got)
	}

	length, _ := vm.Global("length")
	got, err = vm.CallFunction(length, []Object{StringObj{Value: "abc"}})
	if err != nil || got != (NumberObj{Value: 3}) {
		t.Errorf("length(abc) = %v, %v", got, err)
	}
}

func TestRunReturnsNull(t *testing.T) {
	vm, _ := newTestVM(t)
	result, err := RunScript(vm, "test.calc", "a = 1;", AnalyzerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := result.(NullObj); !ok {
		t.Errorf("result = %v", result)
	}
}

func TestMakeClosureRejectsNonCells(t *testing.T) {
	var body []byte
	body = appendInstruction(body, OpLoadNull, 0)
	body = appendInstruction(body, OpReturn, 0)
	fn := &Code{Name: "f", Bytecode: body, StackSize: 1}

	var bc []byte
	bc = appendInstruction(bc, OpLoadConst, 0)
	bc = appendInstruction(bc, OpBuildTuple, 1)
	bc = appendInstruction(bc, OpLoadConst, 1)
	bc = appendInstruction(bc, OpMakeClosure, 1)
	bc = appendInstruction(bc, OpReturn, 0)
	module := &Code{Name: "<module>", Bytecode: bc, StackSize: 2, Constants: []Object{NumberObj{Value: 1}, fn}}

	vm, _ := newTestVM(t)
	_, err := vm.Run(module)
	if err == nil || !strings.Contains(err.Error(), "MAKE_CLOSURE expects cells, got number") {
		t.Fatalf("err = %v", err)
	}
	if len(vm.frames) != 0 || vm.sp != 0 {
		t.Errorf("VM not unwound: %d frames, sp %d", len(vm.frames), vm.sp)
	}
}
