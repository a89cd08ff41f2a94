package calc

import (
	"bytes"
	"slices"
	"strings"
	"testing"
)

func assertCodeEqual(t *testing.T, got, want *Code) {
	t.Helper()
	if got.Name != want.Name || got.FileName != want.FileName || got.FirstLine != want.FirstLine {
		t.Errorf("header: got %q %q %d, want %q %q %d", got.Name, got.FileName, got.FirstLine, want.Name, want.FileName, want.FirstLine)
	}
	if got.ArgCount != want.ArgCount || got.SlotCount != want.SlotCount || got.StackSize != want.StackSize {
		t.Errorf("%s counts: got %d/%d/%d, want %d/%d/%d", want.Name,
			got.ArgCount, got.SlotCount, got.StackSize, want.ArgCount, want.SlotCount, want.StackSize)
	}
	if !bytes.Equal(got.Bytecode, want.Bytecode) || !bytes.Equal(got.LineTable, want.LineTable) {
		t.Errorf("%s: bytecode or line table differs", want.Name)
	}
	for _, pair := range [][2][]string{
		{got.Names, want.Names},
		{got.VarNames, want.VarNames},
		{got.FreeVars, want.FreeVars},
		{got.CellVars, want.CellVars},
	} {
		if !slices.Equal(pair[0], pair[1]) {
			t.Errorf("%s: names differ: %v vs %v", want.Name, pair[0], pair[1])
		}
	}
	if len(got.Constants) != len(want.Constants) {
		t.Fatalf("%s: %d constants, want %d", want.Name, len(got.Constants), len(want.Constants))
	}
	for i := range want.Constants {
		if nested, ok := want.Constants[i].(*Code); ok {
			gotNested, ok := got.Constants[i].(*Code)
			if !ok {
				t.Fatalf("%s: constant %d is %T", want.Name, i, got.Constants[i])
			}
			assertCodeEqual(t, gotNested, nested)
			continue
		}
		if got.Constants[i] != want.Constants[i] {
			t.Errorf("%s: constant %d = %v, want %v", want.Name, i, got.Constants[i], want.Constants[i])
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	source := `
greeting = "hello";
make = (n) =>
  add = (x) => return x + n; end;
  return add;
end;
r = make(2)(40);
`
	code := compileSource(t, source, AnalyzerOptions{})

	data, err := MarshalCode(code)
	if err != nil {
		t.Fatal(err)
	}
	decodedCode, err := UnmarshalCode(data)
	if err != nil {
		t.Fatal(err)
	}
	assertCodeEqual(t, decodedCode, code)

	vm, _ := newTestVM(t)
	if _, err := vm.Run(decodedCode); err != nil {
		t.Fatal(err)
	}
	assertGlobal(t, vm, "r", NumberObj{Value: 42})
}

func TestMarshalIsDeterministic(t *testing.T) {
	code := compileSource(t, "a = 1; f = () => return a; end;", AnalyzerOptions{})
	first, err := MarshalCode(code)
	if err != nil {
		t.Fatal(err)
	}
	second, err := MarshalCode(code)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("encodings differ")
	}
}

func TestUnmarshalRejectsBadInput(t *testing.T) {
	if _, err := UnmarshalCode([]byte{0xff, 0x00}); err == nil {
		t.Error("expected error for garbage")
	}

	wrongVersion, err := cborEncMode.Marshal(&wireModule{Version: WireVersion + 1, Code: &wireCode{Name: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalCode(wrongVersion); err == nil || !strings.Contains(err.Error(), "unsupported code version") {
		t.Errorf("err = %v", err)
	}

	badOps, err := cborEncMode.Marshal(&wireModule{Version: WireVersion, Code: &wireCode{Name: "x", Bytecode: []byte{0xFE}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalCode(badOps); err == nil {
		t.Error("expected error for invalid opcode")
	}
}

func TestMarshalRejectsRuntimeConstants(t *testing.T) {
	code := &Code{Name: "odd", Constants: []Object{BooleanObj{Value: true}}}
	if _, err := MarshalCode(code); err == nil {
		t.Error("expected error for boolean constant")
	}
}

func TestUnmarshalRejectsDanglingOperands(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(c *Code)
		wantErr string
	}{
		{"constant", func(c *Code) {
			c.Bytecode = appendInstruction(appendInstruction(nil, OpLoadConst, 9), OpReturn, 0)
		}, "operand 9 out of range"},
		{"global", func(c *Code) {
			c.Bytecode = appendInstruction(appendInstruction(nil, OpLoadGlobal, 4), OpReturn, 0)
		}, "operand 4 out of range"},
		{"local", func(c *Code) {
			c.Bytecode = appendInstruction(appendInstruction(nil, OpLoadFast, 0), OpReturn, 0)
		}, "operand 0 out of range"},
		{"deref", func(c *Code) {
			c.Bytecode = appendInstruction(appendInstruction(nil, OpLoadDeref, 2), OpReturn, 0)
		}, "operand 2 out of range"},
		{"jump into operand", func(c *Code) {
			c.Bytecode = appendInstruction(appendInstruction(nil, OpJump, 1), OpReturn, 0)
		}, "not an instruction"},
		{"jump past end", func(c *Code) {
			c.Bytecode = appendInstruction(appendInstruction(nil, OpJumpIfFalse, 200), OpReturn, 0)
		}, "not an instruction"},
		{"slots", func(c *Code) {
			c.VarNames = []string{"x"}
			c.SlotCount = 0
		}, "slot count"},
		{"arguments", func(c *Code) {
			c.ArgCount = 1
		}, "argument count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := compileSource(t, "a = 1;", AnalyzerOptions{})
			tt.edit(code)
			data, err := MarshalCode(code)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := UnmarshalCode(data); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestUnmarshalChecksNestedCode(t *testing.T) {
	code := compileSource(t, "f = (x) => return x; end;", AnalyzerOptions{})
	fn := nestedCode(t, code, "f")
	fn.Bytecode = appendInstruction(appendInstruction(nil, OpLoadFast, 3), OpReturn, 0)
	data, err := MarshalCode(code)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalCode(data); err == nil {
		t.Error("expected error for nested code with dangling local")
	}
}
