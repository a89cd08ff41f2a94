package calc

import (
	"encoding/json"
	"strings"
	"testing"
)

func parseOK(t *testing.T, source string) *Program {
	t.Helper()
	res := Parse("test.calc", source)
	if res.IsErr() {
		t.Fatalf("parse failed: %v", res.Err)
	}
	return res.Value
}

func TestParsePrecedence(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"1 + 2 * 3;", "(1 + (2 * 3))"},
		{"(1 + 2) * 3;", "((1 + 2) * 3)"},
		{"1 - 2 - 3;", "((1 - 2) - 3)"},
		{"-a * b;", "((-a) * b)"},
		{"a + 1 == b;", "((a + 1) == b)"},
		{"f(1)(2);", "f(1)(2)"},
	}
	for _, tt := range tests {
		prog := parseOK(t, tt.source)
		stmt, ok := prog.Statements[0].(*ExprStmt)
		if !ok {
			t.Fatalf("%q: got %T", tt.source, prog.Statements[0])
		}
		if got := stmt.Expr.String(); got != tt.want {
			t.Errorf("%q: got %s, want %s", tt.source, got, tt.want)
		}
	}
}

func TestParseStatements(t *testing.T) {
	prog := parseOK(t, `
x = 10;
if x > 5 then
  print("big");
else
  print("small");
end;
while x > 0 do
  x = x - 1;
end;
f = (a, b) =>
  return a + b;
end;
g = () => return; end;
run other;`)

	want := []string{"*calc.AssignStmt", "*calc.IfStmt", "*calc.WhileStmt", "*calc.AssignStmt", "*calc.AssignStmt", "*calc.RunStmt"}
	if len(prog.Statements) != len(want) {
		t.Fatalf("got %d statements", len(prog.Statements))
	}

	ifStmt := prog.Statements[1].(*IfStmt)
	if !ifStmt.HasElse || len(ifStmt.ThenBody) != 1 || len(ifStmt.ElseBody) != 1 {
		t.Errorf("if = %+v", ifStmt)
	}
	fn := prog.Statements[3].(*AssignStmt).Value.(*FunctionLit)
	if len(fn.Params) != 2 || fn.Params[1].Value != "b" {
		t.Errorf("params = %v", fn.Params)
	}
	ret := prog.Statements[4].(*AssignStmt).Value.(*FunctionLit).Body[0].(*ReturnStmt)
	if ret.Value != nil {
		t.Errorf("bare return has value %v", ret.Value)
	}
	if run := prog.Statements[5].(*RunStmt); run.Module.Value != "other" {
		t.Errorf("run module = %q", run.Module.Value)
	}
}

func TestParseOneParamFunction(t *testing.T) {
	prog := parseOK(t, "id = (x) => return x; end; y = (x);")
	if _, ok := prog.Statements[0].(*AssignStmt).Value.(*FunctionLit); !ok {
		t.Errorf("(x) => ... did not parse as a function")
	}
	if _, ok := prog.Statements[1].(*AssignStmt).Value.(*VarRef); !ok {
		t.Errorf("(x) did not parse as a grouped expression")
	}
}

func TestNodeIDsAreUnique(t *testing.T) {
	prog := parseOK(t, "f = (x) => return x; end; g = (x) => return x; end;")
	seen := make(map[NodeID]ASTNode)
	Walk(prog, WalkFunc(func(n ASTNode) bool {
		if prev, ok := seen[n.ID()]; ok {
			t.Errorf("id %d shared by %s and %s", n.ID(), prev, n)
		}
		seen[n.ID()] = n
		return true
	}))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		source string
		msg    string
	}{
		{"a = 1", "Expected ';' after statement, got end of input"},
		{"a = ;", "Expected expression, got ';'"},
		{"if a then b;", "Expected 'end'"},
		{"1 < 2 < 3;", "Expected ';' after statement, got '<'"},
		{"f = (a, a) => end;", "Duplicate parameter 'a'"},
		{"run 5;", "Expected module name after 'run'"},
		{"print(1;", "Expected ')' after arguments"},
	}
	for _, tt := range tests {
		res := Parse("test.calc", tt.source)
		if !res.IsErr() {
			t.Errorf("%q: expected error", tt.source)
			continue
		}
		if !strings.Contains(res.Err.Error(), tt.msg) {
			t.Errorf("%q: error %q does not mention %q", tt.source, res.Err.Error(), tt.msg)
		}
	}
}

func TestErrorShowSource(t *testing.T) {
	source := "a = 1;\nb = a +;"
	res := Parse("test.calc", source)
	if !res.IsErr() {
		t.Fatal("expected error")
	}
	if loc := res.Err.GetLocation(); loc.Line != 2 || loc.Col != 8 {
		t.Errorf("loc = %v", loc)
	}
	shown := res.Err.(*CalcError).ShowSource(source)
	if !strings.Contains(shown, "b = a +;") || !strings.Contains(shown, "^") {
		t.Errorf("ShowSource output:\n%s", shown)
	}
}

func TestErrorShowSourceCountsRunes(t *testing.T) {
	source := "x = 1;\nä = größe + ;"
	err := NewCompileError("bad name", Loc{Line: 2, Col: 5, Start: 12, End: 19})
	shown := err.ShowSource(source)
	want := "ä = größe + ;\n    ^^^^^"
	if !strings.HasSuffix(shown, want) {
		t.Errorf("ShowSource output:\n%s\nwant suffix:\n%s", shown, want)
	}

	lineOnly := NewRuntimeError("boom", Loc{Line: 1})
	if shown := lineOnly.ShowSource(source); !strings.HasSuffix(shown, "x = 1;\n^") {
		t.Errorf("ShowSource output:\n%s", shown)
	}
}

func TestProgramJSON(t *testing.T) {
	prog := parseOK(t, "a = 1;")
	data, err := json.Marshal(prog)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"AssignStmt"`, `"NumberLit"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("json missing %s: %s", want, data)
		}
	}
}
