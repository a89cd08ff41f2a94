package calc

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/tliron/commonlog"
)

var binaryOps = map[TokenType]OpCode{
	TokenPlus:  OpAdd,
	TokenMinus: OpSubtract,
	TokenMul:   OpMultiply,
	TokenDiv:   OpDivide,
	TokenMod:   OpModulo,
	TokenGT:    OpCompareGreater,
	TokenLT:    OpCompareLess,
	TokenEQ:    OpCompareEqual,
}

var unaryOps = map[TokenType]OpCode{
	TokenMinus: OpNegate,
	TokenPlus:  OpPositive,
}

// Compiler holds the emitter state for one module or function body. A new
// Compiler is created for every nested function literal.
type Compiler struct {
	analyzer  *Analyzer
	table     *SymbolTable
	fileName  string
	firstLine int

	instructions []Instruction
	constants    []Object
	names        *NameSet
	varNames     *NameSet
	cellVars     []string
	freeVars     []string
	labels       []int

	log commonlog.Logger
}

func newCompiler(analyzer *Analyzer, table *SymbolTable, fileName string, firstLine int) *Compiler {
	c := &Compiler{
		analyzer:  analyzer,
		table:     table,
		fileName:  fileName,
		firstLine: firstLine,
		names:     NewNameSet(),
		varNames:  NewNameSet(table.Params...),
		cellVars:  table.Cells.Names(),
		freeVars:  table.Free.Names(),
		log:       commonlog.GetLogger("calc.compiler"),
	}
	for _, name := range table.Locals.Names() {
		c.varNames.Add(name)
	}
	return c
}

// Compile emits the module code object for prog. The analyzer must have
// already discovered prog.
func Compile(prog *Program, analyzer *Analyzer, fileName string) (*Code, error) {
	table, err := analyzer.Lookup(prog.ID())
	if err != nil {
		return nil, err
	}
	c := newCompiler(analyzer, table, fileName, 1)
	if err := c.compileBody(prog.Statements); err != nil {
		return nil, err
	}
	return c.finish()
}

// CompileSource runs the whole pipeline over one source file.
func CompileSource(fileName, source string, opts AnalyzerOptions) (*Code, error) {
	parseRes := Parse(fileName, source)
	if parseRes.IsErr() {
		return nil, parseRes.Err
	}
	analyzer, err := Analyze(parseRes.Value, opts)
	if err != nil {
		return nil, err
	}
	return Compile(parseRes.Value, analyzer, fileName)
}

func (c *Compiler) isFunction() bool {
	return c.table.Kind == ScopeFunction
}

func (c *Compiler) emitInstruct(op OpCode, arg int, token *Token) int {
	line := 0
	if token != nil {
		line = token.Loc.Line
	}
	c.instructions = append(c.instructions, Instruction{Op: op, Arg: arg, Line: line})
	return len(c.instructions) - 1
}

// helper function when the instruction takes no argument
func (c *Compiler) emitSingleInstruct(op OpCode, token *Token) int {
	return c.emitInstruct(op, 0, token)
}

func (c *Compiler) newLabel() Label {
	c.labels = append(c.labels, -1)
	return Label(len(c.labels) - 1)
}

// bindLabel points l at the next instruction to be emitted.
func (c *Compiler) bindLabel(l Label) {
	c.labels[l] = len(c.instructions)
}

func (c *Compiler) emitJump(op OpCode, l Label, token *Token) int {
	return c.emitInstruct(op, int(l), token)
}

func (c *Compiler) addConstant(value Object) int {
	// Code objects are never shared between emission sites.
	if _, ok := value.(*Code); !ok {
		for i, constant := range c.constants {
			if _, isCode := constant.(*Code); isCode {
				continue
			}
			if constant == value {
				return i
			}
		}
	}
	c.constants = append(c.constants, value)
	return len(c.constants) - 1
}

func (c *Compiler) addName(name string) int {
	c.names.Add(name)
	return c.names.Index(name)
}

// derefIndex addresses cells first, then free variables.
func (c *Compiler) derefIndex(name string) (int, error) {
	for i, n := range c.cellVars {
		if n == name {
			return i, nil
		}
	}
	for i, n := range c.freeVars {
		if n == name {
			return len(c.cellVars) + i, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownBinding, "%q is not a cell or free variable of %q", name, c.table.Name)
}

func (c *Compiler) emitLoad(name string, token *Token) error {
	return c.emitAccess(name, token, false)
}

func (c *Compiler) emitStore(name string, token *Token) error {
	return c.emitAccess(name, token, true)
}

func (c *Compiler) emitAccess(name string, token *Token, store bool) error {
	pick := func(load, st OpCode) OpCode {
		if store {
			return st
		}
		return load
	}

	switch class := c.table.Classify(name); class {
	case BindingLocal:
		c.emitInstruct(pick(OpLoadFast, OpStoreFast), c.varNames.Index(name), token)
	case BindingGlobal:
		c.emitInstruct(pick(OpLoadGlobal, OpStoreGlobal), c.addName(name), token)
	case BindingCell, BindingFree:
		idx, err := c.derefIndex(name)
		if err != nil {
			return err
		}
		c.emitInstruct(pick(OpLoadDeref, OpStoreDeref), idx, token)
	default:
		return errors.Wrapf(ErrUnknownBinding, "%q in scope %q", name, c.table.Name)
	}
	return nil
}

func (c *Compiler) compileBody(stmts []Stmt) error {
	for _, stmt := range stmts {
		if err := c.compileNode(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) compileNode(node ASTNode) error {
	switch n := node.(type) {
	case *ExprStmt:
		return c.visitExprStmt(n)
	case *AssignStmt:
		return c.visitAssignStmt(n)
	case *IfStmt:
		return c.visitIfStmt(n)
	case *WhileStmt:
		return c.visitWhileStmt(n)
	case *ReturnStmt:
		return c.visitReturnStmt(n)
	case *RunStmt:
		return c.visitRunStmt(n)
	case *NumberLit:
		c.emitInstruct(OpLoadConst, c.addConstant(NumberObj{Value: n.Value}), n.Token)
		return nil
	case *StringLit:
		c.emitInstruct(OpLoadConst, c.addConstant(StringObj{Value: n.Value}), n.Token)
		return nil
	case *VarRef:
		return c.emitLoad(n.Name, n.Token)
	case *BinaryOp:
		return c.visitBinaryOp(n)
	case *UnaryOp:
		return c.visitUnaryOp(n)
	case *CallExpr:
		return c.visitCallExpr(n)
	case *FunctionLit:
		return c.visitFunctionLit(n)
	}
	return unsupported(node)
}

func unsupported(node ASTNode) error {
	construct := strings.TrimPrefix(fmt.Sprintf("%T", node), "*calc.")
	var loc Loc
	if tok := node.GetToken(); tok != nil {
		loc = tok.Loc
	}
	return &UnsupportedConstructError{Construct: construct, Loc: loc}
}

func (c *Compiler) visitExprStmt(n *ExprStmt) error {
	if err := c.compileNode(n.Expr); err != nil {
		return err
	}
	c.emitSingleInstruct(OpPop, nil)
	return nil
}

func (c *Compiler) visitAssignStmt(n *AssignStmt) error {
	if err := c.compileNode(n.Value); err != nil {
		return err
	}
	return c.emitStore(n.Target.Name, n.Target.Token)
}

func (c *Compiler) visitIfStmt(n *IfStmt) error {
	if err := c.compileNode(n.Condition); err != nil {
		return err
	}
	elseLabel := c.newLabel()
	c.emitJump(OpJumpIfFalse, elseLabel, n.Token)

	if err := c.compileBody(n.ThenBody); err != nil {
		return err
	}

	if !n.HasElse {
		c.bindLabel(elseLabel)
		return nil
	}

	endLabel := c.newLabel()
	c.emitJump(OpJump, endLabel, nil)
	c.bindLabel(elseLabel)
	if err := c.compileBody(n.ElseBody); err != nil {
		return err
	}
	c.bindLabel(endLabel)
	return nil
}

func (c *Compiler) visitWhileStmt(n *WhileStmt) error {
	startLabel := c.newLabel()
	endLabel := c.newLabel()

	c.bindLabel(startLabel)
	if err := c.compileNode(n.Condition); err != nil {
		return err
	}
	c.emitJump(OpJumpIfFalse, endLabel, n.Token)
	if err := c.compileBody(n.Body); err != nil {
		return err
	}
	c.emitJump(OpJump, startLabel, nil)
	c.bindLabel(endLabel)
	return nil
}

func (c *Compiler) visitReturnStmt(n *ReturnStmt) error {
	if !c.isFunction() {
		return NewCompileError("'return' outside function", n.Token.Loc)
	}
	if n.Value != nil {
		if err := c.compileNode(n.Value); err != nil {
			return err
		}
	} else {
		c.emitSingleInstruct(OpLoadNull, n.Token)
	}
	c.emitSingleInstruct(OpReturn, n.Token)
	return nil
}

func (c *Compiler) visitRunStmt(n *RunStmt) error {
	c.emitInstruct(OpRun, c.addName(n.Module.Value), n.Token)
	return nil
}

func (c *Compiler) visitBinaryOp(n *BinaryOp) error {
	op, ok := binaryOps[n.Op]
	if !ok {
		return &UnsupportedConstructError{Construct: "operator " + n.Token.Value, Loc: n.Token.Loc}
	}
	if err := c.compileNode(n.Left); err != nil {
		return err
	}
	if err := c.compileNode(n.Right); err != nil {
		return err
	}
	c.emitSingleInstruct(op, n.Token)
	return nil
}

func (c *Compiler) visitUnaryOp(n *UnaryOp) error {
	op, ok := unaryOps[n.Op]
	if !ok {
		return &UnsupportedConstructError{Construct: "unary operator " + n.Token.Value, Loc: n.Token.Loc}
	}
	if err := c.compileNode(n.Operand); err != nil {
		return err
	}
	c.emitSingleInstruct(op, n.Token)
	return nil
}

func (c *Compiler) visitCallExpr(n *CallExpr) error {
	if err := c.compileNode(n.Callee); err != nil {
		return err
	}
	for _, arg := range n.Arguments {
		if err := c.compileNode(arg); err != nil {
			return err
		}
	}
	c.emitInstruct(OpCall, len(n.Arguments), n.Token)
	return nil
}

func (c *Compiler) visitFunctionLit(n *FunctionLit) error {
	table, err := c.analyzer.Lookup(n.ID())
	if err != nil {
		return err
	}

	child := newCompiler(c.analyzer, table, c.fileName, n.Token.Loc.Line)
	if err := child.compileBody(n.Body); err != nil {
		return err
	}
	code, err := child.finish()
	if err != nil {
		return err
	}

	if len(code.FreeVars) == 0 {
		c.emitInstruct(OpLoadConst, c.addConstant(code), n.Token)
		c.emitInstruct(OpMakeClosure, 0, n.Token)
		return nil
	}

	for _, name := range code.FreeVars {
		idx, err := c.derefIndex(name)
		if err != nil {
			return err
		}
		c.emitInstruct(OpLoadClosure, idx, n.Token)
	}
	c.emitInstruct(OpBuildTuple, len(code.FreeVars), n.Token)
	c.emitInstruct(OpLoadConst, c.addConstant(code), n.Token)
	c.emitInstruct(OpMakeClosure, 1, n.Token)
	return nil
}

// finish appends the implicit return and hands the state to the builder.
func (c *Compiler) finish() (*Code, error) {
	c.emitSingleInstruct(OpLoadNull, nil)
	c.emitSingleInstruct(OpReturn, nil)
	code, err := c.build()
	if err != nil {
		return nil, err
	}
	c.log.Debugf("built %s: %d bytes, %d constants, stack %d", code.Name, len(code.Bytecode), len(code.Constants), code.StackSize)
	return code, nil
}

// build encodes the emitter state into an immutable Code object.
func (c *Compiler) build() (*Code, error) {
	for i, target := range c.labels {
		if target < 0 {
			return nil, errors.Wrapf(ErrUnboundLabel, "label %d in %q", i, c.table.Name)
		}
	}

	bytecode, offsets, err := assemble(c.instructions, c.labels)
	if err != nil {
		return nil, err
	}
	lines := fillLines(c.firstLine, c.instructions)
	stackSize, err := computeStackSize(bytecode)
	if err != nil {
		return nil, errors.Wrapf(err, "compiling %q", c.table.Name)
	}

	return &Code{
		Name:      c.table.Name,
		FileName:  c.fileName,
		FirstLine: c.firstLine,
		ArgCount:  len(c.table.Params),
		SlotCount: c.varNames.Len(),
		StackSize: stackSize,
		Bytecode:  bytecode,
		Constants: c.constants,
		Names:     c.names.Names(),
		VarNames:  c.varNames.Names(),
		FreeVars:  c.freeVars,
		CellVars:  c.cellVars,
		LineTable: encodeLineTable(c.firstLine, offsets, lines),
	}, nil
}
