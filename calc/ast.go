package calc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NodeID identifies a node within one parse. IDs are unique per Parser and
// are the keys symbol tables are looked up by.
type NodeID int

const NoNode NodeID = -1

type ASTNode interface {
	ID() NodeID
	GetToken() *Token
	String() string
}

type Stmt interface {
	ASTNode
	stmtNode() // dummy method
}

type Expr interface {
	ASTNode
	exprNode() // dummy method
}

// Visitor is called for every node reached by Walk. Returning false skips
// the node's children.
type Visitor interface {
	Visit(node ASTNode) bool
}

type WalkFunc func(node ASTNode) bool

func (f WalkFunc) Visit(node ASTNode) bool {
	return f(node)
}

// Walk traverses an AST node and its children in source order.
func Walk(node ASTNode, visitor Visitor) {
	if node == nil || !visitor.Visit(node) {
		return
	}

	switch n := node.(type) {
	case *Program:
		walkStmts(n.Statements, visitor)
	case *ExprStmt:
		Walk(n.Expr, visitor)
	case *AssignStmt:
		Walk(n.Target, visitor)
		Walk(n.Value, visitor)
	case *IfStmt:
		Walk(n.Condition, visitor)
		walkStmts(n.ThenBody, visitor)
		walkStmts(n.ElseBody, visitor)
	case *WhileStmt:
		Walk(n.Condition, visitor)
		walkStmts(n.Body, visitor)
	case *ReturnStmt:
		if n.Value != nil {
			Walk(n.Value, visitor)
		}
	case *BinaryOp:
		Walk(n.Left, visitor)
		Walk(n.Right, visitor)
	case *UnaryOp:
		Walk(n.Operand, visitor)
	case *CallExpr:
		Walk(n.Callee, visitor)
		for _, arg := range n.Arguments {
			Walk(arg, visitor)
		}
	case *FunctionLit:
		walkStmts(n.Body, visitor)
	}
}

func walkStmts(stmts []Stmt, visitor Visitor) {
	for _, stmt := range stmts {
		Walk(stmt, visitor)
	}
}

type node struct {
	NodeID NodeID `json:"id"`
}

func (n node) ID() NodeID { return n.NodeID }

func marshalNode(kind string, alias any) ([]byte, error) {
	return json.Marshal(&struct {
		Type string `json:"type"`
		Node any    `json:"node"`
	}{
		Type: kind,
		Node: alias,
	})
}

func stmtsString(stmts []Stmt) string {
	parts := make([]string, len(stmts))
	for i, s := range stmts {
		parts[i] = s.String()
	}
	return "[" + strings.Join(parts, "; ") + "]"
}

// Program is the module body.
type Program struct {
	node
	Token      *Token
	Statements []Stmt
}

func (p *Program) GetToken() *Token { return p.Token }
func (p *Program) String() string {
	return fmt.Sprintf("Program %s", stmtsString(p.Statements))
}
func (p *Program) MarshalJSON() ([]byte, error) {
	type Alias Program
	return marshalNode("Program", (*Alias)(p))
}

// expressions

type NumberLit struct {
	node
	Token *Token
	Value int64
}

func (e *NumberLit) GetToken() *Token { return e.Token }
func (e *NumberLit) String() string   { return fmt.Sprintf("%d", e.Value) }
func (e *NumberLit) exprNode()        {}
func (e *NumberLit) MarshalJSON() ([]byte, error) {
	type Alias NumberLit
	return marshalNode("NumberLit", (*Alias)(e))
}

type StringLit struct {
	node
	Token *Token
	Value string
}

func (e *StringLit) GetToken() *Token { return e.Token }
func (e *StringLit) String() string   { return fmt.Sprintf("%q", e.Value) }
func (e *StringLit) exprNode()        {}
func (e *StringLit) MarshalJSON() ([]byte, error) {
	type Alias StringLit
	return marshalNode("StringLit", (*Alias)(e))
}

type VarRef struct {
	node
	Token *Token
	Name  string
}

func (e *VarRef) GetToken() *Token { return e.Token }
func (e *VarRef) String() string   { return e.Name }
func (e *VarRef) exprNode()        {}
func (e *VarRef) MarshalJSON() ([]byte, error) {
	type Alias VarRef
	return marshalNode("VarRef", (*Alias)(e))
}

type BinaryOp struct {
	node
	Token *Token
	Left  Expr
	Op    TokenType
	Right Expr
}

func (e *BinaryOp) GetToken() *Token { return e.Token }
func (e *BinaryOp) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Left, e.Token.Value, e.Right)
}
func (e *BinaryOp) exprNode() {}
func (e *BinaryOp) MarshalJSON() ([]byte, error) {
	type Alias BinaryOp
	return marshalNode("BinaryOp", (*Alias)(e))
}

type UnaryOp struct {
	node
	Token   *Token
	Op      TokenType
	Operand Expr
}

func (e *UnaryOp) GetToken() *Token { return e.Token }
func (e *UnaryOp) String() string {
	return fmt.Sprintf("(%s%s)", e.Token.Value, e.Operand)
}
func (e *UnaryOp) exprNode() {}
func (e *UnaryOp) MarshalJSON() ([]byte, error) {
	type Alias UnaryOp
	return marshalNode("UnaryOp", (*Alias)(e))
}

type CallExpr struct {
	node
	Token     *Token
	Callee    Expr
	Arguments []Expr
}

func (e *CallExpr) GetToken() *Token { return e.Token }
func (e *CallExpr) String() string {
	args := make([]string, len(e.Arguments))
	for i, a := range e.Arguments {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", e.Callee, strings.Join(args, ", "))
}
func (e *CallExpr) exprNode() {}
func (e *CallExpr) MarshalJSON() ([]byte, error) {
	type Alias CallExpr
	return marshalNode("CallExpr", (*Alias)(e))
}

// FunctionLit is `(a, b) => body end`. Each literal gets its own scope even
// when two literals are textually identical.
type FunctionLit struct {
	node
	Token    *Token
	Params   []*Token
	Body     []Stmt
	EndToken *Token
}

func (e *FunctionLit) GetToken() *Token { return e.Token }
func (e *FunctionLit) String() string {
	params := make([]string, len(e.Params))
	for i, p := range e.Params {
		params[i] = p.Value
	}
	return fmt.Sprintf("(%s) => %s", strings.Join(params, ", "), stmtsString(e.Body))
}
func (e *FunctionLit) exprNode() {}
func (e *FunctionLit) MarshalJSON() ([]byte, error) {
	type Alias FunctionLit
	return marshalNode("FunctionLit", (*Alias)(e))
}

// statements

type ExprStmt struct {
	node
	Expr Expr
}

func (s *ExprStmt) GetToken() *Token { return s.Expr.GetToken() }
func (s *ExprStmt) String() string   { return s.Expr.String() }
func (s *ExprStmt) stmtNode()        {}
func (s *ExprStmt) MarshalJSON() ([]byte, error) {
	type Alias ExprStmt
	return marshalNode("ExprStmt", (*Alias)(s))
}

type AssignStmt struct {
	node
	Token  *Token
	Target *VarRef
	Value  Expr
}

func (s *AssignStmt) GetToken() *Token { return s.Token }
func (s *AssignStmt) String() string {
	return fmt.Sprintf("%s = %s", s.Target.Name, s.Value)
}
func (s *AssignStmt) stmtNode() {}
func (s *AssignStmt) MarshalJSON() ([]byte, error) {
	type Alias AssignStmt
	return marshalNode("AssignStmt", (*Alias)(s))
}

type IfStmt struct {
	node
	Token     *Token
	Condition Expr
	ThenBody  []Stmt
	ElseBody  []Stmt
	HasElse   bool
}

func (s *IfStmt) GetToken() *Token { return s.Token }
func (s *IfStmt) String() string {
	if s.HasElse {
		return fmt.Sprintf("if %s then %s else %s end", s.Condition, stmtsString(s.ThenBody), stmtsString(s.ElseBody))
	}
	return fmt.Sprintf("if %s then %s end", s.Condition, stmtsString(s.ThenBody))
}
func (s *IfStmt) stmtNode() {}
func (s *IfStmt) MarshalJSON() ([]byte, error) {
	type Alias IfStmt
	return marshalNode("IfStmt", (*Alias)(s))
}

type WhileStmt struct {
	node
	Token     *Token
	Condition Expr
	Body      []Stmt
}

func (s *WhileStmt) GetToken() *Token { return s.Token }
func (s *WhileStmt) String() string {
	return fmt.Sprintf("while %s do %s end", s.Condition, stmtsString(s.Body))
}
func (s *WhileStmt) stmtNode() {}
func (s *WhileStmt) MarshalJSON() ([]byte, error) {
	type Alias WhileStmt
	return marshalNode("WhileStmt", (*Alias)(s))
}

type ReturnStmt struct {
	node
	Token *Token
	Value Expr
}

func (s *ReturnStmt) GetToken() *Token { return s.Token }
func (s *ReturnStmt) String() string {
	if s.Value == nil {
		return "return"
	}
	return fmt.Sprintf("return %s", s.Value)
}
func (s *ReturnStmt) stmtNode() {}
func (s *ReturnStmt) MarshalJSON() ([]byte, error) {
	type Alias ReturnStmt
	return marshalNode("ReturnStmt", (*Alias)(s))
}

// RunStmt is `run name;`, executing another module against the shared
// globals.
type RunStmt struct {
	node
	Token  *Token
	Module *Token
}

func (s *RunStmt) GetToken() *Token { return s.Token }
func (s *RunStmt) String() string   { return "run " + s.Module.Value }
func (s *RunStmt) stmtNode()        {}
func (s *RunStmt) MarshalJSON() ([]byte, error) {
	type Alias RunStmt
	return marshalNode("RunStmt", (*Alias)(s))
}
