package calc

import (
	"fmt"
	"strconv"
)

type Parser struct {
	tokens  []Token
	currIdx int
	srcName string
	nextID  NodeID
}

func NewParser(tokens []Token) *Parser {
	p := &Parser{
		tokens:  tokens,
		currIdx: 0,
	}
	if len(tokens) > 0 {
		p.srcName = tokens[0].Loc.FileName
	}
	return p
}

// Parse reads statements until EOF. Node IDs are assigned in creation order
// starting at 0.
func (p *Parser) Parse() Result[*Program] {
	program := &Program{Token: p.current(), Statements: make([]Stmt, 0)}

	for !p.isAtEnd() {
		stmtResult := p.statement()
		if stmtResult.IsErr() {
			return ResErr[*Program](stmtResult.Err)
		}
		program.Statements = append(program.Statements, stmtResult.Value)
	}

	program.NodeID = p.newID()
	return ResOk(program)
}

// NodeCount returns the number of IDs handed out so far.
func (p *Parser) NodeCount() int {
	return int(p.nextID)
}

func (p *Parser) newID() NodeID {
	id := p.nextID
	p.nextID++
	return id
}

func (p *Parser) mk() node {
	return node{NodeID: p.newID()}
}

// utils

// Check and advance the given token kind if it matches current, return Error with given message otherwise
func (p *Parser) consume(kind TokenType, msg string) Result[*Token] {
	if p.check(kind) {
		return ResOk(p.advance())
	}
	return ResErr[*Token](p.errorAt(p.current(), msg))
}

func (p *Parser) consumeKeyword(keyword string) Result[*Token] {
	if p.current().IsKeyword(keyword) {
		return ResOk(p.advance())
	}
	return ResErr[*Token](p.errorAt(p.current(), fmt.Sprintf("Expected '%s'", keyword)))
}

// Match and advance if matched otherwise return false without advancing
func (p *Parser) match(types ...TokenType) bool {
	for _, t := range types {
		if p.check(t) {
			p.advance()
			return true
		}
	}
	return false
}

func (p *Parser) check(kind TokenType) bool {
	if p.isAtEnd() {
		return false
	}
	return p.current().Kind == kind
}

func (p *Parser) checkKeyword(keywords ...string) bool {
	for _, kw := range keywords {
		if p.current().IsKeyword(kw) {
			return true
		}
	}
	return false
}

// advance token to next token and return the advanced token
func (p *Parser) advance() *Token {
	if !p.isAtEnd() {
		p.currIdx++
	}
	return p.previous()
}

func (p *Parser) isAtEnd() bool {
	return p.current().Kind == TokenEOF
}

func (p *Parser) current() *Token {
	return &p.tokens[p.currIdx]
}

func (p *Parser) peekAt(offset int) *Token {
	index := p.currIdx + offset
	if index >= len(p.tokens) {
		return &p.tokens[len(p.tokens)-1] // EOF
	}
	return &p.tokens[index]
}

func (p *Parser) previous() *Token {
	return &p.tokens[p.currIdx-1]
}

func (p *Parser) errorAt(tok *Token, msg string) *CalcError {
	if tok.Kind == TokenEOF {
		return NewParserError(msg+", got end of input", tok.Loc)
	}
	return NewParserError(fmt.Sprintf("%s, got '%s'", msg, tok.Value), tok.Loc)
}

// grammar

func (p *Parser) statement() Result[Stmt] {
	var res Result[Stmt]
	switch {
	case p.check(TokenIdent) && p.peekAt(1).Kind == TokenAssign:
		res = p.assignment()
	case p.checkKeyword("if"):
		res = p.ifStatement()
	case p.checkKeyword("while"):
		res = p.whileStatement()
	case p.checkKeyword("return"):
		res = p.returnStatement()
	case p.checkKeyword("run"):
		res = p.runStatement()
	default:
		exprRes := p.expression()
		if exprRes.IsErr() {
			return ResErr[Stmt](exprRes.Err)
		}
		res = ResOk[Stmt](&ExprStmt{node: p.mk(), Expr: exprRes.Value})
	}
	if res.IsErr() {
		return res
	}
	if semi := p.consume(TokenSemiColon, "Expected ';' after statement"); semi.IsErr() {
		return ResErr[Stmt](semi.Err)
	}
	return res
}

// block parses statements until one of the terminating keywords.
func (p *Parser) block(terminators ...string) Result[[]Stmt] {
	stmts := make([]Stmt, 0)
	for !p.checkKeyword(terminators...) {
		if p.isAtEnd() {
			return ResErr[[]Stmt](p.errorAt(p.current(), "Expected 'end'"))
		}
		res := p.statement()
		if res.IsErr() {
			return ResErr[[]Stmt](res.Err)
		}
		stmts = append(stmts, res.Value)
	}
	return ResOk(stmts)
}

func (p *Parser) assignment() Result[Stmt] {
	nameTok := p.advance()
	target := &VarRef{node: p.mk(), Token: nameTok, Name: nameTok.Value}
	eqTok := p.advance()

	valueRes := p.expression()
	if valueRes.IsErr() {
		return ResErr[Stmt](valueRes.Err)
	}
	return ResOk[Stmt](&AssignStmt{node: p.mk(), Token: eqTok, Target: target, Value: valueRes.Value})
}

func (p *Parser) ifStatement() Result[Stmt] {
	ifTok := p.advance()
	condRes := p.expression()
	if condRes.IsErr() {
		return ResErr[Stmt](condRes.Err)
	}
	if res := p.consumeKeyword("then"); res.IsErr() {
		return ResErr[Stmt](res.Err)
	}

	thenRes := p.block("else", "end")
	if thenRes.IsErr() {
		return ResErr[Stmt](thenRes.Err)
	}

	stmt := &IfStmt{Token: ifTok, Condition: condRes.Value, ThenBody: thenRes.Value}
	if p.checkKeyword("else") {
		p.advance()
		elseRes := p.block("end")
		if elseRes.IsErr() {
			return ResErr[Stmt](elseRes.Err)
		}
		stmt.ElseBody = elseRes.Value
		stmt.HasElse = true
	}
	if res := p.consumeKeyword("end"); res.IsErr() {
		return ResErr[Stmt](res.Err)
	}
	stmt.node = p.mk()
	return ResOk[Stmt](stmt)
}

func (p *Parser) whileStatement() Result[Stmt] {
	whileTok := p.advance()
	condRes := p.expression()
	if condRes.IsErr() {
		return ResErr[Stmt](condRes.Err)
	}
	if res := p.consumeKeyword("do"); res.IsErr() {
		return ResErr[Stmt](res.Err)
	}
	bodyRes := p.block("end")
	if bodyRes.IsErr() {
		return ResErr[Stmt](bodyRes.Err)
	}
	p.advance()
	return ResOk[Stmt](&WhileStmt{node: p.mk(), Token: whileTok, Condition: condRes.Value, Body: bodyRes.Value})
}

func (p *Parser) returnStatement() Result[Stmt] {
	retTok := p.advance()
	if p.check(TokenSemiColon) {
		return ResOk[Stmt](&ReturnStmt{node: p.mk(), Token: retTok})
	}
	valueRes := p.expression()
	if valueRes.IsErr() {
		return ResErr[Stmt](valueRes.Err)
	}
	return ResOk[Stmt](&ReturnStmt{node: p.mk(), Token: retTok, Value: valueRes.Value})
}

func (p *Parser) runStatement() Result[Stmt] {
	runTok := p.advance()
	nameRes := p.consume(TokenIdent, "Expected module name after 'run'")
	if nameRes.IsErr() {
		return ResErr[Stmt](nameRes.Err)
	}
	return ResOk[Stmt](&RunStmt{node: p.mk(), Token: runTok, Module: nameRes.Value})
}

func (p *Parser) expression() Result[Expr] {
	return p.comparison()
}

// Comparisons do not chain: `a < b < c` is a syntax error.
func (p *Parser) comparison() Result[Expr] {
	leftRes := p.additive()
	if leftRes.IsErr() {
		return leftRes
	}
	if p.match(TokenGT, TokenLT, TokenEQ) {
		opTok := p.previous()
		rightRes := p.additive()
		if rightRes.IsErr() {
			return rightRes
		}
		return ResOk[Expr](&BinaryOp{node: p.mk(), Token: opTok, Left: leftRes.Value, Op: opTok.Kind, Right: rightRes.Value})
	}
	return leftRes
}

func (p *Parser) additive() Result[Expr] {
	return p.binaryLevel(p.multiplicative, TokenPlus, TokenMinus)
}

func (p *Parser) multiplicative() Result[Expr] {
	return p.binaryLevel(p.unary, TokenMul, TokenDiv, TokenMod)
}

func (p *Parser) binaryLevel(operand func() Result[Expr], ops ...TokenType) Result[Expr] {
	leftRes := operand()
	if leftRes.IsErr() {
		return leftRes
	}
	expr := leftRes.Value
	for p.match(ops...) {
		opTok := p.previous()
		rightRes := operand()
		if rightRes.IsErr() {
			return rightRes
		}
		expr = &BinaryOp{node: p.mk(), Token: opTok, Left: expr, Op: opTok.Kind, Right: rightRes.Value}
	}
	return ResOk(expr)
}

func (p *Parser) unary() Result[Expr] {
	if p.match(TokenPlus, TokenMinus) {
		opTok := p.previous()
		operandRes := p.unary()
		if operandRes.IsErr() {
			return operandRes
		}
		return ResOk[Expr](&UnaryOp{node: p.mk(), Token: opTok, Op: opTok.Kind, Operand: operandRes.Value})
	}
	return p.call()
}

func (p *Parser) call() Result[Expr] {
	exprRes := p.primary()
	if exprRes.IsErr() {
		return exprRes
	}
	expr := exprRes.Value

	for p.match(TokenLParen) {
		parenTok := p.previous()
		args := make([]Expr, 0)
		if !p.check(TokenRParen) {
			for {
				argRes := p.expression()
				if argRes.IsErr() {
					return argRes
				}
				args = append(args, argRes.Value)
				if !p.match(TokenComma) {
					break
				}
			}
		}
		if res := p.consume(TokenRParen, "Expected ')' after arguments"); res.IsErr() {
			return ResErr[Expr](res.Err)
		}
		expr = &CallExpr{node: p.mk(), Token: parenTok, Callee: expr, Arguments: args}
	}
	return ResOk(expr)
}

// isFunctionStart reports whether the '(' at the current position opens a
// parameter list rather than a parenthesized expression.
func (p *Parser) isFunctionStart() bool {
	next := p.peekAt(1)
	if next.Kind == TokenRParen {
		return true
	}
	if next.Kind != TokenIdent {
		return false
	}
	after := p.peekAt(2)
	if after.Kind == TokenComma {
		return true
	}
	return after.Kind == TokenRParen && p.peekAt(3).Kind == TokenArrow
}

func (p *Parser) primary() Result[Expr] {
	tok := p.current()
	switch tok.Kind {
	case TokenNumber:
		p.advance()
		value, err := strconv.ParseInt(tok.Value, 10, 64)
		if err != nil {
			return ResErr[Expr](NewParserError(fmt.Sprintf("Invalid number '%s'", tok.Value), tok.Loc))
		}
		return ResOk[Expr](&NumberLit{node: p.mk(), Token: tok, Value: value})
	case TokenString:
		p.advance()
		return ResOk[Expr](&StringLit{node: p.mk(), Token: tok, Value: tok.Value})
	case TokenIdent:
		p.advance()
		return ResOk[Expr](&VarRef{node: p.mk(), Token: tok, Name: tok.Value})
	case TokenLParen:
		if p.isFunctionStart() {
			return p.functionLit()
		}
		p.advance()
		exprRes := p.expression()
		if exprRes.IsErr() {
			return exprRes
		}
		if res := p.consume(TokenRParen, "Expected ')'"); res.IsErr() {
			return ResErr[Expr](res.Err)
		}
		return exprRes
	}
	return ResErr[Expr](p.errorAt(tok, "Expected expression"))
}

func (p *Parser) functionLit() Result[Expr] {
	parenTok := p.advance()
	params := make([]*Token, 0)
	seen := make(map[string]bool)
	if !p.check(TokenRParen) {
		for {
			paramRes := p.consume(TokenIdent, "Expected parameter name")
			if paramRes.IsErr() {
				return ResErr[Expr](paramRes.Err)
			}
			param := paramRes.Value
			if seen[param.Value] {
				return ResErr[Expr](NewParserError(fmt.Sprintf("Duplicate parameter '%s'", param.Value), param.Loc))
			}
			seen[param.Value] = true
			params = append(params, param)
			if !p.match(TokenComma) {
				break
			}
		}
	}
	if res := p.consume(TokenRParen, "Expected ')' after parameters"); res.IsErr() {
		return ResErr[Expr](res.Err)
	}
	if res := p.consume(TokenArrow, "Expected '=>' after parameters"); res.IsErr() {
		return ResErr[Expr](res.Err)
	}

	bodyRes := p.block("end")
	if bodyRes.IsErr() {
		return ResErr[Expr](bodyRes.Err)
	}
	endTok := p.advance()
	return ResOk[Expr](&FunctionLit{node: p.mk(), Token: parenTok, Params: params, Body: bodyRes.Value, EndToken: endTok})
}

// Parse tokenizes and parses source in one step.
func Parse(srcName, source string) Result[*Program] {
	lexRes := NewLexer(srcName, source).Tokenize()
	if lexRes.IsErr() {
		return ResErr[*Program](lexRes.Err)
	}
	return NewParser(lexRes.Value).Parse()
}
