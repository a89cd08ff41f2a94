package calc

import (
	"fmt"
	"slices"
)

type TokenType int

var KeywordConsts = []string{
	"if", "then", "else", "end", "while", "do", "return", "run",
}

func IsKeyword(s string) bool {
	return slices.Contains(KeywordConsts, s)
}

const (
	TokenNumber TokenType = iota
	TokenString
	TokenIdent
	TokenKeyword
	TokenLParen
	TokenRParen
	TokenComma
	TokenSemiColon
	TokenPlus
	TokenMinus
	TokenMul
	TokenDiv
	TokenMod
	TokenGT
	TokenLT
	TokenEQ
	TokenAssign
	TokenArrow
	TokenEOF
)

func (t TokenType) String() string {
	return []string{
		"TokenNumber",
		"TokenString",
		"TokenIdent",
		"TokenKeyword",
		"TokenLParen",
		"TokenRParen",
		"TokenComma",
		"TokenSemiColon",
		"TokenPlus",
		"TokenMinus",
		"TokenMul",
		"TokenDiv",
		"TokenMod",
		"TokenGT",
		"TokenLT",
		"TokenEQ",
		"TokenAssign",
		"TokenArrow",
		"TokenEOF",
	}[t]
}

// Loc is a source span. Start and End are byte offsets, End exclusive.
type Loc struct {
	FileName string `json:"fileName"`
	Line     int    `json:"line"`
	Col      int    `json:"col"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

func (l Loc) String() string {
	if l.End > l.Start+1 {
		return fmt.Sprintf("%d:%d-%d", l.Line, l.Col, l.Col+l.End-l.Start-1)
	}
	return fmt.Sprintf("%d:%d", l.Line, l.Col)
}

// Span joins two locations into one covering both.
func (l Loc) Span(other Loc) Loc {
	if other.End > l.End {
		l.End = other.End
	}
	return l
}

type Token struct {
	Kind  TokenType `json:"kind"`
	Value string    `json:"value"`
	Loc   Loc       `json:"loc"`
}

func (t Token) GetFileLoc() string {
	return fmt.Sprintf("%s:%s", t.Loc.FileName, t.Loc.String())
}

func (t Token) IsKeyword(value string) bool {
	return t.Kind == TokenKeyword && t.Value == value
}

func (t Token) String() string {
	return fmt.Sprintf("%s %s", t.Kind, t.Value)
}
