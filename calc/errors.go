package calc

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

type Error interface {
	error
	GetLocation() Loc
}

type ErrorType int

const (
	ErrorRuntime ErrorType = iota
	ErrorLexer
	ErrorParser
	ErrorCompile
)

func (t ErrorType) String() string {
	return []string{
		"RuntimeError",
		"LexerError",
		"ParserError",
		"CompileError",
	}[t]
}

type CalcError struct {
	Type ErrorType
	Msg  string
	Loc  Loc
}

func (e *CalcError) Error() string {
	if e.Loc.FileName != "" {
		return fmt.Sprintf("%s: %s at %s:%s", e.Type.String(), e.Msg, e.Loc.FileName, e.Loc.String())
	}
	return fmt.Sprintf("%s: %s", e.Type.String(), e.Msg)
}

func (e *CalcError) GetLocation() Loc {
	return e.Loc
}

// ShowSource renders the error followed by the offending line and a caret
// underline.
func (e *CalcError) ShowSource(source string) string {
	return showSource(e.Error(), e.Loc, source)
}

func showSource(msg string, loc Loc, source string) string {
	lines := strings.Split(source, "\n")
	if loc.Line <= 0 || loc.Line > len(lines) {
		return msg
	}
	width := 1
	if loc.Start >= 0 && loc.End <= len(source) && loc.End > loc.Start {
		width = max(utf8.RuneCountInString(source[loc.Start:loc.End]), 1)
	}
	col := loc.Col - 1
	if col < 0 {
		col = 0
	}
	underline := strings.Repeat(" ", col) + strings.Repeat("^", width)
	return fmt.Sprintf("%s\n%s\n%s", msg, lines[loc.Line-1], underline)
}

func NewLexerError(msg string, loc Loc) *CalcError {
	return &CalcError{Type: ErrorLexer, Msg: msg, Loc: loc}
}

func NewParserError(msg string, loc Loc) *CalcError {
	return &CalcError{Type: ErrorParser, Msg: msg, Loc: loc}
}

func NewCompileError(msg string, loc Loc) *CalcError {
	return &CalcError{Type: ErrorCompile, Msg: msg, Loc: loc}
}

func NewRuntimeError(msg string, loc Loc) *CalcError {
	return &CalcError{Type: ErrorRuntime, Msg: msg, Loc: loc}
}

// UnsupportedConstructError reports a node kind the emitter cannot compile.
type UnsupportedConstructError struct {
	Construct string
	Loc       Loc
}

func (e *UnsupportedConstructError) Error() string {
	if e.Loc.Line > 0 {
		return fmt.Sprintf("CompileError: unsupported construct %s at %s:%s", e.Construct, e.Loc.FileName, e.Loc.String())
	}
	return fmt.Sprintf("CompileError: unsupported construct %s", e.Construct)
}

func (e *UnsupportedConstructError) GetLocation() Loc {
	return e.Loc
}

func (e *UnsupportedConstructError) ShowSource(source string) string {
	return showSource(e.Error(), e.Loc, source)
}

// Internal invariant violations. These indicate a compiler bug, never a
// problem with the program being compiled.
var (
	ErrScopeNotFound  = errors.New("no scope found for node")
	ErrOrphanScope    = errors.New("scope chain does not reach owner")
	ErrUnknownBinding = errors.New("variable has no binding class")
	ErrUnboundLabel   = errors.New("label was never bound")
)

// IsInternal reports whether err is one of the invariant violations above.
func IsInternal(err error) bool {
	return errors.Is(err, ErrScopeNotFound) ||
		errors.Is(err, ErrOrphanScope) ||
		errors.Is(err, ErrUnknownBinding) ||
		errors.Is(err, ErrUnboundLabel)
}

type Result[T any] struct {
	Value T
	Err   Error
}

func ResOk[T any](value T) Result[T] {
	return Result[T]{Value: value, Err: nil}
}

func ResErr[T any](err Error) Result[T] {
	return Result[T]{Err: err}
}

func (r Result[T]) IsOk() bool {
	return r.Err == nil
}

func (r Result[T]) IsErr() bool {
	return r.Err != nil
}
