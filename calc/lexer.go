package calc

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type Lexer struct {
	source   string
	srcName  string
	currIdx  int
	currChar rune
	width    int
	line     int
	col      int
	tokens   []Token
}

func NewLexer(srcName, source string) *Lexer {
	l := &Lexer{
		source:  source,
		srcName: srcName,
		line:    1,
		col:     1,
		tokens:  make([]Token, 0),
	}
	l.decode()
	return l
}

func (l *Lexer) decode() {
	if l.currIdx >= len(l.source) {
		l.currChar, l.width = 0, 0
		return
	}
	l.currChar, l.width = utf8.DecodeRuneInString(l.source[l.currIdx:])
}

func (l *Lexer) advance() {
	if l.currChar == '\n' {
		l.line++
		l.col = 0
	}
	l.currIdx += l.width
	l.col++
	l.decode()
}

func (l *Lexer) hasChar() bool {
	return l.currIdx < len(l.source)
}

func (l *Lexer) peek(offset int) rune {
	idx := l.currIdx + offset
	if idx < len(l.source) {
		r, _ := utf8.DecodeRuneInString(l.source[idx:])
		return r
	}
	return 0
}

// mark records the position of the token about to be scanned.
func (l *Lexer) mark() Loc {
	return Loc{FileName: l.srcName, Line: l.line, Col: l.col, Start: l.currIdx, End: l.currIdx}
}

func (l *Lexer) finish(start Loc) Loc {
	start.End = l.currIdx
	return start
}

func (l *Lexer) addToken(kind TokenType, value string, loc Loc) {
	l.tokens = append(l.tokens, Token{Kind: kind, Value: value, Loc: loc})
}

func (l *Lexer) createError(msg string, loc Loc) Result[[]Token] {
	return ResErr[[]Token](NewLexerError(msg, loc))
}

func (l *Lexer) skipComment() {
	for l.hasChar() && l.currChar != '\n' {
		l.advance()
	}
}

var singleSymbols = map[rune]TokenType{
	'(': TokenLParen,
	')': TokenRParen,
	',': TokenComma,
	';': TokenSemiColon,
	'+': TokenPlus,
	'-': TokenMinus,
	'*': TokenMul,
	'/': TokenDiv,
	'%': TokenMod,
	'>': TokenGT,
	'<': TokenLT,
}

func (l *Lexer) Tokenize() Result[[]Token] {
	for l.hasChar() {
		if unicode.IsSpace(l.currChar) {
			l.advance()
			continue
		}
		if l.currChar == '#' {
			l.skipComment()
			continue
		}

		start := l.mark()
		if tokType, ok := singleSymbols[l.currChar]; ok {
			ch := l.currChar
			l.advance()
			l.addToken(tokType, string(ch), l.finish(start))
			continue
		}

		switch {
		case l.currChar == '=':
			l.advance()
			switch l.currChar {
			case '=':
				l.advance()
				l.addToken(TokenEQ, "==", l.finish(start))
			case '>':
				l.advance()
				l.addToken(TokenArrow, "=>", l.finish(start))
			default:
				l.addToken(TokenAssign, "=", l.finish(start))
			}
		case isDigit(l.currChar):
			l.parseNumber(start)
		case l.currChar == '"':
			if res := l.parseString(start); res.IsErr() {
				return res
			}
		case unicode.IsLetter(l.currChar) || l.currChar == '_':
			l.parseIdent(start)
		default:
			start.End = l.currIdx + l.width
			return l.createError(fmt.Sprintf("Unexpected character '%c'", l.currChar), start)
		}
	}

	l.addToken(TokenEOF, "", l.mark())
	return ResOk(l.tokens)
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func (l *Lexer) parseNumber(start Loc) {
	var sb strings.Builder
	for l.hasChar() && isDigit(l.currChar) {
		sb.WriteRune(l.currChar)
		l.advance()
	}
	l.addToken(TokenNumber, sb.String(), l.finish(start))
}

var stringEscapes = map[rune]rune{
	'n':  '\n',
	't':  '\t',
	'"':  '"',
	'\\': '\\',
}

func (l *Lexer) parseString(start Loc) Result[[]Token] {
	var sb strings.Builder
	l.advance()

	for l.hasChar() && l.currChar != '"' {
		if l.currChar == '\\' {
			l.advance()
			esc, ok := stringEscapes[l.currChar]
			if !ok {
				return l.createError(fmt.Sprintf("Invalid escape sequence '\\%c'", l.currChar), l.finish(start))
			}
			sb.WriteRune(esc)
			l.advance()
			continue
		}
		sb.WriteRune(l.currChar)
		l.advance()
	}

	if !l.hasChar() {
		return l.createError("Unterminated string literal", l.finish(start))
	}
	l.advance()
	l.addToken(TokenString, sb.String(), l.finish(start))
	return ResOk[[]Token](nil)
}

func (l *Lexer) parseIdent(start Loc) {
	var sb strings.Builder
	for l.hasChar() && (unicode.IsLetter(l.currChar) || unicode.IsDigit(l.currChar) || l.currChar == '_') {
		sb.WriteRune(l.currChar)
		l.advance()
	}

	ident := sb.String()
	kind := TokenIdent
	if IsKeyword(ident) {
		kind = TokenKeyword
	}
	l.addToken(kind, ident, l.finish(start))
}
