// Package expr tokenizes directive source and parses dynamic operator
// expressions into domain expression trees.
package expr

import (
	"strings"
	"time"

	"github.com/polisai/directived/pkg/domain"
)

// TokenType classifies a lexical token.
type TokenType int

// Token is one lexical unit with its source position.
type Token struct {
	Type    TokenType
	Literal string
	Pos     domain.Position
}

const (
	TokenIllegal TokenType = iota
	TokenEOF
	TokenIdent
	TokenInt
	TokenFloat
	TokenDuration
	TokenString
	TokenBool
	TokenNull
	TokenAnd
	TokenOr
	TokenNot
	TokenEq
	TokenNeq
	TokenGt
	TokenGte
	TokenLt
	TokenLte
	TokenLParen
	TokenRParen
	TokenLBracket
	TokenRBracket
	TokenLBrace
	TokenRBrace
	TokenComma
	TokenColon
	TokenHash
	TokenAt
	TokenPlus
	TokenMinus
	TokenStar
	TokenSlash
	TokenPercent
	TokenCoalesce
)

var tokenNames = map[TokenType]string{
	TokenIllegal:  "illegal",
	TokenEOF:      "eof",
	TokenIdent:    "identifier",
	TokenInt:      "integer",
	TokenFloat:    "float",
	TokenDuration: "duration",
	TokenString:   "string",
	TokenBool:     "bool",
	TokenNull:     "null",
	TokenAnd:      "&&",
	TokenOr:       "||",
	TokenNot:      "!",
	TokenEq:       "==",
	TokenNeq:      "!=",
	TokenGt:       ">",
	TokenGte:      ">=",
	TokenLt:       "<",
	TokenLte:      "<=",
	TokenLParen:   "(",
	TokenRParen:   ")",
	TokenLBracket: "[",
	TokenRBracket: "]",
	TokenLBrace:   "{",
	TokenRBrace:   "}",
	TokenComma:    ",",
	TokenColon:    ":",
	TokenHash:     "#",
	TokenAt:       "@",
	TokenPlus:     "+",
	TokenMinus:    "-",
	TokenStar:     "*",
	TokenSlash:    "/",
	TokenPercent:  "%",
	TokenCoalesce: "??",
}

func (t TokenType) String() string {
	if n, ok := tokenNames[t]; ok {
		return n
	}
	return "unknown"
}

func (t Token) String() string {
	switch t.Type {
	case TokenEOF:
		return "end of input"
	case TokenIllegal:
		return t.Literal
	case TokenString:
		return `"` + t.Literal + `"`
	}
	return t.Literal
}

type lexer struct {
	input  string
	length int
	pos    int
	line   int
	col    int
}

func newLexer(input string) *lexer {
	return &lexer{input: input, length: len(input), line: 1, col: 1}
}

func (l *lexer) position() domain.Position {
	return domain.Position{Line: l.line, Column: l.col}
}

func (l *lexer) nextToken() Token {
	if tok, ok := l.skipTrivia(); !ok {
		return tok
	}
	at := l.position()
	if l.pos >= l.length {
		return Token{Type: TokenEOF, Pos: at}
	}

	ch := l.input[l.pos]
	single := func(tt TokenType) Token {
		l.advance()
		return Token{Type: tt, Literal: string(ch), Pos: at}
	}
	double := func(tt TokenType, lit string) Token {
		l.advance()
		l.advance()
		return Token{Type: tt, Literal: lit, Pos: at}
	}

	switch ch {
	case '(':
		return single(TokenLParen)
	case ')':
		return single(TokenRParen)
	case '[':
		return single(TokenLBracket)
	case ']':
		return single(TokenRBracket)
	case '{':
		return single(TokenLBrace)
	case '}':
		return single(TokenRBrace)
	case ',':
		return single(TokenComma)
	case ':':
		return single(TokenColon)
	case '#':
		return single(TokenHash)
	case '@':
		return single(TokenAt)
	case '+':
		return single(TokenPlus)
	case '-':
		return single(TokenMinus)
	case '*':
		return single(TokenStar)
	case '/':
		return single(TokenSlash)
	case '%':
		return single(TokenPercent)
	case '!':
		if l.peek() == '=' {
			return double(TokenNeq, "!=")
		}
		return single(TokenNot)
	case '=':
		if l.peek() == '=' {
			return double(TokenEq, "==")
		}
	case '>':
		if l.peek() == '=' {
			return double(TokenGte, ">=")
		}
		return single(TokenGt)
	case '<':
		if l.peek() == '=' {
			return double(TokenLte, "<=")
		}
		return single(TokenLt)
	case '&':
		if l.peek() == '&' {
			return double(TokenAnd, "&&")
		}
	case '|':
		if l.peek() == '|' {
			return double(TokenOr, "||")
		}
	case '?':
		if l.peek() == '?' {
			return double(TokenCoalesce, "??")
		}
	case '\'', '"':
		return l.scanString(at)
	}

	if isDigit(ch) {
		return l.scanNumber(at)
	}

	if isIdentifierStart(ch) {
		return l.scanIdentifier(at)
	}

	l.advance()
	return Token{Type: TokenIllegal, Literal: "unexpected character " + string(ch), Pos: at}
}

// skipTrivia skips whitespace and comments. It returns false with an
// illegal token when a block comment is not terminated.
func (l *lexer) skipTrivia() (Token, bool) {
	for l.pos < l.length {
		switch ch := l.input[l.pos]; {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			l.advance()
		case ch == '/' && l.peek() == '/':
			for l.pos < l.length && l.input[l.pos] != '\n' {
				l.advance()
			}
		case ch == '/' && l.peek() == '*':
			at := l.position()
			l.advance()
			l.advance()
			closed := false
			for l.pos < l.length {
				if l.input[l.pos] == '*' && l.peek() == '/' {
					l.advance()
					l.advance()
					closed = true
					break
				}
				l.advance()
			}
			if !closed {
				return Token{Type: TokenIllegal, Literal: "unterminated comment", Pos: at}, false
			}
		default:
			return Token{}, true
		}
	}
	return Token{}, true
}

func (l *lexer) peek() byte {
	if l.pos+1 >= l.length {
		return 0
	}
	return l.input[l.pos+1]
}

func (l *lexer) advance() byte {
	if l.pos >= l.length {
		return 0
	}
	ch := l.input[l.pos]
	l.pos++
	if ch == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return ch
}

// scanNumber reads an integer, a float or a duration literal such as 30s,
// 1.5h or 1h30m.
func (l *lexer) scanNumber(at domain.Position) Token {
	start := l.pos
	hasDot := false

	for l.pos < l.length {
		ch := l.input[l.pos]
		if ch == '.' {
			if hasDot || !isDigit(l.peek()) {
				break
			}
			hasDot = true
			l.advance()
			continue
		}
		if !isDigit(ch) {
			break
		}
		l.advance()
	}

	if l.pos < l.length && isLetter(l.input[l.pos]) {
		for l.pos < l.length && (isLetter(l.input[l.pos]) || isDigit(l.input[l.pos]) || l.input[l.pos] == '.') {
			l.advance()
		}
		literal := l.input[start:l.pos]
		if _, err := time.ParseDuration(literal); err != nil {
			return Token{Type: TokenIllegal, Literal: "invalid duration " + literal, Pos: at}
		}
		return Token{Type: TokenDuration, Literal: literal, Pos: at}
	}

	literal := l.input[start:l.pos]
	if hasDot {
		return Token{Type: TokenFloat, Literal: literal, Pos: at}
	}
	return Token{Type: TokenInt, Literal: literal, Pos: at}
}

func (l *lexer) scanIdentifier(at domain.Position) Token {
	start := l.pos
	for l.pos < l.length {
		ch := l.input[l.pos]
		if ch == '.' {
			// a path separator must be followed by another segment
			if !isIdentifierPart(l.peek()) {
				break
			}
			l.advance()
			continue
		}
		if isIdentifierPart(ch) {
			l.advance()
			continue
		}
		break
	}
	literal := l.input[start:l.pos]
	switch strings.ToLower(literal) {
	case "true", "false":
		return Token{Type: TokenBool, Literal: literal, Pos: at}
	case "null":
		return Token{Type: TokenNull, Literal: literal, Pos: at}
	}
	return Token{Type: TokenIdent, Literal: literal, Pos: at}
}

func (l *lexer) scanString(at domain.Position) Token {
	quote := l.advance()
	var builder strings.Builder
	escaped := false

	for l.pos < l.length {
		ch := l.advance()
		if escaped {
			switch ch {
			case 'n':
				builder.WriteByte('\n')
			case 't':
				builder.WriteByte('\t')
			case 'r':
				builder.WriteByte('\r')
			default:
				builder.WriteByte(ch)
			}
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == quote {
			return Token{Type: TokenString, Literal: builder.String(), Pos: at}
		}
		builder.WriteByte(ch)
	}

	return Token{Type: TokenIllegal, Literal: "unterminated string", Pos: at}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isLetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentifierStart(ch byte) bool {
	return isLetter(ch) || ch == '_'
}

// isIdentifierPart admits '-' so header names such as x-api-key can be
// addressed directly; subtraction therefore needs surrounding spaces.
func isIdentifierPart(ch byte) bool {
	return isIdentifierStart(ch) || isDigit(ch) || ch == '-'
}
