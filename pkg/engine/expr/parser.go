package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/directived/pkg/domain"
)

var (
	// ErrSyntax indicates the source could not be parsed.
	ErrSyntax = errors.New("syntax error")
)

// SyntaxError carries the position of a parse failure.
type SyntaxError struct {
	Pos domain.Position
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s at %s: %s", ErrSyntax, e.Pos, e.Msg)
}

func (e *SyntaxError) Is(target error) bool { return target == ErrSyntax }

// binaryOperators maps infix tokens to the operator they desugar to.
var binaryOperators = map[TokenType]string{
	TokenPlus:    "add",
	TokenMinus:   "sub",
	TokenStar:    "mul",
	TokenSlash:   "div",
	TokenPercent: "mod",
	TokenEq:      "eq",
	TokenNeq:     "ne",
	TokenLt:      "lt",
	TokenLte:     "le",
	TokenGt:      "gt",
	TokenGte:     "ge",
	TokenAnd:     "and",
	TokenOr:      "or",
}

// Parse parses a complete standalone expression.
func Parse(src string) (domain.Expression, error) {
	p := NewParser(src)
	e, err := p.ParseExpression()
	if err != nil {
		return nil, err
	}
	if p.Cur().Type != TokenEOF {
		return nil, p.Errorf("unexpected %s after expression", p.Cur())
	}
	return e, nil
}

// Parser is a recursive descent parser over a token stream. Callers that
// parse larger grammars (such as directive blocks) drive it with Cur,
// Advance and Expect and delegate to ParseExpression for values.
type Parser struct {
	lex  *lexer
	cur  Token
	peek Token
}

// NewParser returns a parser positioned on the first token of src.
func NewParser(src string) *Parser {
	p := &Parser{lex: newLexer(src)}
	p.Advance()
	p.Advance()
	return p
}

// Cur returns the current token.
func (p *Parser) Cur() Token { return p.cur }

// Peek returns the token after the current one.
func (p *Parser) Peek() Token { return p.peek }

// Advance moves to the next token.
func (p *Parser) Advance() {
	p.cur = p.peek
	p.peek = p.lex.nextToken()
}

// Expect checks the current token type and consumes it.
func (p *Parser) Expect(tt TokenType) (Token, error) {
	tok := p.cur
	if tok.Type == TokenIllegal {
		return tok, &SyntaxError{Pos: tok.Pos, Msg: tok.Literal}
	}
	if tok.Type != tt {
		return tok, &SyntaxError{Pos: tok.Pos, Msg: fmt.Sprintf("expected %s, got %s", tt, tok)}
	}
	p.Advance()
	return tok, nil
}

// Errorf builds a SyntaxError at the current token.
func (p *Parser) Errorf(format string, args ...any) error {
	if p.cur.Type == TokenIllegal {
		return &SyntaxError{Pos: p.cur.Pos, Msg: p.cur.Literal}
	}
	return &SyntaxError{Pos: p.cur.Pos, Msg: fmt.Sprintf(format, args...)}
}

// ParseExpression parses one expression starting at the current token and
// stops at the first token that cannot continue it.
func (p *Parser) ParseExpression() (domain.Expression, error) {
	return p.parseCoalesce()
}

func (p *Parser) parseCoalesce() (domain.Expression, error) {
	left, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.Type != TokenCoalesce {
		return left, nil
	}
	at := p.cur.Pos
	p.Advance()
	right, err := p.parseCoalesce()
	if err != nil {
		return nil, err
	}
	if ref, ok := left.(*domain.VariableRef); ok && ref.Default == nil {
		return domain.NewVariableRef(ref.Path, right, ref.At), nil
	}
	return domain.NewOperatorCall("default", []domain.Expression{left, right}, at), nil
}

func (p *Parser) parseOr() (domain.Expression, error) {
	return p.parseBinary(p.parseAnd, TokenOr)
}

func (p *Parser) parseAnd() (domain.Expression, error) {
	return p.parseBinary(p.parseComparison, TokenAnd)
}

func (p *Parser) parseComparison() (domain.Expression, error) {
	return p.parseBinary(p.parseAdditive, TokenEq, TokenNeq, TokenGt, TokenGte, TokenLt, TokenLte)
}

func (p *Parser) parseAdditive() (domain.Expression, error) {
	return p.parseBinary(p.parseMultiplicative, TokenPlus, TokenMinus)
}

func (p *Parser) parseMultiplicative() (domain.Expression, error) {
	return p.parseBinary(p.parseUnary, TokenStar, TokenSlash, TokenPercent)
}

// parseBinary parses a left associative chain of the given operators.
func (p *Parser) parseBinary(next func() (domain.Expression, error), ops ...TokenType) (domain.Expression, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for containsToken(ops, p.cur.Type) {
		op := p.cur
		p.Advance()
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = domain.NewOperatorCall(binaryOperators[op.Type], []domain.Expression{left, right}, op.Pos)
	}
	return left, nil
}

func containsToken(set []TokenType, tt TokenType) bool {
	for _, s := range set {
		if s == tt {
			return true
		}
	}
	return false
}

func (p *Parser) parseUnary() (domain.Expression, error) {
	switch p.cur.Type {
	case TokenNot:
		at := p.cur.Pos
		p.Advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return domain.NewOperatorCall("not", []domain.Expression{operand}, at), nil
	case TokenMinus:
		at := p.cur.Pos
		p.Advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := operand.(*domain.Literal); ok {
			if neg, ok := negateLiteral(lit.Value); ok {
				return domain.NewLiteral(neg, at), nil
			}
		}
		return domain.NewOperatorCall("neg", []domain.Expression{operand}, at), nil
	}
	return p.parsePrimary()
}

func negateLiteral(v domain.Value) (domain.Value, bool) {
	switch v.Type() {
	case domain.TypeInt:
		i, _ := v.AsInt()
		return domain.Int(-i), true
	case domain.TypeFloat:
		f, _ := v.AsFloat()
		return domain.Float(-f), true
	case domain.TypeDuration:
		d, _ := v.AsDuration()
		return domain.Duration(-d), true
	}
	return v, false
}

func (p *Parser) parsePrimary() (domain.Expression, error) {
	tok := p.cur
	switch tok.Type {
	case TokenIdent:
		p.Advance()
		return domain.NewVariableRef(strings.Split(tok.Literal, "."), nil, tok.Pos), nil
	case TokenInt:
		p.Advance()
		i, err := strconv.ParseInt(tok.Literal, 10, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: tok.Pos, Msg: fmt.Sprintf("invalid integer %q", tok.Literal)}
		}
		return domain.NewLiteral(domain.Int(i), tok.Pos), nil
	case TokenFloat:
		p.Advance()
		f, err := strconv.ParseFloat(tok.Literal, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: tok.Pos, Msg: fmt.Sprintf("invalid number %q", tok.Literal)}
		}
		return domain.NewLiteral(domain.Float(f), tok.Pos), nil
	case TokenDuration:
		p.Advance()
		d, err := time.ParseDuration(tok.Literal)
		if err != nil {
			return nil, &SyntaxError{Pos: tok.Pos, Msg: fmt.Sprintf("invalid duration %q", tok.Literal)}
		}
		return domain.NewLiteral(domain.Duration(d), tok.Pos), nil
	case TokenString:
		p.Advance()
		return domain.NewLiteral(domain.String(tok.Literal), tok.Pos), nil
	case TokenBool:
		p.Advance()
		return domain.NewLiteral(domain.Bool(strings.EqualFold(tok.Literal, "true")), tok.Pos), nil
	case TokenNull:
		p.Advance()
		return domain.NewLiteral(domain.Null(), tok.Pos), nil
	case TokenAt:
		return p.parseCall()
	case TokenLBracket:
		return p.parseList()
	case TokenLParen:
		p.Advance()
		inner, err := p.ParseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.Expect(TokenRParen); err != nil {
			return nil, err
		}
		return inner, nil
	default:
		return nil, p.Errorf("unexpected %s", tok)
	}
}

// parseCall parses @name(arg, ...). The parentheses may be omitted for
// operators without arguments, as in @now.
func (p *Parser) parseCall() (domain.Expression, error) {
	at := p.cur.Pos
	p.Advance()
	name, err := p.Expect(TokenIdent)
	if err != nil {
		return nil, err
	}
	if strings.Contains(name.Literal, ".") {
		return nil, &SyntaxError{Pos: name.Pos, Msg: fmt.Sprintf("invalid operator name %q", name.Literal)}
	}
	var args []domain.Expression
	if p.cur.Type == TokenLParen {
		args, err = p.parseArgs(TokenLParen, TokenRParen)
		if err != nil {
			return nil, err
		}
	}
	return domain.NewOperatorCall(name.Literal, args, at), nil
}

func (p *Parser) parseList() (domain.Expression, error) {
	at := p.cur.Pos
	elems, err := p.parseArgs(TokenLBracket, TokenRBracket)
	if err != nil {
		return nil, err
	}
	return domain.NewListExpr(elems, at), nil
}

// parseArgs parses a comma separated expression list between open and close.
// A trailing comma is accepted.
func (p *Parser) parseArgs(open, closing TokenType) ([]domain.Expression, error) {
	if _, err := p.Expect(open); err != nil {
		return nil, err
	}
	var out []domain.Expression
	for p.cur.Type != closing {
		e, err := p.ParseExpression()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if p.cur.Type != TokenComma {
			break
		}
		p.Advance()
	}
	if _, err := p.Expect(closing); err != nil {
		return nil, err
	}
	return out, nil
}
