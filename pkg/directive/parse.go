package directive

import (
	"fmt"

	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine/expr"
)

// block is a parsed but not yet validated directive declaration.
type block struct {
	kind  string
	name  string
	attrs *domain.Attributes
	pos   domain.Position
	// duplicate records the first repeated attribute key, if any
	duplicate *duplicateKey
}

type duplicateKey struct {
	key string
	pos domain.Position
}

// parseSource parses every block of src:
//
//	source := { "#" kind name "{" body "}" }
//	body   := { key ":" value [","] }
//	value  := object | array | expression
func parseSource(src string) ([]block, error) {
	p := expr.NewParser(src)
	var blocks []block
	for p.Cur().Type != expr.TokenEOF {
		b, err := parseBlock(p)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func parseBlock(p *expr.Parser) (block, error) {
	hash, err := p.Expect(expr.TokenHash)
	if err != nil {
		return block{}, err
	}
	kind, err := p.Expect(expr.TokenIdent)
	if err != nil {
		return block{}, err
	}
	name, err := p.Expect(expr.TokenIdent)
	if err != nil {
		return block{}, err
	}
	b := block{kind: kind.Literal, name: name.Literal, pos: hash.Pos}
	attrs, dup, err := parseBody(p)
	if err != nil {
		return block{}, err
	}
	b.attrs = attrs
	b.duplicate = dup
	return b, nil
}

// parseBody parses "{" entries "}". Duplicate keys are reported to the
// caller rather than failing the parse so the error can name the directive.
func parseBody(p *expr.Parser) (*domain.Attributes, *duplicateKey, error) {
	if _, err := p.Expect(expr.TokenLBrace); err != nil {
		return nil, nil, err
	}
	attrs := domain.NewAttributes()
	var dup *duplicateKey
	for p.Cur().Type != expr.TokenRBrace {
		key := p.Cur()
		if key.Type != expr.TokenIdent && key.Type != expr.TokenString {
			return nil, nil, p.Errorf("expected attribute key, got %s", key)
		}
		p.Advance()
		if _, err := p.Expect(expr.TokenColon); err != nil {
			return nil, nil, err
		}
		v, innerDup, err := parseValue(p)
		if err != nil {
			return nil, nil, err
		}
		if dup == nil && innerDup != nil {
			dup = innerDup
		}
		if !attrs.Set(key.Literal, v) && dup == nil {
			dup = &duplicateKey{key: key.Literal, pos: key.Pos}
		}
		if p.Cur().Type == expr.TokenComma {
			p.Advance()
		}
	}
	if _, err := p.Expect(expr.TokenRBrace); err != nil {
		return nil, nil, err
	}
	return attrs, dup, nil
}

func parseValue(p *expr.Parser) (domain.AttributeValue, *duplicateKey, error) {
	at := p.Cur().Pos
	switch p.Cur().Type {
	case expr.TokenLBrace:
		obj, dup, err := parseBody(p)
		if err != nil {
			return domain.AttributeValue{}, nil, err
		}
		return domain.AttributeValue{Kind: domain.AttrObject, Object: obj, At: at}, dup, nil
	case expr.TokenLBracket:
		p.Advance()
		var items []domain.AttributeValue
		var dup *duplicateKey
		for p.Cur().Type != expr.TokenRBracket {
			item, innerDup, err := parseValue(p)
			if err != nil {
				return domain.AttributeValue{}, nil, err
			}
			if dup == nil {
				dup = innerDup
			}
			items = append(items, item)
			if p.Cur().Type != expr.TokenComma {
				break
			}
			p.Advance()
		}
		if _, err := p.Expect(expr.TokenRBracket); err != nil {
			return domain.AttributeValue{}, nil, err
		}
		return domain.AttributeValue{Kind: domain.AttrList, List: items, At: at}, dup, nil
	}
	e, err := p.ParseExpression()
	if err != nil {
		return domain.AttributeValue{}, nil, err
	}
	if lit, ok := e.(*domain.Literal); ok {
		return domain.AttributeValue{Kind: domain.AttrLiteral, Literal: lit.Value, At: at}, nil, nil
	}
	return domain.AttributeValue{Kind: domain.AttrExpression, Expr: e, At: at}, nil, nil
}

// refName extracts a directive reference from an attribute written as a bare
// identifier (chain: [auth_check]) or a string ("auth_check").
func refName(v domain.AttributeValue) (string, error) {
	switch v.Kind {
	case domain.AttrDirectiveRef:
		return v.Ref, nil
	case domain.AttrLiteral:
		if s, ok := v.Literal.AsString(); ok && s != "" {
			return s, nil
		}
	case domain.AttrExpression:
		if ref, ok := v.Expr.(*domain.VariableRef); ok && ref.Default == nil {
			return ref.Dotted(), nil
		}
	}
	return "", fmt.Errorf("expected a directive name")
}
