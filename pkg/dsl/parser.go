package dsl

import "fmt"

// NodeKind tags the AST union.
type NodeKind string

const (
	NodeIdentifier NodeKind = "identifier"
	NodeLiteral    NodeKind = "literal"
	NodeArray      NodeKind = "array"
	NodeBinary     NodeKind = "binary"
	NodeNot        NodeKind = "not"
)

// Node is a tagged-union AST node. Fields are populated per kind:
//
//	identifier: Name
//	literal:    Value (string, float64, bool, or nil)
//	array:      Elems
//	binary:     Op, Left, Right
//	not:        Operand
type Node struct {
	Kind    NodeKind
	Name    string
	Value   interface{}
	Elems   []*Node
	Op      string
	Left    *Node
	Right   *Node
	Operand *Node
}

// ParserError reports an unexpected token and what was expected instead.
type ParserError struct {
	Token    Token
	Expected string
}

func (e *ParserError) Error() string {
	if e.Token.Type == TokenEOF {
		return fmt.Sprintf("parser error: unexpected end of expression, expected %s", e.Expected)
	}
	return fmt.Sprintf("parser error at position %d: unexpected %q, expected %s",
		e.Token.Position, e.Token.Value, e.Expected)
}

type parser struct {
	tokens []Token
	pos    int
}

// Parse builds an AST from a token stream. The stream must contain at least
// one expression and end at EOF; trailing tokens are an error.
func Parse(tokens []Token) (*Node, error) {
	if len(tokens) == 0 || tokens[0].Type == TokenEOF {
		return nil, &ParserError{Token: Token{Type: TokenEOF}, Expected: "expression"}
	}

	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().Type != TokenEOF {
		return nil, &ParserError{Token: p.peek(), Expected: "end of expression"}
	}
	return node, nil
}

func (p *parser) peek() Token {
	if p.pos >= len(p.tokens) {
		return Token{Type: TokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() Token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) parseOr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: NodeBinary, Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (*Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: NodeBinary, Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (*Node, error) {
	if p.peek().Type == TokenNot {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: NodeNot, Operand: operand}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[TokenType]string{
	TokenEq:   "==",
	TokenNeq:  "!=",
	TokenGte:  ">=",
	TokenLte:  "<=",
	TokenGt:   ">",
	TokenLt:   "<",
	TokenIn:   "IN",
	TokenLike: "LIKE",
}

func (p *parser) parseComparison() (*Node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	op, ok := comparisonOps[p.peek().Type]
	if !ok {
		return left, nil
	}
	p.next()

	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return &Node{Kind: NodeBinary, Op: op, Left: left, Right: right}, nil
}

func (p *parser) parsePrimary() (*Node, error) {
	t := p.peek()
	switch t.Type {
	case TokenIdent:
		p.next()
		return &Node{Kind: NodeIdentifier, Name: t.Value}, nil
	case TokenString:
		p.next()
		return &Node{Kind: NodeLiteral, Value: t.Value}, nil
	case TokenNumber:
		p.next()
		return &Node{Kind: NodeLiteral, Value: parseNumber(t.Value)}, nil
	case TokenTrue:
		p.next()
		return &Node{Kind: NodeLiteral, Value: true}, nil
	case TokenFalse:
		p.next()
		return &Node{Kind: NodeLiteral, Value: false}, nil
	case TokenNull:
		p.next()
		return &Node{Kind: NodeLiteral, Value: nil}, nil
	case TokenLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().Type != TokenRParen {
			return nil, &ParserError{Token: p.peek(), Expected: `")"`}
		}
		p.next()
		return inner, nil
	case TokenLBracket:
		return p.parseArray()
	default:
		return nil, &ParserError{Token: t, Expected: "expression"}
	}
}

func (p *parser) parseArray() (*Node, error) {
	p.next() // consume '['
	node := &Node{Kind: NodeArray}

	if p.peek().Type == TokenRBracket {
		p.next()
		return node, nil
	}

	for {
		elem, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		node.Elems = append(node.Elems, elem)

		switch p.peek().Type {
		case TokenComma:
			p.next()
		case TokenRBracket:
			p.next()
			return node, nil
		default:
			return nil, &ParserError{Token: p.peek(), Expected: `"," or "]"`}
		}
	}
}
