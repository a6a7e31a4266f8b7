package search

import (
	"fmt"
	"strings"
)

// Node represents a node in the query AST.
type Node interface {
	node() // marker method
	String() string
}

// And requires all of its children.
type And struct {
	Children []Node
}

func (n *And) node() {}
func (n *And) String() string {
	return "(" + joinNodes(n.Children, " AND ") + ")"
}

// Or accepts any of its children.
type Or struct {
	Children []Node
}

func (n *Or) node() {}
func (n *Or) String() string {
	return "(" + joinNodes(n.Children, " OR ") + ")"
}

// Exact is a quoted phrase that must appear verbatim.
type Exact struct {
	Phrase string
}

func (n *Exact) node() {}
func (n *Exact) String() string {
	return fmt.Sprintf("%q", n.Phrase)
}

// Term is a run of adjacent plain words, matched fuzzily. Selector
// tokens (user:, source:) live inside Term text.
type Term struct {
	Text string
}

func (n *Term) node() {}
func (n *Term) String() string {
	return n.Text
}

func joinNodes(nodes []Node, sep string) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}
	return strings.Join(parts, sep)
}

// Parser parses a query string into an AST.
//
// Adjacent plain words fuse into a single Term. Larger units placed
// side by side (phrases, groups) are ANDed. The AND keyword binds
// tighter than OR; adjacency and OR associate left at the same level,
// so `a OR b "x"` groups as `(a OR b) AND "x"`. Nested AND and OR
// nodes flatten.
type Parser struct {
	lexer   *Lexer
	current Token
}

// NewParser creates a new Parser for the given input.
func NewParser(input string) *Parser {
	return &Parser{lexer: NewLexer(input)}
}

// Parse parses the query string and returns the root AST node.
func (p *Parser) Parse() (Node, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}

	if p.current.Type == TokenEOF {
		return nil, fmt.Errorf("empty query")
	}

	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	if p.current.Type != TokenEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d (expected end of query)",
			p.current.Value, p.current.Pos)
	}

	return node, nil
}

// advance moves to the next token.
func (p *Parser) advance() error {
	tok, err := p.lexer.NextToken()
	if err != nil {
		return err
	}
	p.current = tok
	return nil
}

// parseExpr handles the outermost level: OR keywords and adjacency,
// both left-associative.
func (p *Parser) parseExpr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for {
		switch p.current.Type {
		case TokenOr:
			if err := p.advance(); err != nil {
				return nil, err
			}
			right, err := p.parseAnd()
			if err != nil {
				return nil, err
			}
			left = mergeOr(left, right)
		case TokenWord, TokenQuoted, TokenLParen:
			right, err := p.parseAnd()
			if err != nil {
				return nil, err
			}
			left = mergeAnd(left, right)
		default:
			return left, nil
		}
	}
}

// parseAnd handles the explicit AND keyword.
func (p *Parser) parseAnd() (Node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}

	for p.current.Type == TokenAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = mergeAnd(left, right)
	}

	return left, nil
}

// parseFactor parses a quoted phrase, a parenthesized group, or a run
// of adjacent words fused into one Term.
func (p *Parser) parseFactor() (Node, error) {
	switch p.current.Type {
	case TokenQuoted:
		phrase := strings.ToLower(p.current.Value)
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Exact{Phrase: phrase}, nil

	case TokenLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		node, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.current.Type != TokenRParen {
			return nil, fmt.Errorf("expected ')' at position %d, got %s",
				p.current.Pos, p.current.Type.String())
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return node, nil

	case TokenWord:
		var words []string
		for p.current.Type == TokenWord {
			words = append(words, p.current.Value)
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		return &Term{Text: strings.ToLower(strings.Join(words, " "))}, nil

	default:
		return nil, fmt.Errorf("unexpected token %s at position %d",
			p.current.Type.String(), p.current.Pos)
	}
}

// mergeAnd joins two nodes under And, flattening nested And children.
func mergeAnd(left, right Node) Node {
	out := &And{}
	for _, n := range []Node{left, right} {
		if and, ok := n.(*And); ok {
			out.Children = append(out.Children, and.Children...)
		} else {
			out.Children = append(out.Children, n)
		}
	}
	return out
}

// mergeOr joins two nodes under Or, flattening nested Or children.
func mergeOr(left, right Node) Node {
	out := &Or{}
	for _, n := range []Node{left, right} {
		if or, ok := n.(*Or); ok {
			out.Children = append(out.Children, or.Children...)
		} else {
			out.Children = append(out.Children, n)
		}
	}
	return out
}

// Parse is a convenience function that parses a query string.
func Parse(input string) (Node, error) {
	p := NewParser(input)
	return p.Parse()
}

// SearchStrings flattens the AST into the list of candidate-retrieval
// strings: OR branches fan out to separate strings, AND branches join
// the cartesian product of their children's strings.
func SearchStrings(node Node) []string {
	switch n := node.(type) {
	case *Or:
		var out []string
		for _, child := range n.Children {
			out = append(out, SearchStrings(child)...)
		}
		return out
	case *And:
		product := []string{""}
		for _, child := range n.Children {
			parts := SearchStrings(child)
			if len(parts) == 0 {
				continue
			}
			next := make([]string, 0, len(product)*len(parts))
			for _, prefix := range product {
				for _, part := range parts {
					if prefix == "" {
						next = append(next, part)
					} else {
						next = append(next, prefix+" "+part)
					}
				}
			}
			product = next
		}
		return product
	case *Exact:
		return []string{n.Phrase}
	case *Term:
		return []string{n.Text}
	}
	return nil
}
