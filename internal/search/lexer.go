// Package search implements the query language and the two-stage search
// pipeline over the post store.
//
// The query language supports:
//   - Plain words: adjacent words form one term, matched fuzzily
//   - Quoted phrases: "remote code execution" must appear verbatim
//   - Boolean operators: OR, AND (adjacency already means AND)
//   - Parentheses for grouping: (emotet OR qakbot) loader
//   - Selector tokens inside terms: user:<prefix>, source:<prefix>
//   - Inline commands: !strict, !debug, !distinct:90, !min_score:15,
//     !count:40, !from:2025-01-01, !to:2025-01-31, !age:7
//
// Stage one retrieves candidates through the store's full-text index
// restricted to the hard date window; stage two scores them with a
// token-set ratio against the post's search document, applies tag and
// date penalties plus the query-shape adjustment, and orders by score
// then recency. Results are cached by the canonical query.
package search

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType represents the type of a lexer token.
type TokenType int

const (
	TokenEOF    TokenType = iota
	TokenWord             // any run of non-space, non-paren characters
	TokenQuoted           // double-quoted phrase
	TokenAnd              // AND (case-sensitive keyword)
	TokenOr               // OR (case-sensitive keyword)
	TokenLParen           // (
	TokenRParen           // )
)

// String returns the string representation of a TokenType.
func (t TokenType) String() string {
	switch t {
	case TokenEOF:
		return "EOF"
	case TokenWord:
		return "WORD"
	case TokenQuoted:
		return "QUOTED"
	case TokenAnd:
		return "AND"
	case TokenOr:
		return "OR"
	case TokenLParen:
		return "("
	case TokenRParen:
		return ")"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// Token represents a single token from the lexer.
type Token struct {
	Type  TokenType
	Value string
	Pos   int // position in input string
}

// Lexer tokenizes a query string.
type Lexer struct {
	input string
	pos   int
	width int // width of last rune read
}

// NewLexer creates a new Lexer for the given input string.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// next returns the next rune and advances position.
func (l *Lexer) next() rune {
	if l.pos >= len(l.input) {
		l.width = 0
		return 0
	}
	r := rune(l.input[l.pos])
	l.width = 1
	l.pos += l.width
	return r
}

// peek returns the next rune without advancing.
func (l *Lexer) peek() rune {
	if l.pos >= len(l.input) {
		return 0
	}
	return rune(l.input[l.pos])
}

// backup steps back one rune.
func (l *Lexer) backup() {
	l.pos -= l.width
}

// skipWhitespace skips whitespace characters.
func (l *Lexer) skipWhitespace() {
	for {
		r := l.next()
		if r == 0 || !unicode.IsSpace(r) {
			l.backup()
			return
		}
	}
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() (Token, error) {
	l.skipWhitespace()

	startPos := l.pos
	r := l.next()

	if r == 0 {
		return Token{Type: TokenEOF, Pos: startPos}, nil
	}

	switch r {
	case '(':
		return Token{Type: TokenLParen, Value: "(", Pos: startPos}, nil
	case ')':
		return Token{Type: TokenRParen, Value: ")", Pos: startPos}, nil
	case '"':
		return l.readQuoted(startPos)
	default:
		l.backup()
		return l.readWord(startPos)
	}
}

// readQuoted reads a double-quoted phrase, handling backslash escapes.
func (l *Lexer) readQuoted(startPos int) (Token, error) {
	var sb strings.Builder
	for {
		r := l.next()
		switch r {
		case 0:
			return Token{}, fmt.Errorf("unterminated phrase starting at position %d", startPos)
		case '"':
			return Token{Type: TokenQuoted, Value: sb.String(), Pos: startPos}, nil
		case '\\':
			escaped := l.next()
			if escaped == 0 {
				return Token{}, fmt.Errorf("unterminated escape at position %d", l.pos-1)
			}
			sb.WriteRune(escaped)
		default:
			sb.WriteRune(r)
		}
	}
}

// readWord reads a run of characters up to whitespace or a paren. The
// bare words AND and OR are keywords; their lowercase forms are not.
func (l *Lexer) readWord(startPos int) (Token, error) {
	var sb strings.Builder
	for {
		r := l.next()
		if r == 0 || unicode.IsSpace(r) || r == '(' || r == ')' {
			l.backup()
			break
		}
		sb.WriteRune(r)
	}

	value := sb.String()
	switch value {
	case "AND":
		return Token{Type: TokenAnd, Value: value, Pos: startPos}, nil
	case "OR":
		return Token{Type: TokenOr, Value: value, Pos: startPos}, nil
	}
	return Token{Type: TokenWord, Value: value, Pos: startPos}, nil
}

// Tokenize returns all tokens from the input.
func (l *Lexer) Tokenize() ([]Token, error) {
	var tokens []Token
	for {
		tok, err := l.NextToken()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF {
			break
		}
	}
	return tokens, nil
}
