// Package dsl implements the embedded boolean expression language used
// inside policy conditions and ad-hoc governance rules: a lexer, a
// recursive-descent parser, and a total evaluator over a nested context map.
//
// Grammar, lowest precedence first: OR < AND < NOT < comparison (== != >=
// <= > < IN LIKE) < primary (identifier | string | number | TRUE | FALSE |
// NULL | parenthesized expression | array literal). Keywords are
// case-insensitive.
package dsl

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType tags lexed tokens.
type TokenType string

const (
	TokenIdent    TokenType = "IDENT"
	TokenString   TokenType = "STRING"
	TokenNumber   TokenType = "NUMBER"
	TokenEq       TokenType = "=="
	TokenNeq      TokenType = "!="
	TokenGte      TokenType = ">="
	TokenLte      TokenType = "<="
	TokenGt       TokenType = ">"
	TokenLt       TokenType = "<"
	TokenLParen   TokenType = "("
	TokenRParen   TokenType = ")"
	TokenLBracket TokenType = "["
	TokenRBracket TokenType = "]"
	TokenComma    TokenType = ","
	TokenAnd      TokenType = "AND"
	TokenOr       TokenType = "OR"
	TokenNot      TokenType = "NOT"
	TokenIn       TokenType = "IN"
	TokenLike     TokenType = "LIKE"
	TokenTrue     TokenType = "TRUE"
	TokenFalse    TokenType = "FALSE"
	TokenNull     TokenType = "NULL"
	TokenEOF      TokenType = "EOF"
)

var keywords = map[string]TokenType{
	"AND": TokenAnd, "OR": TokenOr, "NOT": TokenNot,
	"IN": TokenIn, "LIKE": TokenLike,
	"TRUE": TokenTrue, "FALSE": TokenFalse, "NULL": TokenNull,
}

// Token is one lexed token with its source position.
type Token struct {
	Type     TokenType
	Value    string
	Position int
}

// LexerError reports an unlexable input with its byte position.
type LexerError struct {
	Position int
	Message  string
}

func (e *LexerError) Error() string {
	return fmt.Sprintf("lexer error at position %d: %s", e.Position, e.Message)
}

// Tokenize lexes an expression into a token stream terminated by EOF.
func Tokenize(input string) ([]Token, error) {
	var tokens []Token
	runes := []rune(input)
	i := 0

	for i < len(runes) {
		r := runes[i]

		if unicode.IsSpace(r) {
			i++
			continue
		}

		switch {
		case r == '\'' || r == '"':
			str, next, err := lexString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{TokenString, str, i})
			i = next

		case unicode.IsDigit(r), r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1]):
			num, next := lexNumber(runes, i)
			tokens = append(tokens, Token{TokenNumber, num, i})
			i = next

		case unicode.IsLetter(r) || r == '_':
			ident, next := lexIdent(runes, i)
			if kw, ok := keywords[strings.ToUpper(ident)]; ok {
				tokens = append(tokens, Token{kw, strings.ToUpper(ident), i})
			} else {
				tokens = append(tokens, Token{TokenIdent, ident, i})
			}
			i = next

		case r == '=' && i+1 < len(runes) && runes[i+1] == '=':
			tokens = append(tokens, Token{TokenEq, "==", i})
			i += 2
		case r == '!' && i+1 < len(runes) && runes[i+1] == '=':
			tokens = append(tokens, Token{TokenNeq, "!=", i})
			i += 2
		case r == '>' && i+1 < len(runes) && runes[i+1] == '=':
			tokens = append(tokens, Token{TokenGte, ">=", i})
			i += 2
		case r == '<' && i+1 < len(runes) && runes[i+1] == '=':
			tokens = append(tokens, Token{TokenLte, "<=", i})
			i += 2
		case r == '>':
			tokens = append(tokens, Token{TokenGt, ">", i})
			i++
		case r == '<':
			tokens = append(tokens, Token{TokenLt, "<", i})
			i++
		case r == '(':
			tokens = append(tokens, Token{TokenLParen, "(", i})
			i++
		case r == ')':
			tokens = append(tokens, Token{TokenRParen, ")", i})
			i++
		case r == '[':
			tokens = append(tokens, Token{TokenLBracket, "[", i})
			i++
		case r == ']':
			tokens = append(tokens, Token{TokenRBracket, "]", i})
			i++
		case r == ',':
			tokens = append(tokens, Token{TokenComma, ",", i})
			i++

		default:
			return nil, &LexerError{Position: i, Message: fmt.Sprintf("unknown character %q", r)}
		}
	}

	tokens = append(tokens, Token{TokenEOF, "", len(runes)})
	return tokens, nil
}

// lexString consumes a quoted string supporting \\ and quote escapes.
func lexString(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	var sb strings.Builder
	i := start + 1

	for i < len(runes) {
		r := runes[i]
		if r == '\\' && i+1 < len(runes) {
			next := runes[i+1]
			if next == '\\' || next == quote {
				sb.WriteRune(next)
				i += 2
				continue
			}
			sb.WriteRune(r)
			i++
			continue
		}
		if r == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(r)
		i++
	}

	return "", 0, &LexerError{Position: start, Message: "unterminated string"}
}

// lexNumber consumes an integer or decimal literal, optional leading '-'.
func lexNumber(runes []rune, start int) (string, int) {
	i := start
	if runes[i] == '-' {
		i++
	}
	for i < len(runes) && unicode.IsDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1]) {
		i++
		for i < len(runes) && unicode.IsDigit(runes[i]) {
			i++
		}
	}
	return string(runes[start:i]), i
}

// lexIdent consumes an identifier with optional dotted path segments.
func lexIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) {
		r := runes[i]
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			i++
			continue
		}
		// a dot continues the path only when followed by an ident character
		if r == '.' && i+1 < len(runes) && (unicode.IsLetter(runes[i+1]) || runes[i+1] == '_') {
			i++
			continue
		}
		break
	}
	return string(runes[start:i]), i
}
