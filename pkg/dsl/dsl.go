package dsl

// Compiled is an immutable, compiled expression safe for concurrent use.
type Compiled struct {
	source string
	ast    *Node
}

// Compile tokenizes and parses an expression once so it can be evaluated
// repeatedly without re-parsing.
func Compile(expr string) (*Compiled, error) {
	tokens, err := Tokenize(expr)
	if err != nil {
		return nil, err
	}
	ast, err := Parse(tokens)
	if err != nil {
		return nil, err
	}
	return &Compiled{source: expr, ast: ast}, nil
}

// Evaluate runs the compiled expression against a context map.
func (c *Compiled) Evaluate(context map[string]interface{}) (bool, error) {
	return Evaluate(c.ast, context)
}

// Source returns the original expression text.
func (c *Compiled) Source() string {
	return c.source
}

// AST returns the parsed tree. Callers must not mutate it.
func (c *Compiled) AST() *Node {
	return c.ast
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
	AST   *Node  `json:"-"`
}

// Validate reports whether an expression parses, without evaluating it.
func Validate(expr string) ValidationResult {
	compiled, err := Compile(expr)
	if err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	return ValidationResult{Valid: true, AST: compiled.ast}
}
