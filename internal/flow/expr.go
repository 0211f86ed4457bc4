package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ExprEnv resolves variable paths and whitelisted predicates during
// evaluation. Unknown paths resolve to nil, which is falsy.
type ExprEnv interface {
	Lookup(path string) (any, bool)
	Predicate(ctx context.Context, name string, arg any) (bool, error)
}

// Expr is a parsed condition. Conditions are parsed once at graph load and
// evaluated per step; there is no string interpretation at runtime.
type Expr interface {
	Eval(ctx context.Context, env ExprEnv) (any, error)
}

type literalExpr struct{ value any }

func (e literalExpr) Eval(context.Context, ExprEnv) (any, error) { return e.value, nil }

type pathExpr struct{ path string }

func (e pathExpr) Eval(_ context.Context, env ExprEnv) (any, error) {
	v, _ := env.Lookup(e.path)
	return v, nil
}

type notExpr struct{ operand Expr }

func (e notExpr) Eval(ctx context.Context, env ExprEnv) (any, error) {
	v, err := e.operand.Eval(ctx, env)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

type binaryExpr struct {
	op          string
	left, right Expr
}

func (e binaryExpr) Eval(ctx context.Context, env ExprEnv) (any, error) {
	left, err := e.left.Eval(ctx, env)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case "&&":
		if !Truthy(left) {
			return false, nil
		}
		right, err := e.right.Eval(ctx, env)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case "||":
		if Truthy(left) {
			return true, nil
		}
		right, err := e.right.Eval(ctx, env)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	right, err := e.right.Eval(ctx, env)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	}
	return nil, fmt.Errorf("flow: unsupported operator %q", e.op)
}

type callExpr struct {
	name string
	arg  string
}

func (e callExpr) Eval(ctx context.Context, env ExprEnv) (any, error) {
	value, _ := env.Lookup(e.arg)
	ok, err := env.Predicate(ctx, e.name, value)
	if err != nil {
		return nil, fmt.Errorf("flow: predicate %s: %w", e.name, err)
	}
	return ok, nil
}

// Truthy reports the mini-language's boolean coercion: nil and zero values
// are false, non-empty strings and collections are true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	return false
}

// token kinds
const (
	tokenEOF = iota
	tokenPath
	tokenIdent
	tokenString
	tokenNumber
	tokenOp
	tokenLParen
	tokenRParen
	tokenBang
)

type token struct {
	kind int
	text string
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokenEOF}, nil
	}

	rest := l.input[l.pos:]
	switch {
	case strings.HasPrefix(rest, "{{"):
		end := strings.Index(rest, "}}")
		if end < 0 {
			return token{}, fmt.Errorf("flow: unterminated {{ in %q", l.input)
		}
		path := strings.TrimSpace(rest[2:end])
		if path == "" {
			return token{}, fmt.Errorf("flow: empty path in %q", l.input)
		}
		l.pos += end + 2
		return token{kind: tokenPath, text: path}, nil
	case strings.HasPrefix(rest, "=="), strings.HasPrefix(rest, "!="),
		strings.HasPrefix(rest, "&&"), strings.HasPrefix(rest, "||"):
		l.pos += 2
		return token{kind: tokenOp, text: rest[:2]}, nil
	case rest[0] == '!':
		l.pos++
		return token{kind: tokenBang, text: "!"}, nil
	case rest[0] == '(':
		l.pos++
		return token{kind: tokenLParen}, nil
	case rest[0] == ')':
		l.pos++
		return token{kind: tokenRParen}, nil
	case rest[0] == '"' || rest[0] == '\'':
		quote := rest[0]
		end := strings.IndexByte(rest[1:], quote)
		if end < 0 {
			return token{}, fmt.Errorf("flow: unterminated string in %q", l.input)
		}
		l.pos += end + 2
		return token{kind: tokenString, text: rest[1 : end+1]}, nil
	}

	if rest[0] == '-' || unicode.IsDigit(rune(rest[0])) {
		i := 1
		for i < len(rest) && (unicode.IsDigit(rune(rest[i])) || rest[i] == '.') {
			i++
		}
		l.pos += i
		return token{kind: tokenNumber, text: rest[:i]}, nil
	}

	if isIdentStart(rune(rest[0])) {
		i := 1
		for i < len(rest) && isIdentPart(rune(rest[i])) {
			i++
		}
		l.pos += i
		return token{kind: tokenIdent, text: rest[:i]}, nil
	}

	return token{}, fmt.Errorf("flow: unexpected character %q in %q", rest[0], l.input)
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

type parser struct {
	tokens []token
	pos    int
}

// ParseExpr parses a condition string into an AST. Grammar, loosest first:
// or → and ("||" and)*; and → cmp ("&&" cmp)*; cmp → unary (("=="|"!=") unary)?;
// unary → "!" unary | primary; primary → literal | path | call | "(" or ")".
func ParseExpr(input string) (Expr, error) {
	lex := &lexer{input: input}
	var tokens []token
	for {
		tok, err := lex.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.kind == tokenEOF {
			break
		}
	}

	p := &parser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokenEOF {
		return nil, fmt.Errorf("flow: trailing input in condition %q", input)
	}
	return expr, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOp && p.peek().text == "||" {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOp && p.peek().text == "&&" {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokenOp && (p.peek().text == "==" || p.peek().text == "!=") {
		op := p.advance().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return binaryExpr{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peek().kind == tokenBang {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.advance()
	switch tok.kind {
	case tokenPath:
		return pathExpr{path: tok.text}, nil
	case tokenString:
		return literalExpr{value: tok.text}, nil
	case tokenNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("flow: bad number %q: %w", tok.text, err)
		}
		return literalExpr{value: f}, nil
	case tokenLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.advance().kind != tokenRParen {
			return nil, fmt.Errorf("flow: missing closing parenthesis")
		}
		return inner, nil
	case tokenIdent:
		switch tok.text {
		case "true":
			return literalExpr{value: true}, nil
		case "false":
			return literalExpr{value: false}, nil
		case "null":
			return literalExpr{value: nil}, nil
		}
		// A predicate call, or a bare variable path.
		if p.peek().kind == tokenLParen {
			p.advance()
			arg := p.advance()
			if arg.kind != tokenIdent && arg.kind != tokenPath {
				return nil, fmt.Errorf("flow: predicate %s: argument must be a variable", tok.text)
			}
			if p.advance().kind != tokenRParen {
				return nil, fmt.Errorf("flow: predicate %s: missing closing parenthesis", tok.text)
			}
			return callExpr{name: tok.text, arg: arg.text}, nil
		}
		return pathExpr{path: tok.text}, nil
	}
	return nil, fmt.Errorf("flow: unexpected token in condition")
}
