// Package template compiles message bodies into placeholder tokens and
// renders them against recipient fields.
//
// Two placeholder syntaxes are understood:
//
//	{{field}}  strict: replaced by the recipient field whose name matches
//	           case-insensitively; left untouched when there is no such field
//	{alias}    restricted: only name, phone and var1..var6; renders empty
//	           when the field is absent
//
// Any other brace text is literal.
package template

import (
	"sort"
	"strings"
	"sync"
)

// TokenKind classifies a compiled token.
type TokenKind int

const (
	TokenLiteral TokenKind = iota
	TokenField
	TokenAlias
)

// Token is one piece of a compiled body.
type Token struct {
	Kind TokenKind
	// Text is the literal text, or for placeholders the original source
	// text (used when a strict field is missing).
	Text string
	// Name is the placeholder name (trimmed; lower-cased for aliases).
	Name string
}

var aliases = map[string]bool{
	"name": true, "phone": true,
	"var1": true, "var2": true, "var3": true,
	"var4": true, "var5": true, "var6": true,
}

// IsAlias reports whether name is one of the restricted aliases.
func IsAlias(name string) bool {
	return aliases[strings.ToLower(name)]
}

// Compiled is a parsed template body.
type Compiled struct {
	tokens []Token
}

// Compile parses body. It never fails: malformed placeholders are literal.
func Compile(body string) *Compiled {
	var (
		tokens []Token
		lit    strings.Builder
	)
	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, Token{Kind: TokenLiteral, Text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(body); {
		if strings.HasPrefix(body[i:], "{{") {
			if end := strings.Index(body[i+2:], "}}"); end >= 0 {
				inner := body[i+2 : i+2+end]
				name := strings.TrimSpace(inner)
				if name != "" && !strings.ContainsAny(inner, "{}") {
					flush()
					src := body[i : i+2+end+2]
					tokens = append(tokens, Token{Kind: TokenField, Text: src, Name: name})
					i += len(src)
					continue
				}
			}
		} else if body[i] == '{' {
			if end := strings.IndexByte(body[i+1:], '}'); end >= 0 {
				name := body[i+1 : i+1+end]
				if IsAlias(name) {
					flush()
					src := body[i : i+1+end+1]
					tokens = append(tokens, Token{Kind: TokenAlias, Text: src, Name: strings.ToLower(name)})
					i += len(src)
					continue
				}
			}
		}
		lit.WriteByte(body[i])
		i++
	}
	flush()
	return &Compiled{tokens: tokens}
}

// Tokens returns a copy of the compiled tokens.
func (c *Compiled) Tokens() []Token {
	return append([]Token(nil), c.tokens...)
}

// Render substitutes placeholders from fields.
func (c *Compiled) Render(fields map[string]string) string {
	var b strings.Builder
	for _, tok := range c.tokens {
		switch tok.Kind {
		case TokenLiteral:
			b.WriteString(tok.Text)
		case TokenField:
			if v, ok := lookupFold(fields, tok.Name); ok {
				b.WriteString(v)
			} else {
				b.WriteString(tok.Text)
			}
		case TokenAlias:
			if v, ok := lookupFold(fields, tok.Name); ok {
				b.WriteString(v)
			}
		}
	}
	return b.String()
}

// lookupFold prefers an exact key and otherwise takes the first
// case-insensitive match in key order, so output is deterministic.
func lookupFold(fields map[string]string, name string) (string, bool) {
	if v, ok := fields[name]; ok {
		return v, true
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if strings.EqualFold(k, name) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", false
	}
	sort.Strings(keys)
	return fields[keys[0]], true
}

// Cache memoizes compiled bodies.
type Cache struct {
	mu       sync.RWMutex
	compiled map[string]*Compiled
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{compiled: make(map[string]*Compiled)}
}

// Get returns the compiled form of body.
func (c *Cache) Get(body string) *Compiled {
	c.mu.RLock()
	cp, ok := c.compiled[body]
	c.mu.RUnlock()
	if ok {
		return cp
	}

	cp = Compile(body)
	c.mu.Lock()
	c.compiled[body] = cp
	c.mu.Unlock()
	return cp
}
