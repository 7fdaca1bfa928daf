// Package render substitutes {var} placeholders and expands {a|b|c}
// spin-text alternatives in blast templates.
package render

import (
	"math/rand"
	"strings"
	"sync"
)

// Renderer expands templates. The random source drives spin-text choices;
// inject a seeded source for deterministic output.
type Renderer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a renderer from the given random source.
func New(src rand.Source) *Renderer {
	return &Renderer{rng: rand.New(src)}
}

// Render expands template against vars. It never fails: unknown variables
// become empty strings and malformed braces stay literal.
func (r *Renderer) Render(template string, vars map[string]string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.render(template, vars)
}

func (r *Renderer) render(s string, vars map[string]string) string {
	var out strings.Builder
	out.Grow(len(s))

	for i := 0; i < len(s); {
		if s[i] != '{' {
			out.WriteByte(s[i])
			i++
			continue
		}

		end := matchBrace(s, i)
		if end < 0 {
			// unbalanced open brace stays literal
			out.WriteByte('{')
			i++
			continue
		}

		inner := s[i+1 : end]
		out.WriteString(r.expand(inner, vars))
		i = end + 1
	}

	return out.String()
}

// expand resolves one brace group: a spin choice, a variable, or literal.
func (r *Renderer) expand(inner string, vars map[string]string) string {
	if alts := splitAlternatives(inner); alts != nil {
		pick := alts[r.rng.Intn(len(alts))]
		return r.render(pick, vars)
	}

	if isVarName(inner) {
		return vars[inner] // absent names render empty
	}

	// neither spin nor variable: keep the braces, still expand the inside
	return "{" + r.render(inner, vars) + "}"
}

// matchBrace returns the index of the '}' closing the '{' at open,
// or -1 if unbalanced.
func matchBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitAlternatives splits inner on top-level pipes. Returns nil when there
// is no top-level pipe (not a spin group). Alternatives may be empty.
func splitAlternatives(inner string) []string {
	var alts []string
	depth, start := 0, 0
	found := false
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '{':
			depth++
		case '}':
			depth--
		case '|':
			if depth == 0 {
				alts = append(alts, inner[start:i])
				start = i + 1
				found = true
			}
		}
	}
	if !found {
		return nil
	}
	return append(alts, inner[start:])
}

// isVarName reports whether s matches [A-Za-z_][A-Za-z0-9_]*.
func isVarName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
