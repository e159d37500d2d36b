// Package templates resolves and renders notification templates.
package templates

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/bissquit/notification-dispatch/internal/domain"
)

// Template errors.
var (
	ErrTemplateNotFound    = errors.New("template not found")
	ErrTemplateUnavailable = errors.New("template service unavailable")
	ErrTemplateSyntax      = errors.New("template syntax error")
)

// MissingVariableError reports a placeholder with no matching variable.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing variable %q", e.Name)
}

// SyntaxError reports a {{ ... }} token that is not a variable reference.
type SyntaxError struct {
	Token string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s: invalid placeholder %q", ErrTemplateSyntax, e.Token)
}

func (e *SyntaxError) Unwrap() error { return ErrTemplateSyntax }

var variableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Render substitutes variables into the template content for ch.
// Every {{ ... }} token must name a variable that is present. Tokens are
// checked in source order, subject before body.
func Render(def *domain.TemplateDefinition, ch domain.Channel, vars map[string]any) (domain.RenderedMessage, error) {
	content := def.ContentFor(ch)

	subject, err := substitute(content.Subject, vars)
	if err != nil {
		return domain.RenderedMessage{}, err
	}
	body, err := substitute(content.Body, vars)
	if err != nil {
		return domain.RenderedMessage{}, err
	}

	return domain.RenderedMessage{
		TemplateSlug: def.Slug,
		Locale:       def.Locale,
		Subject:      subject,
		Body:         body,
		Channel:      ch,
	}, nil
}

func substitute(text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, openDelim) {
		return text, nil
	}

	var b strings.Builder
	b.Grow(len(text))
	rest := text
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			return "", &SyntaxError{Token: rest[start:]}
		}
		end += start + len(openDelim)

		token := rest[start : end+len(closeDelim)]
		name := strings.TrimSpace(rest[start+len(openDelim) : end])
		if !variableNameRe.MatchString(name) {
			return "", &SyntaxError{Token: token}
		}
		v, ok := vars[name]
		if !ok {
			return "", &MissingVariableError{Name: name}
		}

		b.WriteString(rest[:start])
		b.WriteString(FormatValue(v))
		rest = rest[end+len(closeDelim):]
	}
}

// FormatValue formats a variable value deterministically. Integral numbers
// never use an exponent.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return formatFloat(float64(x), 32)
	case float64:
		return formatFloat(x, 64)
	case json.Number:
		// Integer literals are printed verbatim, whatever their size.
		if lit := x.String(); lit != "" && !strings.ContainsAny(lit, ".eE") {
			return lit
		}
		if f, err := x.Float64(); err == nil {
			return formatFloat(f, 64)
		}
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64, bits int) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'f', -1, bits)
	}
	return strconv.FormatFloat(f, 'g', -1, bits)
}
