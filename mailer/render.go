package mailer

import (
	"fmt"
	"strings"

	"github.com/osteele/liquid"
)

// CampaignHeader carries the campaign id on every outgoing message
const CampaignHeader = "X-Campaign-ID"

var engine = newEngine()

func newEngine() *liquid.Engine {
	e := liquid.NewEngine()
	// {{ name | default: "there" }}
	e.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return fallback
		}
		return value
	})
	return e
}

// Compiled is a parsed subject and body, reusable across recipients
type Compiled struct {
	subject *liquid.Template
	html    *liquid.Template
}

// Compile parses subject and html once per campaign
func Compile(subject, html string) (*Compiled, error) {
	s, err := engine.ParseString(subject)
	if err != nil {
		return nil, fmt.Errorf("parsing subject: %w", err)
	}
	h, err := engine.ParseString(html)
	if err != nil {
		return nil, fmt.Errorf("parsing body: %w", err)
	}
	return &Compiled{subject: s, html: h}, nil
}

// Render substitutes recipient fields into subject and body
func (c *Compiled) Render(vars map[string]interface{}) (string, string, error) {
	subject, err := c.subject.RenderString(vars)
	if err != nil {
		return "", "", fmt.Errorf("rendering subject: %w", err)
	}
	html, err := c.html.RenderString(vars)
	if err != nil {
		return "", "", fmt.Errorf("rendering body: %w", err)
	}
	return subject, html, nil
}

// RecipientVars builds the bindings available to templates
func RecipientVars(name, email string) map[string]interface{} {
	first := strings.TrimSpace(name)
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	return map[string]interface{}{
		"name":       strings.TrimSpace(name),
		"first_name": first,
		"email":      email,
	}
}
