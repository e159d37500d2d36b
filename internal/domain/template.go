package domain

// TemplateContent is the subject and body of a template.
type TemplateContent struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// TemplateDefinition is a template as served by the template collaborator.
type TemplateDefinition struct {
	Slug    string `json:"slug"`
	Locale  string `json:"locale"`
	Version int    `json:"version"`
	TemplateContent
	// Channels holds optional per-channel overrides of the default content.
	Channels map[Channel]TemplateContent `json:"channels,omitempty"`
}

// ContentFor returns the content to render for a channel.
func (t *TemplateDefinition) ContentFor(ch Channel) TemplateContent {
	if c, ok := t.Channels[ch]; ok && c.Body != "" {
		return c
	}
	return t.TemplateContent
}

// RenderedMessage is a template rendered for one request and channel.
type RenderedMessage struct {
	TemplateSlug string  `json:"template_slug"`
	Locale       string  `json:"locale,omitempty"`
	Subject      string  `json:"subject,omitempty"`
	Body         string  `json:"body"`
	Channel      Channel `json:"channel"`
}
