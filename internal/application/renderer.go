package application

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

type MessageTemplate struct {
	Title string
	Body  string
}

func DefaultTemplates() map[domain.EventType]MessageTemplate {
	answer := MessageTemplate{
		Title: "New answer to your question",
		Body:  `Your question "{{str .Payload.questionTitle}}" has a new answer.`,
	}
	return map[domain.EventType]MessageTemplate{
		domain.EventAnswerCreated: answer,
		domain.EventAnswerPosted:  answer,
	}
}

type compiledTemplate struct {
	title *template.Template
	body  *template.Template
}

// Renderer turns an event into channel content using one template pair per
// event type, with a generic fallback.
type Renderer struct {
	templates map[domain.EventType]compiledTemplate
	fallback  compiledTemplate
}

var templateFuncs = template.FuncMap{
	"str": func(v any) string {
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	},
}

func NewRenderer(templates map[domain.EventType]MessageTemplate) (*Renderer, error) {
	r := &Renderer{templates: make(map[domain.EventType]compiledTemplate, len(templates))}

	fallback, err := compile("fallback", MessageTemplate{
		Title: "{{.Event.Type}}",
		Body:  "You have a new {{.Event.Type}} notification.",
	})
	if err != nil {
		return nil, err
	}
	r.fallback = fallback

	for eventType, tmpl := range templates {
		c, err := compile(string(eventType), tmpl)
		if err != nil {
			return nil, err
		}
		r.templates[eventType] = c
	}
	return r, nil
}

func compile(name string, tmpl MessageTemplate) (compiledTemplate, error) {
	title, err := template.New(name + ".title").Funcs(templateFuncs).Parse(tmpl.Title)
	if err != nil {
		return compiledTemplate{}, fmt.Errorf("parse %s title template: %w", name, err)
	}
	body, err := template.New(name + ".body").Funcs(templateFuncs).Parse(tmpl.Body)
	if err != nil {
		return compiledTemplate{}, fmt.Errorf("parse %s body template: %w", name, err)
	}
	return compiledTemplate{title: title, body: body}, nil
}

type renderData struct {
	Event     domain.DomainEvent
	Payload   map[string]any
	Recipient domain.Recipient
}

func (r *Renderer) Render(event domain.DomainEvent, recipient domain.Recipient, rec *domain.NotificationRecord) (domain.Message, error) {
	payload, err := event.PayloadMap()
	if err != nil {
		return domain.Message{}, err
	}

	c, ok := r.templates[event.Type]
	if !ok {
		c = r.fallback
	}

	data := renderData{Event: event, Payload: payload, Recipient: recipient}
	var title, body bytes.Buffer
	if err := c.title.Execute(&title, data); err != nil {
		return domain.Message{}, fmt.Errorf("render title: %w", err)
	}
	if err := c.body.Execute(&body, data); err != nil {
		return domain.Message{}, fmt.Errorf("render body: %w", err)
	}

	extra := make(map[string]string)
	for k, v := range payload {
		if s, ok := v.(string); ok {
			extra[k] = s
		}
	}

	return domain.Message{
		NotificationID: rec.ID,
		EventID:        event.ID,
		EventType:      event.Type,
		RecipientID:    recipient.ID,
		Address:        recipient.Address,
		Channel:        rec.Channel,
		Title:          title.String(),
		Body:           body.String(),
		Data:           extra,
	}, nil
}
