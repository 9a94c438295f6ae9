// Package notification builds the "you are being called" message for a
// patient, turns it into a messaging deep link and hands it to a LinkOpener.
// Delivery is best effort: nothing is stored and nothing is retried.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// TemplatePatientCalled is sent when a doctor calls a patient.
const TemplatePatientCalled = "patient-called"

// Template defines a reusable message template.
type Template struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Body string `json:"body"`
}

// TemplateEngine manages message templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.templates[TemplatePatientCalled] = &Template{
		ID:   TemplatePatientCalled,
		Name: "Patient Called",
		Body: "Hello {{name}}, the doctor is ready to see you now. Please proceed to the consultation room.",
	}
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (string, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %q not found", templateID)
	}

	body := t.Body
	for k, v := range data {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	return body, nil
}

// ---------------------------------------------------------------------------
// Phone numbers and links
// ---------------------------------------------------------------------------

// DefaultCountryCode is prefixed to bare 10-digit numbers.
const DefaultCountryCode = "91"

// NormalizePhone strips every non-digit character and prefixes countryCode
// when exactly ten digits remain.
func NormalizePhone(phone, countryCode string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 {
		return countryCode + digits
	}
	return digits
}

// DeepLink returns the wa.me link that opens a chat with recipient prefilled
// with text.
func DeepLink(recipient, text string) string {
	return "https://wa.me/" + recipient + "?" + url.Values{"text": {text}}.Encode()
}

// ---------------------------------------------------------------------------
// Openers
// ---------------------------------------------------------------------------

// Message is a rendered notification ready to be opened.
type Message struct {
	Name      string `json:"name"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	Link      string `json:"link"`
}

// LinkOpener delivers a message to the external messaging service.
type LinkOpener interface {
	Open(ctx context.Context, msg Message) error
}

// LogOpener only logs the link. Used when no gateway is configured; the
// console opens the link returned in the call response itself.
type LogOpener struct {
	Logger zerolog.Logger
}

func (o LogOpener) Open(_ context.Context, msg Message) error {
	o.Logger.Info().Str("recipient", msg.Recipient).Str("link", msg.Link).Msg("patient called")
	return nil
}

// GatewayOpener posts messages to an HTTP messaging gateway.
type GatewayOpener struct {
	client *resty.Client
}

// NewGatewayOpener creates a GatewayOpener for the gateway at baseURL. token,
// when set, is sent as a bearer token.
func NewGatewayOpener(baseURL, token string) *GatewayOpener {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &GatewayOpener{client: client}
}

func (o *GatewayOpener) Open(ctx context.Context, msg Message) error {
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(msg).
		Post("/messages")
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

var (
	ErrDisabled = errors.New("notifications are disabled")
	ErrNoPhone  = errors.New("no phone number")
)

// Dispatcher renders called-patient messages and passes them to an opener.
type Dispatcher struct {
	templates   *TemplateEngine
	opener      LinkOpener
	countryCode string
	enabled     func() bool
	logger      zerolog.Logger
}

// NewDispatcher creates a Dispatcher. enabled is consulted on every call so
// the console toggle takes effect immediately; nil means always enabled.
func NewDispatcher(opener LinkOpener, countryCode string, enabled func() bool, logger zerolog.Logger) *Dispatcher {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &Dispatcher{
		templates:   NewTemplateEngine(),
		opener:      opener,
		countryCode: countryCode,
		enabled:     enabled,
		logger:      logger.With().Str("component", "notification").Logger(),
	}
}

// Enabled reports whether notifications are currently switched on.
func (d *Dispatcher) Enabled() bool {
	return d.enabled()
}

// Compose renders the called-patient message for name and phone.
func (d *Dispatcher) Compose(name, phone string) (Message, error) {
	recipient := NormalizePhone(phone, d.countryCode)
	if recipient == "" {
		return Message{}, ErrNoPhone
	}
	text, err := d.templates.Render(TemplatePatientCalled, map[string]string{"name": name})
	if err != nil {
		return Message{}, err
	}
	return Message{
		Name:      name,
		Recipient: recipient,
		Text:      text,
		Link:      DeepLink(recipient, text),
	}, nil
}

// Link returns the deep link for a called patient, or "" when notifications
// are off or the phone number is unusable.
func (d *Dispatcher) Link(name, phone string) string {
	if !d.enabled() {
		return ""
	}
	msg, err := d.Compose(name, phone)
	if err != nil {
		return ""
	}
	return msg.Link
}

// NotifyCalled composes the message and opens it.
func (d *Dispatcher) NotifyCalled(ctx context.Context, name, phone string) error {
	if !d.enabled() {
		return ErrDisabled
	}
	msg, err := d.Compose(name, phone)
	if err != nil {
		return err
	}
	if err := d.opener.Open(ctx, msg); err != nil {
		return fmt.Errorf("open link for %s: %w", msg.Recipient, err)
	}
	d.logger.Debug().Str("recipient", msg.Recipient).Msg("notification sent")
	return nil
}
