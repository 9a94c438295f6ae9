package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Template Engine Tests
// ---------------------------------------------------------------------------

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:   "test-tpl",
		Name: "Test Template",
		Body: "Dear {{name}}, your token is {{code}}.",
	})

	body, err := eng.Render("test-tpl", map[string]string{
		"name": "Alice",
		"code": "P0007",
	})
	require.NoError(t, err)
	assert.Equal(t, "Dear Alice, your token is P0007.", body)
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine()
	_, err := eng.Render("nonexistent", nil)
	assert.Error(t, err)
}

func TestTemplateEngine_PatientCalled(t *testing.T) {
	eng := NewTemplateEngine()
	body, err := eng.Render(TemplatePatientCalled, map[string]string{"name": "Ravi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ravi, the doctor is ready to see you now. Please proceed to the consultation room.", body)
}

func TestTemplateEngine_UnknownKeysLeftAsIs(t *testing.T) {
	eng := NewTemplateEngine()
	body, err := eng.Render(TemplatePatientCalled, nil)
	require.NoError(t, err)
	assert.Contains(t, body, "{{name}}")
}

// ---------------------------------------------------------------------------
// Phone and link tests
// ---------------------------------------------------------------------------

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"98765 43210", "919876543210"},
		{"(987) 654-3210", "919876543210"},
		{"+91 98765 43210", "919876543210"},
		{"+1 555 123 4567", "15551234567"},
		{"12345", "12345"},
		{"", ""},
		{"n/a", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in, "91"), "NormalizePhone(%q)", tt.in)
	}
}

func TestDeepLink_EscapesText(t *testing.T) {
	link := DeepLink("919876543210", "Hello Ravi, come in.")
	assert.Equal(t, "https://wa.me/919876543210?text=Hello+Ravi%2C+come+in.", link)
}

func TestDeepLink_QueryReservedCharacters(t *testing.T) {
	d := NewDispatcher(LogOpener{Logger: zerolog.Nop()}, "91", nil, zerolog.Nop())
	link := d.Link("Tom & Jerry+Co=1", "9876543210")

	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "/919876543210", u.Path)
	assert.Equal(t, "Hello Tom & Jerry+Co=1, the doctor is ready to see you now. Please proceed to the consultation room.",
		u.Query().Get("text"))
}

// ---------------------------------------------------------------------------
// Dispatcher tests
// ---------------------------------------------------------------------------

type recordingOpener struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (o *recordingOpener) Open(_ context.Context, msg Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return o.err
}

func TestDispatcher_NotifyCalled(t *testing.T) {
	opener := &recordingOpener{}
	d := NewDispatcher(opener, "", nil, zerolog.Nop())

	require.NoError(t, d.NotifyCalled(context.Background(), "Ravi", "98765-43210"))
	require.Len(t, opener.msgs, 1)
	msg := opener.msgs[0]
	assert.Equal(t, "919876543210", msg.Recipient)
	assert.Equal(t, "Ravi", msg.Name)
	assert.True(t, strings.HasPrefix(msg.Link, "https://wa.me/919876543210?text=Hello%20Ravi"))
}

func TestDispatcher_Disabled(t *testing.T) {
	opener := &recordingOpener{}
	d := NewDispatcher(opener, "91", func() bool { return false }, zerolog.Nop())

	err := d.NotifyCalled(context.Background(), "Ravi", "9876543210")
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Empty(t, opener.msgs)
	assert.Equal(t, "", d.Link("Ravi", "9876543210"))
	assert.False(t, d.Enabled())
}

func TestDispatcher_MissingPhone(t *testing.T) {
	opener := &recordingOpener{}
	d := NewDispatcher(opener, "91", nil, zerolog.Nop())

	err := d.NotifyCalled(context.Background(), "Ravi", "")
	assert.ErrorIs(t, err, ErrNoPhone)
	assert.Empty(t, opener.msgs)
	assert.Equal(t, "", d.Link("Ravi", "---"))
}

func TestDispatcher_OpenerError(t *testing.T) {
	opener := &recordingOpener{err: errors.New("gateway down")}
	d := NewDispatcher(opener, "91", nil, zerolog.Nop())

	err := d.NotifyCalled(context.Background(), "Ravi", "9876543210")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway down")
}

func TestDispatcher_ToggleIsLive(t *testing.T) {
	enabled := false
	d := NewDispatcher(&recordingOpener{}, "91", func() bool { return enabled }, zerolog.Nop())
	assert.Equal(t, "", d.Link("Ravi", "9876543210"))

	enabled = true
	assert.NotEmpty(t, d.Link("Ravi", "9876543210"))
}

// ---------------------------------------------------------------------------
// Opener tests
// ---------------------------------------------------------------------------

func TestGatewayOpener_PostsMessage(t *testing.T) {
	var got Message
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	opener := NewGatewayOpener(srv.URL, "secret")
	msg := Message{Name: "Ravi", Recipient: "919876543210", Text: "hi", Link: DeepLink("919876543210", "hi")}
	require.NoError(t, opener.Open(context.Background(), msg))
	assert.Equal(t, msg, got)
	assert.Equal(t, "Bearer secret", auth)
}

func TestGatewayOpener_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	opener := NewGatewayOpener(srv.URL, "")
	err := opener.Open(context.Background(), Message{Recipient: "919876543210"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestLogOpener(t *testing.T) {
	var buf strings.Builder
	opener := LogOpener{Logger: zerolog.New(&buf)}
	require.NoError(t, opener.Open(context.Background(), Message{Recipient: "919876543210", Link: "https://wa.me/919876543210"}))
	assert.Contains(t, buf.String(), "919876543210")
}
