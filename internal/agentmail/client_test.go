package agentmail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ar-collect/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPostsToInbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/inboxes/messages", r.URL.Path)
		assert.Equal(t, "Bearer am_key", r.Header.Get("Authorization"))
		var body sendBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "collections@inbox", body.InboxID)
		assert.Equal(t, []string{"ap@vendor.com"}, body.To)
		assert.Equal(t, "<p>Hi &amp; thanks</p>", body.HTML)
		_, _ = w.Write([]byte(`{"message_id":"m-1"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "am_key", InboxID: "collections@inbox"}, logging.Discard(), nil)
	res, err := c.Send(context.Background(), Message{To: "ap@vendor.com", Subject: "Invoice", Text: "Hi & thanks"})
	require.NoError(t, err)
	assert.Equal(t, "m-1", res.MessageID)
}

func TestSendFailureIsDeliveryFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"}, logging.Discard(), nil)
	_, err := c.Send(context.Background(), Message{To: "x@y.z", Text: "hello"})
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	unconfigured := New(Config{BaseURL: srv.URL}, logging.Discard(), nil)
	_, err = unconfigured.Send(context.Background(), Message{To: "x@y.z"})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestBodies(t *testing.T) {
	text, html := Bodies("<b>Pay</b> now", "")
	assert.Equal(t, "Pay now", text)
	assert.Equal(t, "<b>Pay</b> now", html)

	text, html = Bodies("line one\nline two\n\nsecond", "")
	assert.Equal(t, "line one\nline two\n\nsecond", text)
	assert.Equal(t, "<p>line one<br>line two</p><p>second</p>", html)
}
