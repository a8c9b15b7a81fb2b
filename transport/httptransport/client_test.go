package httptransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/gateway"
	"github.com/c0deZ3R0/go-state-sync/logging"
	"github.com/c0deZ3R0/go-state-sync/topic"
)

func TestClient_RoundTrip(t *testing.T) {
	srv, rec := newTestServer(t)
	c := NewClient(srv.URL, "main-7", nil, logging.Discard()).Gateway()
	ctx := context.Background()

	theme := topic.ThemeSystem
	require.NoError(t, c.Update(ctx, topic.UIPreferencesTopic, topic.UIPreferencesPatch{Theme: &theme}))
	assert.Equal(t, "main-7", rec.last().SourceID)

	snap, err := c.GetSnapshot(ctx, topic.UIPreferencesTopic)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Revision)
	p, err := snap.Decode()
	require.NoError(t, err)
	assert.Equal(t, topic.ThemeSystem, p.(topic.UIPreferences).Theme)
}

func TestClient_ValidationErrorSurvivesHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	c := NewClient(srv.URL, "main", nil, logging.Discard()).Gateway()

	bad := "Ctrl+"
	err := c.Update(context.Background(), topic.AppConfigTopic, topic.AppConfigPatch{Hotkey: &bad})
	assert.True(t, syncErrors.IsValidation(err), "got %v", err)
}

func TestClient_CompressedRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	inv := NewClient(srv.URL, "main", nil, logging.Discard())
	inv.options.GzipMinBytes = 1

	model := strings.Repeat("whisper-", 8)
	c := inv.Gateway()
	require.NoError(t, c.Update(context.Background(), topic.STTConfigTopic, topic.STTConfigPatch{Model: &model}))

	snap, err := c.GetSnapshot(context.Background(), topic.STTConfigTopic)
	require.NoError(t, err)
	p, _ := snap.Decode()
	assert.Equal(t, model, p.(topic.STTConfig).Model)
}

func TestClient_UnknownCommandIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	inv := NewClient(srv.URL, "main", nil, logging.Discard())

	raw, err := inv.Invoke(context.Background(), "get_window_geometry_snapshot", nil)
	require.NoError(t, err, "the error result is returned for the caller to check")
	_, err = gateway.CheckResult(raw)
	assert.True(t, syncErrors.IsNotFound(err))
}

func TestClient_TransportErrors(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	url := down.URL
	down.Close()

	c := NewClient(url, "main", nil, logging.Discard()).Gateway()
	_, err := c.GetSnapshot(context.Background(), topic.AppConfigTopic)
	assert.True(t, syncErrors.IsTransport(err), "got %v", err)
	assert.True(t, syncErrors.IsRetryable(err))

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer broken.Close()
	c = NewClient(broken.URL, "main", nil, logging.Discard()).Gateway()
	_, err = c.GetSnapshot(context.Background(), topic.AppConfigTopic)
	assert.True(t, syncErrors.IsTransport(err), "got %v", err)

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	c = NewClient(slow.URL, "main", nil, logging.Discard(), WithClientTimeout(50*time.Millisecond)).Gateway()
	_, err = c.GetSnapshot(context.Background(), topic.AppConfigTopic)
	assert.True(t, syncErrors.IsTransport(err), "got %v", err)
}

func TestClientOptions_Validate(t *testing.T) {
	assert.NoError(t, DefaultClientOptions().Validate())
	assert.Error(t, (&ClientOptions{MaxResponseSize: 0}).Validate())
	assert.Error(t, (&ClientOptions{MaxResponseSize: 1, GzipMinBytes: -1}).Validate())
}
