package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-state-sync/bus"
	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/gateway"
	"github.com/c0deZ3R0/go-state-sync/logging"
	"github.com/c0deZ3R0/go-state-sync/storage/memory"
	"github.com/c0deZ3R0/go-state-sync/store"
	"github.com/c0deZ3R0/go-state-sync/topic"
)

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) Publish(e bus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newGateway(t *testing.T) (*gateway.Gateway, *store.Store, *recorder) {
	t.Helper()
	rec := &recorder{}
	s, err := store.Open(context.Background(), memory.New(), rec, store.WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return gateway.New(s, gateway.WithLogger(logging.Discard())), s, rec
}

func TestGateway_Commands(t *testing.T) {
	gw, _, _ := newGateway(t)
	assert.Equal(t, []string{
		"get_app_config_snapshot",
		"get_stt_config_snapshot",
		"get_ui_preferences_snapshot",
		"update_app_config",
		"update_stt_config",
		"update_ui_preferences",
	}, gw.Commands())
}

func TestGateway_SnapshotWireForm(t *testing.T) {
	gw, _, _ := newGateway(t)

	raw, err := gw.Invoke(context.Background(), "main", "get_ui_preferences_snapshot", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"revision":"0","data":{"theme":"dark","locale":"ru","fontScale":1,"reduceMotion":false}}`, string(raw))
}

func TestGateway_UpdateReadYourWrites(t *testing.T) {
	gw, _, rec := newGateway(t)
	ctx := context.Background()

	raw, err := gw.Invoke(ctx, "settings", "update_ui_preferences", json.RawMessage(`{"theme":"light"}`))
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
	assert.Equal(t, 1, rec.count(), "the event is enqueued before the update returns")

	raw, err = gw.Invoke(ctx, "settings", "get_ui_preferences_snapshot", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"revision":"1","data":{"theme":"light","locale":"ru","fontScale":1,"reduceMotion":false}}`, string(raw))
}

func TestGateway_ErrorsAsSentinel(t *testing.T) {
	gw, _, rec := newGateway(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		command string
		args    string
		check   func(error) bool
	}{
		{"unknown field", "update_stt_config", `{"volume":3}`, syncErrors.IsValidation},
		{"bad enum", "update_ui_preferences", `{"theme":"sepia"}`, syncErrors.IsValidation},
		{"not an object", "update_app_config", `"beta"`, syncErrors.IsValidation},
		{"unknown command", "delete_everything", `{}`, syncErrors.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := gw.Respond(ctx, "main", tt.command, json.RawMessage(tt.args))

			var body map[string]string
			require.NoError(t, json.Unmarshal(raw, &body))
			assert.NotEmpty(t, body[gateway.ErrorField])

			_, err := gateway.CheckResult(raw)
			require.Error(t, err)
			assert.True(t, tt.check(err), "kind survives the wire: %v", err)
		})
	}
	assert.Equal(t, 0, rec.count())
}

func TestCheckResult(t *testing.T) {
	for _, ok := range []string{`null`, `{"revision":"1","data":{}}`, `[1,2]`, ` "x" `} {
		raw, err := gateway.CheckResult(json.RawMessage(ok))
		require.NoError(t, err, ok)
		assert.Equal(t, ok, string(raw))
	}

	_, err := gateway.CheckResult(json.RawMessage(`{"__error":"disk full","__kind":"persistence"}`))
	assert.True(t, syncErrors.IsPersistence(err))
	assert.Contains(t, err.Error(), "disk full")

	_, err = gateway.CheckResult(json.RawMessage(`{"__error":"boom"}`))
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindOther, syncErrors.KindOf(err))
}

func TestDecodeSnapshot(t *testing.T) {
	snap, err := gateway.DecodeSnapshot(topic.STTConfigTopic,
		json.RawMessage(`{"revision":"18446744073709551615","data":{"provider":"local","language":"auto","model":"","punctuation":true}}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), snap.Revision)
	assert.Equal(t, topic.STTConfigTopic, snap.Topic)

	for _, bad := range []string{
		`{"revision":5,"data":{}}`,
		`{"revision":"-1","data":{}}`,
		`{"revision":"1","data":{"provider":3}}`,
		`[]`,
	} {
		_, err := gateway.DecodeSnapshot(topic.STTConfigTopic, json.RawMessage(bad))
		assert.True(t, syncErrors.IsValidation(err), bad)
	}
}

func TestLocalClient(t *testing.T) {
	gw, s, _ := newGateway(t)
	ctx := context.Background()
	c := gateway.NewLocal(gw, "main")

	channel := topic.ChannelBeta
	require.NoError(t, c.Update(ctx, topic.AppConfigTopic, topic.AppConfigPatch{UpdateChannel: &channel}))

	snap, err := c.GetSnapshot(ctx, topic.AppConfigTopic)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Revision)

	direct, _ := s.Snapshot(topic.AppConfigTopic)
	assert.JSONEq(t, string(direct.Data), string(snap.Data))

	bad := topic.UpdateChannel("nightly")
	err = c.Update(ctx, topic.AppConfigTopic, topic.AppConfigPatch{UpdateChannel: &bad})
	assert.True(t, syncErrors.IsValidation(err))

	err = c.Update(ctx, topic.AppConfigTopic, topic.STTConfigPatch{})
	assert.True(t, syncErrors.IsValidation(err))
}

type failingBackend struct{}

func (failingBackend) Snapshot(topic.Name) (store.Snapshot, error) {
	return store.Snapshot{}, fmt.Errorf("unreachable")
}

func (failingBackend) Update(context.Context, topic.Name, topic.Patch, string) (uint64, error) {
	return 0, syncErrors.NewPersistenceError(syncErrors.OpPersist, fmt.Errorf("disk full"))
}

func TestLocalClient_PersistenceErrorCrossesBoundary(t *testing.T) {
	gw := gateway.New(failingBackend{}, gateway.WithLogger(logging.Discard()))
	c := gateway.NewLocal(gw, "main")

	err := c.Update(context.Background(), topic.UIPreferencesTopic, topic.UIPreferencesPatch{})
	assert.True(t, syncErrors.IsPersistence(err))
	assert.True(t, syncErrors.IsRetryable(err))
}
