package statesync_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	statesync "github.com/c0deZ3R0/go-state-sync"
	"github.com/c0deZ3R0/go-state-sync/bus"
	"github.com/c0deZ3R0/go-state-sync/client"
	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/logging"
	"github.com/c0deZ3R0/go-state-sync/metrics"
	"github.com/c0deZ3R0/go-state-sync/storage/sqlite"
	"github.com/c0deZ3R0/go-state-sync/topic"
)

const waitFor = 5 * time.Second

func ptr[T any](v T) *T { return &v }

// fetchCounter counts successful snapshot fetches per window and topic.
type fetchCounter struct {
	metrics.NoOp
	mu      sync.Mutex
	fetches map[string]int
}

func newFetchCounter() *fetchCounter {
	return &fetchCounter{fetches: make(map[string]int)}
}

func (f *fetchCounter) RecordFetch(window, topic, outcome string) {
	if outcome != metrics.OutcomeOK {
		return
	}
	f.mu.Lock()
	f.fetches[window+"/"+topic]++
	f.mu.Unlock()
}

func (f *fetchCounter) Fetches(window client.Label, name topic.Name) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[string(window)+"/"+string(name)]
}

func newBackend(t *testing.T, builder *statesync.BackendBuilder) *statesync.Backend {
	t.Helper()
	if builder == nil {
		builder = statesync.NewBackendBuilder()
	}
	b, err := builder.WithLogger(logging.Discard()).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func startWindow(t *testing.T, c *client.Client, err error) *client.Client {
	t.Helper()
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	return c
}

func waitSynced(t *testing.T, c *client.Client, name topic.Name, rev uint64) client.TopicState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	st, err := c.WaitFor(ctx, name, func(st client.TopicState) bool {
		return st.HasRevision && st.Revision >= rev && st.Status == client.StatusSynced
	})
	require.NoError(t, err, "window %s did not reach %s@%d", c.Label(), name, rev)
	return st
}

func windows(t *testing.T, b *statesync.Backend, opts ...client.Option) []*client.Client {
	t.Helper()
	var out []*client.Client
	for _, label := range []client.Label{client.LabelMain, client.LabelSettings, client.LabelAuth} {
		c, err := b.NewWindow(label, opts...)
		out = append(out, startWindow(t, c, err))
	}
	return out
}

func TestScenario_ThemeLocaleThenSTT(t *testing.T) {
	b := newBackend(t, nil)
	ws := windows(t, b)
	settings := ws[1]

	require.NoError(t, settings.Update(context.Background(), topic.UIPreferencesPatch{
		Theme:  ptr(topic.ThemeLight),
		Locale: ptr("en"),
	}))

	for _, w := range ws {
		st := waitSynced(t, w, topic.UIPreferencesTopic, 1)
		prefs := st.Payload.(topic.UIPreferences)
		assert.Equal(t, topic.ThemeLight, prefs.Theme, w.Label())
		assert.Equal(t, "en", prefs.Locale, w.Label())
	}

	require.NoError(t, settings.Update(context.Background(), topic.STTConfigPatch{
		Provider: ptr(topic.ProviderBackend),
		Language: ptr("en"),
	}))

	ui, err := b.Store().Snapshot(topic.UIPreferencesTopic)
	require.NoError(t, err)
	for _, w := range ws {
		st := waitSynced(t, w, topic.STTConfigTopic, 1)
		assert.Equal(t, "en", st.Payload.(topic.STTConfig).Language)

		prefs, err := w.State(topic.UIPreferencesTopic)
		require.NoError(t, err)
		assert.Equal(t, ui.Revision, prefs.Revision, "ui-preferences is unaffected")
		assert.Equal(t, ui.Data, prefs.Data)
	}
}

func TestScenario_BurstOfAlternatingUpdates(t *testing.T) {
	counter := newFetchCounter()
	b := newBackend(t, statesync.NewBackendBuilder())
	ws := windows(t, b, client.WithMetrics(counter))

	initial := map[client.Label]map[topic.Name]int{}
	for _, w := range ws {
		initial[w.Label()] = map[topic.Name]int{
			topic.UIPreferencesTopic: counter.Fetches(w.Label(), topic.UIPreferencesTopic),
			topic.STTConfigTopic:     counter.Fetches(w.Label(), topic.STTConfigTopic),
		}
	}

	ctx := context.Background()
	themes := []topic.Theme{topic.ThemeLight, topic.ThemeDark, topic.ThemeSystem}
	languages := []string{"en", "de", "fr"}
	for i := 0; i < 3; i++ {
		_, err := b.Update(ctx, topic.UIPreferencesPatch{Theme: ptr(themes[i])}, "settings")
		require.NoError(t, err)
		_, err = b.Update(ctx, topic.STTConfigPatch{Language: ptr(languages[i])}, "settings")
		require.NoError(t, err)
	}

	wantUI, err := b.Store().Snapshot(topic.UIPreferencesTopic)
	require.NoError(t, err)
	wantSTT, err := b.Store().Snapshot(topic.STTConfigTopic)
	require.NoError(t, err)
	require.Equal(t, uint64(3), wantUI.Revision)
	require.Equal(t, uint64(3), wantSTT.Revision)

	for _, w := range ws {
		ui := waitSynced(t, w, topic.UIPreferencesTopic, 3)
		stt := waitSynced(t, w, topic.STTConfigTopic, 3)
		assert.Equal(t, wantUI.Data, ui.Data, w.Label())
		assert.Equal(t, wantSTT.Data, stt.Data, w.Label())

		for _, name := range []topic.Name{topic.UIPreferencesTopic, topic.STTConfigTopic} {
			reconciles := counter.Fetches(w.Label(), name) - initial[w.Label()][name]
			assert.GreaterOrEqual(t, reconciles, 1)
			assert.LessOrEqual(t, reconciles, 3, "window %s fetched %s more often than it was invalidated", w.Label(), name)
		}
	}
}

func TestIdempotentUnderDuplicateEvents(t *testing.T) {
	b := newBackend(t, nil)
	ws := windows(t, b)

	rev, err := b.Update(context.Background(), topic.AppConfigPatch{AutoPaste: ptr(false)}, "main")
	require.NoError(t, err)
	before := waitSynced(t, ws[0], topic.AppConfigTopic, rev)

	for i := 0; i < 3; i++ {
		b.Hub().Publish(bus.NewEvent(topic.AppConfigTopic, rev, "main"))
	}
	// A later event on another topic proves the duplicates were processed.
	next, err := b.Update(context.Background(), topic.UIPreferencesPatch{ReduceMotion: ptr(true)}, "main")
	require.NoError(t, err)

	for _, w := range ws {
		waitSynced(t, w, topic.UIPreferencesTopic, next)
		st, err := w.State(topic.AppConfigTopic)
		require.NoError(t, err)
		assert.Equal(t, before.Revision, st.Revision)
		assert.Equal(t, before.Data, st.Data)
		assert.Equal(t, client.StatusSynced, st.Status)
	}
}

func TestLateJoin(t *testing.T) {
	b := newBackend(t, nil)
	var rev uint64
	for _, model := range []string{"tiny", "base", "small"} {
		var err error
		rev, err = b.Update(context.Background(), topic.STTConfigPatch{Model: ptr(model)}, "settings")
		require.NoError(t, err)
	}

	late, err := b.NewWindow(client.LabelAuth)
	late = startWindow(t, late, err)
	st := waitSynced(t, late, topic.STTConfigTopic, rev)
	assert.Equal(t, "small", st.Payload.(topic.STTConfig).Model)
}

func TestValidationErrorReachesWindowUnchanged(t *testing.T) {
	b := newBackend(t, nil)
	ws := windows(t, b)

	err := ws[1].Update(context.Background(), topic.UIPreferencesPatch{Theme: ptr(topic.Theme("sepia"))})
	require.Error(t, err)
	assert.True(t, syncErrors.IsValidation(err), "got %v", err)

	snap, err := b.Store().Snapshot(topic.UIPreferencesTopic)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.Revision)
}

func TestRestartContinuesRevisions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	p, err := sqlite.NewWithDataSource(path)
	require.NoError(t, err)
	b, err := statesync.NewBackendBuilder().WithPersister(p).WithLogger(logging.Discard()).Build(ctx)
	require.NoError(t, err)
	_, err = b.Update(ctx, topic.UIPreferencesPatch{Theme: ptr(topic.ThemeLight)}, "settings")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	p, err = sqlite.NewWithDataSource(path)
	require.NoError(t, err)
	b = newBackend(t, statesync.NewBackendBuilder().WithPersister(p))

	snap, err := b.Store().Snapshot(topic.UIPreferencesTopic)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Revision)

	w, err := b.NewWindow(client.LabelMain)
	w = startWindow(t, w, err)
	rev, err := b.Update(ctx, topic.UIPreferencesPatch{Locale: ptr("en")}, "settings")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rev)

	st := waitSynced(t, w, topic.UIPreferencesTopic, rev)
	prefs := st.Payload.(topic.UIPreferences)
	assert.Equal(t, topic.ThemeLight, prefs.Theme)
	assert.Equal(t, "en", prefs.Locale)
}

func TestRemoteWindowsOverHTTP(t *testing.T) {
	b := newBackend(t, nil)
	srv := httptest.NewServer(b.Router(""))
	t.Cleanup(srv.Close)

	local, err := b.NewWindow(client.LabelMain)
	local = startWindow(t, local, err)

	remote, err := statesync.NewRemoteWindow(srv.URL, "", client.LabelSettings, srv.Client(), logging.Discard(),
		client.WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	remote = startWindow(t, remote, err)

	require.NoError(t, remote.Update(context.Background(), topic.UIPreferencesPatch{Theme: ptr(topic.ThemeSystem)}))

	want, err := b.Store().Snapshot(topic.UIPreferencesTopic)
	require.NoError(t, err)
	for _, w := range []*client.Client{local, remote} {
		st := waitSynced(t, w, topic.UIPreferencesTopic, 1)
		assert.Equal(t, want.Data, st.Data, w.Label())
	}

	err = remote.Update(context.Background(), topic.AppConfigPatch{Hotkey: ptr("Shift")})
	assert.True(t, syncErrors.IsValidation(err), "validation errors survive the HTTP boundary: %v", err)

	require.NoError(t, remote.Close())
	require.Eventually(t, func() bool { return b.Hub().Subscribers() == 1 }, waitFor, 10*time.Millisecond,
		"closing the remote window releases its server-side subscription")
}

func TestBackend_UpdateWithPointerPatch(t *testing.T) {
	b := newBackend(t, nil)
	ws := windows(t, b)

	rev, err := b.Update(context.Background(), &topic.UIPreferencesPatch{Theme: ptr(topic.ThemeSystem)}, "tray")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	require.NoError(t, ws[0].Update(context.Background(), &topic.STTConfigPatch{Provider: ptr(topic.ProviderCloud)}))

	for _, w := range ws {
		prefs := waitSynced(t, w, topic.UIPreferencesTopic, 1).Payload.(topic.UIPreferences)
		assert.Equal(t, topic.ThemeSystem, prefs.Theme)
		stt := waitSynced(t, w, topic.STTConfigTopic, 1).Payload.(topic.STTConfig)
		assert.Equal(t, topic.ProviderCloud, stt.Provider)
	}

	_, err = b.Update(context.Background(), (*topic.AppConfigPatch)(nil), "tray")
	assert.True(t, syncErrors.IsValidation(err))
}
