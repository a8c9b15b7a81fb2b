package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/store"
	"github.com/c0deZ3R0/go-state-sync/topic"
)

func TestPersister_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	p := New()

	require.NoError(t, p.Save(ctx, store.Record{Topic: topic.STTConfigTopic, Revision: 1, Data: []byte(`{"a":1}`), UpdatedAt: time.Now()}))
	require.NoError(t, p.Save(ctx, store.Record{Topic: topic.AppConfigTopic, Revision: 4, Data: []byte(`{"b":2}`)}))
	require.NoError(t, p.Save(ctx, store.Record{Topic: topic.STTConfigTopic, Revision: 2, Data: []byte(`{"a":2}`)}))

	recs, err := p.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, topic.AppConfigTopic, recs[0].Topic)
	assert.Equal(t, uint64(2), recs[1].Revision)
	assert.Equal(t, `{"a":2}`, string(recs[1].Data))
}

func TestPersister_RejectsOlderRevision(t *testing.T) {
	ctx := context.Background()
	p := New(store.Record{Topic: topic.UIPreferencesTopic, Revision: 5, Data: []byte(`{}`)})

	err := p.Save(ctx, store.Record{Topic: topic.UIPreferencesTopic, Revision: 4, Data: []byte(`{"x":1}`)})
	require.Error(t, err)

	rec, ok := p.Get(topic.UIPreferencesTopic)
	require.True(t, ok)
	assert.Equal(t, uint64(5), rec.Revision)
}

func TestPersister_SameRevisionNeedsSameData(t *testing.T) {
	ctx := context.Background()
	p := New(store.Record{Topic: topic.UIPreferencesTopic, Revision: 1, Data: []byte(`{"theme":"light"}`)})

	err := p.Save(ctx, store.Record{Topic: topic.UIPreferencesTopic, Revision: 1, Data: []byte(`{"theme":"dark"}`)})
	require.Error(t, err)
	require.NoError(t, p.Save(ctx, store.Record{Topic: topic.UIPreferencesTopic, Revision: 1, Data: []byte(`{"theme":"light"}`)}))

	rec, _ := p.Get(topic.UIPreferencesTopic)
	assert.Equal(t, `{"theme":"light"}`, string(rec.Data))
}

func TestPersister_CopiesData(t *testing.T) {
	ctx := context.Background()
	p := New()
	data := []byte(`{"a":1}`)
	require.NoError(t, p.Save(ctx, store.Record{Topic: topic.AppConfigTopic, Revision: 1, Data: data}))
	data[2] = 'z'

	rec, _ := p.Get(topic.AppConfigTopic)
	assert.Equal(t, `{"a":1}`, string(rec.Data))
}

func TestPersister_Closed(t *testing.T) {
	p := New()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.Save(context.Background(), store.Record{Topic: topic.AppConfigTopic, Revision: 1})
	assert.True(t, syncErrors.IsClosed(err))
	_, err = p.LoadAll(context.Background())
	assert.True(t, syncErrors.IsClosed(err))
}
