// Package memory provides a process-local store.Persister. Nothing survives
// a restart; it backs tests and ephemeral daemons.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/store"
	"github.com/c0deZ3R0/go-state-sync/topic"
)

// Persister keeps the latest record per topic in a map.
type Persister struct {
	mu      sync.RWMutex
	records map[topic.Name]store.Record
	closed  bool
}

// New returns an empty persister, optionally seeded with records.
func New(seed ...store.Record) *Persister {
	p := &Persister{records: make(map[topic.Name]store.Record)}
	for _, rec := range seed {
		p.records[rec.Topic] = clone(rec)
	}
	return p
}

func clone(rec store.Record) store.Record {
	rec.Data = append([]byte(nil), rec.Data...)
	return rec
}

// LoadAll returns every stored record ordered by topic name.
func (p *Persister) LoadAll(ctx context.Context) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, syncErrors.E(syncErrors.Op("memory.LoadAll"), syncErrors.Component("storage/memory"), syncErrors.KindClosed, "persister is closed")
	}

	out := make([]store.Record, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

// Save upserts rec unless a newer revision is stored, or the same revision
// with different data.
func (p *Persister) Save(ctx context.Context, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return syncErrors.E(syncErrors.Op("memory.Save"), syncErrors.Component("storage/memory"), syncErrors.KindClosed, "persister is closed")
	}
	if cur, ok := p.records[rec.Topic]; ok {
		if cur.Revision > rec.Revision {
			return fmt.Errorf("stale write for %s: stored revision %d, got %d", rec.Topic, cur.Revision, rec.Revision)
		}
		if cur.Revision == rec.Revision && !bytes.Equal(cur.Data, rec.Data) {
			return fmt.Errorf("conflicting write for %s: revision %d already stored with other data", rec.Topic, rec.Revision)
		}
	}
	p.records[rec.Topic] = clone(rec)
	return nil
}

// Get returns the stored record for name.
func (p *Persister) Get(name topic.Name) (store.Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[name]
	if !ok {
		return store.Record{}, false
	}
	return clone(rec), true
}

// Close marks the persister closed. It is idempotent.
func (p *Persister) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
