package store

import (
	"context"
	"time"

	"github.com/c0deZ3R0/go-state-sync/topic"
)

// Record is the durable form of one topic.
type Record struct {
	Topic     topic.Name
	Revision  uint64
	Data      []byte
	UpdatedAt time.Time
}

// Persister stores the latest record per topic. Save is called with the
// topic's write lock held, so calls for one topic never overlap; an
// implementation must still refuse to replace a record with an older
// revision.
type Persister interface {
	LoadAll(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, rec Record) error
	Close() error
}
