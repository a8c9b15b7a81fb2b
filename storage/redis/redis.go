// Package redis provides a Redis implementation of store.Persister. Each
// topic is a hash under Prefix; a set indexes the stored topics.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	rdb "github.com/redis/go-redis/v9"

	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/store"
	"github.com/c0deZ3R0/go-state-sync/topic"
)

const (
	opLoadAll = "redis.LoadAll"
	opSave    = "redis.Save"
	opClose   = "redis.Close"

	component = "storage/redis"

	// DefaultPrefix namespaces every key the persister writes.
	DefaultPrefix = "statesync:"
)

var (
	ErrStoreClosed   = errors.New("store is closed")
	ErrStaleRevision = errors.New("stored revision is newer")
)

// saveScript writes the hash only when the stored revision is older, or
// equal with the same data. Returns 1 on write, 0 when skipped.
var saveScript = rdb.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'revision')
if cur then
  local stored, incoming = tonumber(cur), tonumber(ARGV[1])
  if stored > incoming then
    return 0
  end
  if stored == incoming and redis.call('HGET', KEYS[1], 'data') ~= ARGV[2] then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'revision', ARGV[1], 'data', ARGV[2], 'updated_at', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`)

// Persister stores topic records in Redis.
type Persister struct {
	client rdb.UniversalClient
	prefix string
	owns   bool

	mu     sync.RWMutex
	closed bool
}

var _ store.Persister = (*Persister)(nil)

// New connects to addr and pings it.
func New(ctx context.Context, addr string, db int, prefix string) (*Persister, error) {
	client := rdb.NewClient(&rdb.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, syncErrors.WrapOpComponentKind(fmt.Errorf("ping %s: %w", addr, err), "redis.Open", component, syncErrors.KindPersistence)
	}
	p := NewWithClient(client, prefix)
	p.owns = true
	return p, nil
}

// NewWithClient uses an existing client. Close does not close it.
func NewWithClient(client rdb.UniversalClient, prefix string) *Persister {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Persister{client: client, prefix: prefix}
}

func (p *Persister) topicKey(name topic.Name) string { return p.prefix + "topic:" + string(name) }
func (p *Persister) indexKey() string               { return p.prefix + "topics" }

func (p *Persister) checkOpen(op string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return syncErrors.WrapOpComponentKind(ErrStoreClosed, op, component, syncErrors.KindClosed)
	}
	return nil
}

// LoadAll reads every indexed topic in one pipeline.
func (p *Persister) LoadAll(ctx context.Context) ([]store.Record, error) {
	if err := p.checkOpen(opLoadAll); err != nil {
		return nil, err
	}

	names, err := p.client.SMembers(ctx, p.indexKey()).Result()
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opLoadAll, component)
	}
	sort.Strings(names)

	pipe := p.client.Pipeline()
	cmds := make([]*rdb.MapStringStringCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.HGetAll(ctx, p.topicKey(topic.Name(name)))
	}
	if len(names) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, syncErrors.WrapOpComponent(err, opLoadAll, component)
		}
	}

	out := make([]store.Record, 0, len(names))
	for i, name := range names {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(topic.Name(name), fields)
		if err != nil {
			return nil, syncErrors.WrapOpComponent(err, opLoadAll, component)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeRecord(name topic.Name, fields map[string]string) (store.Record, error) {
	rev, err := strconv.ParseUint(fields["revision"], 10, 64)
	if err != nil {
		return store.Record{}, fmt.Errorf("%s: bad revision %q: %w", name, fields["revision"], err)
	}
	ms, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return store.Record{}, fmt.Errorf("%s: bad updated_at %q: %w", name, fields["updated_at"], err)
	}
	return store.Record{
		Topic:     name,
		Revision:  rev,
		Data:      []byte(fields["data"]),
		UpdatedAt: time.UnixMilli(ms).UTC(),
	}, nil
}

// Save writes rec atomically unless a newer revision is stored.
func (p *Persister) Save(ctx context.Context, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.checkOpen(opSave); err != nil {
		return err
	}

	keys := []string{p.topicKey(rec.Topic), p.indexKey()}
	written, err := saveScript.Run(ctx, p.client, keys,
		strconv.FormatUint(rec.Revision, 10),
		string(rec.Data),
		strconv.FormatInt(rec.UpdatedAt.UnixMilli(), 10),
		string(rec.Topic),
	).Int()
	if err != nil {
		return syncErrors.WrapOpComponent(err, opSave, component)
	}
	if written == 0 {
		return syncErrors.WrapOpComponent(fmt.Errorf("%w: %s revision %d", ErrStaleRevision, rec.Topic, rec.Revision), opSave, component)
	}
	return nil
}

// Close marks the persister closed and closes the client if New created it.
func (p *Persister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.owns {
		if err := p.client.Close(); err != nil {
			return syncErrors.WrapOpComponent(err, opClose, component)
		}
	}
	return nil
}
