package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/store"
	"github.com/c0deZ3R0/go-state-sync/topic"
)

// ErrorField is the sentinel key of an error result. Every caller must
// check for it after every invoke.
const ErrorField = "__error"

// kindField carries the error kind next to the message so the receiving
// side can rebuild a typed error.
const kindField = "__kind"

// WireSnapshot is the result of a get_<topic>_snapshot command. Revision
// is decimal text so it survives callers without 64-bit integers.
type WireSnapshot struct {
	Revision string          `json:"revision"`
	Data     json.RawMessage `json:"data"`
}

type wireError struct {
	Error string `json:"__error"`
	Kind  string `json:"__kind,omitempty"`
}

// EncodeSnapshot renders s in wire form.
func EncodeSnapshot(s store.Snapshot) (json.RawMessage, error) {
	return json.Marshal(WireSnapshot{
		Revision: strconv.FormatUint(s.Revision, 10),
		Data:     json.RawMessage(s.Data),
	})
}

// DecodeSnapshot parses a wire snapshot for name and checks the data
// against the topic schema.
func DecodeSnapshot(name topic.Name, raw json.RawMessage) (store.Snapshot, error) {
	var w WireSnapshot
	if err := json.Unmarshal(raw, &w); err != nil {
		return store.Snapshot{}, syncErrors.E(syncErrors.Op("gateway.DecodeSnapshot"), syncErrors.KindInvalid, err, "malformed snapshot")
	}
	rev, err := ParseRevision(w.Revision)
	if err != nil {
		return store.Snapshot{}, err
	}
	d, err := topic.Resolve(name)
	if err != nil {
		return store.Snapshot{}, err
	}
	if _, err := d.DecodePayload(w.Data); err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Topic: name, Revision: rev, Data: []byte(w.Data)}, nil
}

// ParseRevision parses a decimal revision string.
func ParseRevision(s string) (uint64, error) {
	rev, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, syncErrors.E(syncErrors.Op("gateway.ParseRevision"), syncErrors.KindInvalid, fmt.Errorf("revision %q: %w", s, err))
	}
	return rev, nil
}

// EncodeError renders err as an error result.
func EncodeError(err error) json.RawMessage {
	b, mErr := json.Marshal(wireError{Error: err.Error(), Kind: syncErrors.KindOf(err).String()})
	if mErr != nil {
		return json.RawMessage(`{"__error":"internal error"}`)
	}
	return b
}

// CheckResult returns the result unchanged unless it carries ErrorField, in
// which case the error is rebuilt with its original kind.
func CheckResult(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw, nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, syncErrors.E(syncErrors.Op("gateway.CheckResult"), syncErrors.KindInvalid, err, "malformed result")
	}
	if _, ok := probe[ErrorField]; !ok {
		return raw, nil
	}
	var w wireError
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, syncErrors.E(syncErrors.Op("gateway.CheckResult"), syncErrors.KindInvalid, err, "malformed error result")
	}
	return nil, syncErrors.E(syncErrors.OpInvoke, parseKind(w.Kind), w.Error)
}

func parseKind(s string) syncErrors.Kind {
	for _, k := range []syncErrors.Kind{
		syncErrors.KindInvalid,
		syncErrors.KindPersistence,
		syncErrors.KindTransport,
		syncErrors.KindNotFound,
		syncErrors.KindClosed,
		syncErrors.KindInternal,
	} {
		if k.String() == s {
			return k
		}
	}
	return syncErrors.KindOther
}
