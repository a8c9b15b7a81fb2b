// Package topic is the registry of synchronizable state topics. The set is
// closed: every topic has a statically typed payload, a typed partial change
// (patch) and a pair of gateway commands.
package topic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
)

// Name identifies a topic, e.g. "ui-preferences".
type Name string

const (
	UIPreferencesTopic Name = "ui-preferences"
	AppConfigTopic     Name = "app-config"
	STTConfigTopic     Name = "stt-config"
)

func (n Name) String() string { return string(n) }

// commandStem turns "ui-preferences" into "ui_preferences".
func (n Name) commandStem() string { return strings.ReplaceAll(string(n), "-", "_") }

// SnapshotCommand is the gateway command reading this topic.
func (n Name) SnapshotCommand() string { return "get_" + n.commandStem() + "_snapshot" }

// UpdateCommand is the gateway command mutating this topic.
func (n Name) UpdateCommand() string { return "update_" + n.commandStem() }

// Payload is the full state of one topic. Implemented only by the payload
// types in this package.
type Payload interface {
	Topic() Name
	isPayload()
}

// Patch is a partial change to one topic. Nil fields are left untouched
// when the patch is applied.
type Patch interface {
	Topic() Name
	isPatch()
}

// NormalizePatch returns p as a value patch. Pointers to patch types are
// dereferenced and nil pointers become a nil Patch.
func NormalizePatch(p Patch) Patch {
	switch q := p.(type) {
	case *UIPreferencesPatch:
		if q == nil {
			return nil
		}
		return *q
	case *AppConfigPatch:
		if q == nil {
			return nil
		}
		return *q
	case *STTConfigPatch:
		if q == nil {
			return nil
		}
		return *q
	}
	return p
}

// Descriptor describes one topic's schema.
type Descriptor interface {
	Name() Name
	Default() Payload
	DecodePayload(raw []byte) (Payload, error)
	DecodePatch(raw []byte) (Patch, error)
	Apply(current Payload, p Patch) (Payload, error)
}

type descriptor[P Payload, Q Patch] struct {
	name     Name
	defaults func() P
	apply    func(P, Q) (P, error)
}

func (d descriptor[P, Q]) Name() Name { return d.name }

func (d descriptor[P, Q]) Default() Payload { return d.defaults() }

func (d descriptor[P, Q]) DecodePayload(raw []byte) (Payload, error) {
	p := d.defaults()
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalid("topic.DecodePayload", "decode %s payload: %v", d.name, err)
	}
	return p, nil
}

func (d descriptor[P, Q]) DecodePatch(raw []byte) (Patch, error) {
	var q Q
	if err := strictDecode(raw, &q); err != nil {
		return nil, invalid("topic.DecodePatch", "decode %s patch: %v", d.name, err)
	}
	return q, nil
}

func (d descriptor[P, Q]) Apply(current Payload, p Patch) (Payload, error) {
	cur, ok := current.(P)
	if !ok {
		return nil, invalid("topic.Apply", "payload %T does not belong to %s", current, d.name)
	}
	q, ok := p.(Q)
	if !ok {
		qp, isPtr := any(p).(*Q)
		if !isPtr || qp == nil {
			return nil, invalid("topic.Apply", "patch %T does not belong to %s", p, d.name)
		}
		q = *qp
	}
	next, err := d.apply(cur, q)
	if err != nil {
		return nil, err
	}
	return next, nil
}

// strictDecode rejects unknown fields and trailing data. An empty body or
// JSON null decodes to the zero patch.
func strictDecode(raw []byte, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after patch object")
	}
	return nil
}

func invalid(op, format string, args ...any) error {
	return syncErrors.E(syncErrors.Op(op), syncErrors.Component("topic"), syncErrors.KindInvalid, fmt.Errorf(format, args...))
}

var registry = []Descriptor{
	descriptor[UIPreferences, UIPreferencesPatch]{name: UIPreferencesTopic, defaults: DefaultUIPreferences, apply: applyUIPreferences},
	descriptor[AppConfig, AppConfigPatch]{name: AppConfigTopic, defaults: DefaultAppConfig, apply: applyAppConfig},
	descriptor[STTConfig, STTConfigPatch]{name: STTConfigTopic, defaults: DefaultSTTConfig, apply: applySTTConfig},
}

// All returns every registered topic in registration order.
func All() []Descriptor {
	return append([]Descriptor(nil), registry...)
}

// Names returns every registered topic name in registration order.
func Names() []Name {
	names := make([]Name, len(registry))
	for i, d := range registry {
		names[i] = d.Name()
	}
	return names
}

// Lookup finds the descriptor for name.
func Lookup(name Name) (Descriptor, bool) {
	for _, d := range registry {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

// MustLookup is Lookup for names known at compile time. It panics on an
// unknown name.
func MustLookup(name Name) Descriptor {
	d, ok := Lookup(name)
	if !ok {
		panic(fmt.Sprintf("topic: unknown topic %q", name))
	}
	return d
}

// Resolve is Lookup returning a not-found SyncError for unknown names.
func Resolve(name Name) (Descriptor, error) {
	d, ok := Lookup(name)
	if !ok {
		return nil, syncErrors.E(syncErrors.Op("topic.Resolve"), syncErrors.Component("topic"), syncErrors.KindNotFound,
			fmt.Errorf("unknown topic %q", name))
	}
	return d, nil
}

// Encode returns the canonical encoding of p. Payloads are flat structs, so
// equal values always encode to equal bytes.
func Encode(p Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, syncErrors.E(syncErrors.Op("topic.Encode"), syncErrors.Component("topic"), syncErrors.KindInternal, err)
	}
	return b, nil
}
