package client

import (
	"strings"

	"github.com/c0deZ3R0/go-state-sync/topic"
)

// Label identifies the kind of window a client runs in. It is used for
// diagnostics only and never changes sync behaviour.
type Label string

const (
	LabelMain     Label = "main"
	LabelSettings Label = "settings"
	LabelAuth     Label = "auth"
	LabelUnknown  Label = "unknown"
)

// ParseLabel maps a window label to a Label; anything unrecognised is
// LabelUnknown.
func ParseLabel(s string) Label {
	switch l := Label(strings.ToLower(strings.TrimSpace(s))); l {
	case LabelMain, LabelSettings, LabelAuth:
		return l
	default:
		return LabelUnknown
	}
}

// Status is the sync status of one topic in one window.
type Status int

const (
	// StatusUninitialized means no snapshot has been applied yet.
	StatusUninitialized Status = iota
	// StatusSynced means the cache matches the newest revision this
	// window has heard of.
	StatusSynced
	// StatusReconciling means a newer revision was announced and a fetch
	// is pending or in flight.
	StatusReconciling
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusSynced:
		return "synced"
	case StatusReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// TopicState is a point-in-time copy of one topic's cache. Data is shared
// with the client and must not be modified.
type TopicState struct {
	Status      Status
	Revision    uint64
	HasRevision bool
	Data        []byte
	Payload     topic.Payload
}

// Change is passed to OnChange after a snapshot with a new revision has
// been applied.
type Change struct {
	Topic    topic.Name
	Revision uint64
	Data     []byte
	Payload  topic.Payload
}
