package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntityKind distinguishes which entity a TransitionRecord or DLQEntry
// belongs to.
type EntityKind string

const (
	EntityTask EntityKind = "task"
	EntityStep EntityKind = "step"
)

// TransitionRecord is an append-only audit row written in the same
// transaction as every state change (spec invariant 1).
type TransitionRecord struct {
	ID         uuid.UUID
	EntityKind EntityKind
	EntityID   uuid.UUID
	TaskID     uuid.UUID
	FromState  string
	ToState    string
	At         time.Time
	By         string // processor id, audited but never enforced (spec §4.2)
	Metadata   []byte // JSON
}

// DLQResolution tracks operator handling of a permanently failed step.
type DLQResolution string

const (
	DLQUnresolved       DLQResolution = "unresolved"
	DLQResolvedManually DLQResolution = "resolved_manually"
	DLQRetried          DLQResolution = "retried"
)

// DLQEntry is the terminal record for a permanently failed step (spec §3,
// §4.7).
type DLQEntry struct {
	ID            uuid.UUID
	TaskID        uuid.UUID
	StepID        uuid.UUID
	Namespace     string
	StepName      string
	ReasonCode    string
	ErrorSnapshot []byte // JSON: message, classification, code
	Context       []byte // JSON: task context + step inputs at time of failure
	Resolution    DLQResolution
	CreatedAt     time.Time
	ResolvedAt    time.Time
	ResolvedBy    string
}

// QueueMessage is the durable envelope returned by a messaging backend's
// receive() call (spec §4.1).
type QueueMessage struct {
	ID                uuid.UUID
	Queue             string
	Payload           []byte
	VisibilityTimeout time.Time
	RedeliveryCount   int
	EnqueuedAt        time.Time
}
