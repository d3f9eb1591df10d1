// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire defines the messages exchanged between sync clients and
// the relay. Messages are plain structs with JSON tags; envelope bytes
// travel base64-encoded. Nothing in a message other than envelope
// ciphertext depends on record content.
package wire

import (
	"fmt"
	"time"

	"github.com/grailbio/zksync/crypto/encryption"
	"github.com/grailbio/zksync/errors"
	"github.com/grailbio/zksync/replica"
)

// ProtocolVersion is the version spoken by this package.
const ProtocolVersion = 1

// MaxChanges bounds the number of changes in one push or pull.
const MaxChanges = 1000

// Change is one entity state in transit.
type Change struct {
	EntityType    string                `json:"entity_type"`
	EntityID      string                `json:"entity_id"`
	VersionVector replica.VersionVector `json:"version_vector"`
	Envelope      *encryption.Envelope  `json:"envelope"`
	// Tombstoned reports the writer's view of the entity's state.
	Tombstoned   bool   `json:"tombstoned"`
	UpdatedAt    int64  `json:"updated_at"`
	DeviceID     string `json:"device_id"`
	TombstonedAt int64  `json:"tombstoned_at,omitempty"`
	// Seq is the relay's sequence number for the state; set on pull.
	Seq int64 `json:"seq,omitempty"`
}

// FromEntity returns the change carrying e's state.
func FromEntity(e *replica.Entity, policy replica.TombstonePolicy) Change {
	return Change{
		EntityType:    e.Type,
		EntityID:      e.ID,
		VersionVector: e.Vector.Clone(),
		Envelope:      e.Envelope.Clone(),
		Tombstoned:    e.State(policy) == replica.Tombstoned,
		UpdatedAt:     e.UpdatedAt,
		DeviceID:      string(e.Device),
		TombstonedAt:  e.TombstonedAt,
		Seq:           e.RelaySeq,
	}
}

// Entity returns the replica state carried by c.
func (c Change) Entity() *replica.Entity {
	return &replica.Entity{
		Type:         c.EntityType,
		ID:           c.EntityID,
		Envelope:     c.Envelope.Clone(),
		Vector:       c.VersionVector.Clone(),
		UpdatedAt:    c.UpdatedAt,
		Device:       replica.DeviceID(c.DeviceID),
		TombstonedAt: c.TombstonedAt,
		RelaySeq:     c.Seq,
	}
}

// Ref names one state of one entity.
func (c Change) Ref() Ref {
	return Ref{EntityType: c.EntityType, EntityID: c.EntityID, Hash: c.VersionVector.Hash()}
}

// Validate checks the shape of the change. The relay cannot check
// more than this.
func (c Change) Validate() error {
	e := c.Entity()
	if err := e.Validate(); err != nil {
		return err
	}
	if c.Tombstoned && c.TombstonedAt == 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: tombstoned without a tombstone stamp", e))
	}
	return nil
}

// Ref identifies an entity state: the relay's storage key.
type Ref struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Hash       string `json:"version_vector_hash"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s#%.12s", r.EntityType, r.EntityID, r.Hash)
}

// RejectReason tells why the relay did not store a change.
type RejectReason string

const (
	// Duplicate means the relay already stores this exact state. The
	// change counts as acknowledged.
	Duplicate RejectReason = "duplicate"
	// Superseded means the relay stores a state that dominates the
	// change. The change counts as acknowledged; its content reaches
	// other devices through the dominating state.
	Superseded RejectReason = "superseded"
	// Malformed means the change is invalid and will never be
	// accepted.
	Malformed RejectReason = "malformed"
)

// Acknowledged tells whether a rejected change is nevertheless safely
// stored by the relay.
func (r RejectReason) Acknowledged() bool {
	return r == Duplicate || r == Superseded
}

// Rejection is a change the relay did not store.
type Rejection struct {
	Ref
	Reason  RejectReason `json:"reason"`
	Message string       `json:"message,omitempty"`
}

// PushRequest uploads local changes.
type PushRequest struct {
	ProtocolVersion int      `json:"protocol_version"`
	Vault           string   `json:"vault"`
	DeviceID        string   `json:"device_id"`
	Timestamp       int64    `json:"timestamp"`
	Changes         []Change `json:"changes"`
}

// Validate checks the request envelope, not the individual changes:
// invalid changes are rejected one by one.
func (r *PushRequest) Validate() error {
	if err := checkHeader(r.ProtocolVersion, r.Vault, r.DeviceID); err != nil {
		return err
	}
	if len(r.Changes) > MaxChanges {
		return errors.E(errors.Invalid, fmt.Sprintf("push of %d changes exceeds limit of %d", len(r.Changes), MaxChanges))
	}
	return nil
}

// PushResponse reports, per change, whether it was stored.
type PushResponse struct {
	Accepted  []Ref       `json:"accepted"`
	Rejected  []Rejection `json:"rejected"`
	Timestamp int64       `json:"timestamp"`
	// Seqs holds the relay sequence of each accepted change.
	Seqs []int64 `json:"seqs,omitempty"`
}

// PullRequest asks for changes after a cursor.
type PullRequest struct {
	ProtocolVersion int    `json:"protocol_version"`
	Vault           string `json:"vault"`
	DeviceID        string `json:"device_id"`
	// SinceTimestamp, if set, skips states stored before it.
	SinceTimestamp int64 `json:"since_timestamp,omitempty"`
	Cursor         int64 `json:"cursor"`
	Limit          int   `json:"limit,omitempty"`
}

func (r *PullRequest) Validate() error {
	if err := checkHeader(r.ProtocolVersion, r.Vault, r.DeviceID); err != nil {
		return err
	}
	if r.Cursor < 0 || r.Limit < 0 {
		return errors.E(errors.Invalid, "negative cursor or limit")
	}
	return nil
}

// PullResponse is one page of changes.
type PullResponse struct {
	Changes    []Change `json:"changes"`
	HasMore    bool     `json:"has_more"`
	NextCursor int64    `json:"next_cursor"`
	Timestamp  int64    `json:"timestamp"`
	// Watermark is the lowest cursor acknowledged by every device of
	// the vault: states at or below it have been seen everywhere.
	Watermark int64 `json:"watermark"`
}

// HealthResponse reports relay health.
type HealthResponse struct {
	Status           string  `json:"status"`
	Region           string  `json:"region,omitempty"`
	StorageLatencyMS float64 `json:"storage_latency_ms"`
	Timestamp        int64   `json:"timestamp"`
}

// Health statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// SLAResponse summarizes request outcomes over a window.
type SLAResponse struct {
	WindowSeconds float64 `json:"window_seconds"`
	Requests      int     `json:"requests"`
	SuccessRate   float64 `json:"success_rate"`
	P50MS         float64 `json:"p50_latency_ms"`
	P95MS         float64 `json:"p95_latency_ms"`
	P99MS         float64 `json:"p99_latency_ms"`
}

// Window returns the window as a duration.
func (r SLAResponse) Window() time.Duration {
	return time.Duration(r.WindowSeconds * float64(time.Second))
}

func checkHeader(version int, vault, device string) error {
	switch {
	case version != ProtocolVersion:
		return errors.E(errors.Invalid, fmt.Sprintf("unsupported protocol version %d", version))
	case vault == "":
		return errors.E(errors.Invalid, "missing vault")
	case device == "":
		return errors.E(errors.Invalid, "missing device id")
	}
	return nil
}

// Error is the body of a failed request. Kinds survive the round trip
// so that clients classify relay failures as they would local ones.
type Error struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

var kindNames = map[errors.Kind]string{
	errors.Invalid:      "invalid",
	errors.NotAllowed:   "not_allowed",
	errors.NotExist:     "not_exist",
	errors.RateLimited:  "rate_limited",
	errors.Unavailable:  "unavailable",
	errors.Timeout:      "timeout",
	errors.Precondition: "precondition",
}

// ErrorOf returns the wire form of err.
func ErrorOf(err error) *Error {
	kind, ok := kindNames[errors.KindOf(err)]
	if !ok {
		kind = "internal"
	}
	return &Error{
		Kind:         kind,
		Message:      err.Error(),
		RetryAfterMS: errors.RetryAfterOf(err).Milliseconds(),
	}
}

// Err returns the error described by e. The relay's kind is
// preserved; errors of other kinds become Remote.
func (e *Error) Err() error {
	kind := errors.Remote
	for k, name := range kindNames {
		if name == e.Kind {
			kind = k
		}
	}
	args := []interface{}{kind, "relay: " + e.Message}
	if e.RetryAfterMS > 0 {
		args = append(args, time.Duration(e.RetryAfterMS)*time.Millisecond)
	}
	if kind == errors.RateLimited || kind == errors.Unavailable || kind == errors.Timeout {
		args = append(args, errors.Retriable)
	}
	return errors.E(args...)
}
