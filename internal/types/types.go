package types

import (
	"encoding/json"
	"time"
)

// TwinID identifies an editable digital twin.
type TwinID string

// SessionID identifies one client editing session.
type SessionID string

// HolderID identifies the user behind a session.
type HolderID string

// LeaseID identifies a granted lock lease.
type LeaseID string

// OperationID is a globally unique identifier for an edit operation.
type OperationID string

// VersionID identifies an immutable twin snapshot.
type VersionID string

// Twin is an editable object owned by an organization.
type Twin struct {
	ID             TwinID    `json:"twin_id"`
	OrganizationID string    `json:"organization_id"`
	CurrentVersion int64     `json:"current_version"`
	CreatedAt      time.Time `json:"created_at"`
}

// LockKind enumerates the access modes a lease can grant.
type LockKind string

const (
	LockExclusive LockKind = "exclusive"
	LockShared    LockKind = "shared"
	LockReadOnly  LockKind = "read_only"
)

// Valid reports whether k is a known lock kind.
func (k LockKind) Valid() bool {
	switch k {
	case LockExclusive, LockShared, LockReadOnly:
		return true
	}
	return false
}

// CompatibleWith reports whether two leases of the given kinds may be active
// on overlapping paths at the same time.
func (k LockKind) CompatibleWith(other LockKind) bool {
	if k == LockExclusive || other == LockExclusive {
		return false
	}
	return true
}

// AllowsEdits reports whether a lease of this kind authorizes operations.
func (k LockKind) AllowsEdits() bool {
	return k == LockExclusive || k == LockShared
}

// Lease is the audit record of a lock grant. Leases are never deleted; they
// are deactivated on release, expiry or reclaim.
type Lease struct {
	ID              LeaseID         `json:"lease_id"`
	Twin            TwinID          `json:"twin_id"`
	Holder          HolderID        `json:"holder_id"`
	Session         SessionID       `json:"session_id"`
	Kind            LockKind        `json:"lock_kind"`
	Paths           []ComponentPath `json:"paths"`
	TTL             time.Duration   `json:"ttl"`
	AcquiredAt      time.Time       `json:"acquired_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at"`
	Active          bool            `json:"active"`
	ReleasedAt      *time.Time      `json:"released_at,omitempty"`
	ReleaseReason   string          `json:"release_reason,omitempty"`
}

// Live reports whether the lease is active and neither expired nor stale at
// the provided instant.
func (l Lease) Live(now time.Time, staleness time.Duration) bool {
	if !l.Active || !now.Before(l.ExpiresAt) {
		return false
	}
	if staleness > 0 && now.Sub(l.LastHeartbeatAt) > staleness {
		return false
	}
	return true
}

// Covers reports whether any of the lease paths contains the provided path.
func (l Lease) Covers(path ComponentPath) bool {
	for _, p := range l.Paths {
		if p.Covers(path) {
			return true
		}
	}
	return false
}

// OverlappingPath returns the first lease path that overlaps one of the
// provided paths.
func (l Lease) OverlappingPath(paths []ComponentPath) (ComponentPath, bool) {
	for _, p := range paths {
		for _, held := range l.Paths {
			if held.Overlaps(p) {
				return p, true
			}
		}
	}
	return "", false
}

// OperationKind enumerates the structural edits a session can submit.
type OperationKind string

const (
	OpPropertyChange  OperationKind = "property_change"
	OpPropertyDelete  OperationKind = "property_delete"
	OpComponentAdd    OperationKind = "component_add"
	OpComponentRemove OperationKind = "component_remove"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OpPropertyChange, OpPropertyDelete, OpComponentAdd, OpComponentRemove:
		return true
	}
	return false
}

// OperationStatus tracks how the resolver disposed of an operation.
type OperationStatus string

const (
	StatusPending  OperationStatus = "pending"
	StatusApplied  OperationStatus = "applied"
	StatusRejected OperationStatus = "rejected"
	StatusFailed   OperationStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s OperationStatus) Terminal() bool {
	return s == StatusApplied || s == StatusRejected || s == StatusFailed
}

// Operation is one edit appended to a twin's log. It is immutable once
// appended except for the resolution fields.
type Operation struct {
	Position  int64           `json:"position"`
	ID        OperationID     `json:"operation_id"`
	Twin      TwinID          `json:"twin_id"`
	Author    HolderID        `json:"author_id"`
	Session   SessionID       `json:"session_id"`
	Kind      OperationKind   `json:"operation_kind"`
	Path      ComponentPath   `json:"component_path"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Clock     VectorClock     `json:"vector_clock"`
	CreatedAt time.Time       `json:"created_at"`

	Status    OperationStatus `json:"status"`
	ApplySeq  int64           `json:"apply_seq,omitempty"`
	AppliedAt *time.Time      `json:"applied_at,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// ClientSeq is the author's own vector clock entry, used for causal readiness
// and as the deduplication key together with the session.
func (o Operation) ClientSeq() uint64 {
	return o.Clock[o.Session]
}

// Applied reports whether the operation took effect on the materialized state.
func (o Operation) Applied() bool {
	return o.Status == StatusApplied
}

// Resolution is the terminal disposition the resolver records for an operation.
type Resolution struct {
	Operation OperationID
	Position  int64
	Status    OperationStatus
	ApplySeq  int64
	At        time.Time
	Reason    string
}

// Version is an immutable numbered snapshot of a twin's materialized state.
type Version struct {
	ID             VersionID              `json:"version_id"`
	Twin           TwinID                 `json:"twin_id"`
	Number         int64                  `json:"version_number"`
	Parent         int64                  `json:"parent_version,omitempty"`
	Properties     map[string]PropertyMap `json:"properties"`
	AppliedThrough int64                  `json:"applied_through"`
	Watermarks     VectorClock            `json:"watermarks"`
	Message        string                 `json:"commit_message,omitempty"`
	CreatedBy      HolderID               `json:"created_by"`
	CreatedAt      time.Time              `json:"created_at"`
	Latest         bool                   `json:"is_latest"`
	ObjectPath     string                 `json:"object_path,omitempty"`
}

// PropertyMap holds the properties of one component.
type PropertyMap map[string]any

// Clone returns a shallow copy of the property map.
func (p PropertyMap) Clone() PropertyMap {
	out := make(PropertyMap, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
