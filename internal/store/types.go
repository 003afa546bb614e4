// Package store defines the persistent repository for agents, changes,
// locks, rate-limit counters, and fingerprints (spec §3/§4.1), plus a
// bbolt-backed implementation. The Store is the single authoritative
// state owner for the process; every other component reads and writes
// through it rather than holding its own copy of persisted state.
package store

import "time"

// AgentType distinguishes the coarse behavioral category of an agent.
type AgentType string

// Agent types named by the spec; other values are accepted and passed
// through untouched.
const (
	AgentTypeEditor   AgentType = "editor"
	AgentTypeReviewer AgentType = "reviewer"
)

// AgentStatus is the mutable lifecycle state of an Agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

// Agent is an external actor that proposes file changes. Identity is
// immutable once created; Status and Metadata are mutable.
type Agent struct {
	Identity    string       `json:"identity"`
	DisplayName string       `json:"displayName"`
	Type        AgentType    `json:"type"`
	Status      AgentStatus  `json:"status"`
	Metadata    AgentMetadata `json:"metadata"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// AgentMetadata is the agent's permission policy bag.
type AgentMetadata struct {
	// CanEdit lists regex patterns matched against a proposed path. An
	// empty list means "no restriction".
	CanEdit []string `json:"canEdit,omitempty"`

	// CanComment marks reviewer-type agents allowed to annotate without
	// editing.
	CanComment bool `json:"canComment,omitempty"`

	// MaxChangesPerDay caps submissions; 0 means unlimited.
	MaxChangesPerDay int `json:"maxChangesPerDay,omitempty"`

	// SubmitterModel records which underlying model backs this agent, for
	// audit display.
	SubmitterModel string `json:"submitterModel,omitempty"`
}

// ChangeStatus is the lifecycle state of a Change.
type ChangeStatus string

const (
	ChangePending  ChangeStatus = "pending"
	ChangeApproved ChangeStatus = "approved"
	ChangeRejected ChangeStatus = "rejected"
)

// ChangeEvent is one entry in a Change's append-only audit trail.
type ChangeEvent struct {
	Timestamp time.Time    `json:"timestamp"`
	Status    ChangeStatus `json:"status"`
	Detail    string       `json:"detail,omitempty"`
}

// Change is a proposal to replace the content of a single path.
type Change struct {
	ID               int64        `json:"id"`
	AgentIdentity    string       `json:"agentIdentity"`
	Path             string       `json:"path"`
	Diff             string       `json:"diff"`
	OriginalContent  string       `json:"originalContent"`
	Status           ChangeStatus `json:"status"`
	SubmittedHash    string       `json:"submittedHash"`
	ApprovedBy       string       `json:"approvedBy,omitempty"`
	Reason           string       `json:"reason,omitempty"`
	SubmitterModel   string       `json:"submitterModel,omitempty"`
	History          []ChangeEvent `json:"history,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// ChangePatch describes a partial update to a Change. Only non-nil fields
// are applied.
type ChangePatch struct {
	Status     *ChangeStatus
	ApprovedBy *string
	Reason     *string
	AppendEvent *ChangeEvent
}

// Lock is a policy object preventing modification of a path, or of content
// matching a regex.
type Lock struct {
	ID             string    `json:"id"`
	Path           string    `json:"path"`
	PathPattern    string    `json:"pathPattern,omitempty"`
	ContentPattern string    `json:"contentPattern,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RateLimitCounter is the per-agent sliding/fixed-window request counter.
type RateLimitCounter struct {
	AgentIdentity string    `json:"agentIdentity"`
	RequestCount  int       `json:"requestCount"`
	WindowStart   time.Time `json:"windowStart"`
	LastUpdate    time.Time `json:"lastUpdate"`
	BlockedUntil  *time.Time `json:"blockedUntil,omitempty"`
	Limit         int       `json:"limit"`
}

// Fingerprint is the content hash and last-write time of one production
// path.
type Fingerprint struct {
	Path         string    `json:"path"`
	Hash         string    `json:"hash"`
	LastModified time.Time `json:"lastModified"`
}

// ChangeFilter filters List queries over Changes.
type ChangeFilter struct {
	Status        ChangeStatus // empty = any
	AgentIdentity string       // empty = any
	After         time.Time    // zero = no lower bound
	Before        time.Time    // zero = no upper bound
	Offset        int
	Limit         int // 0 = no limit
}
