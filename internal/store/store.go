// ABOUTME: Store interface and data types for harbormaster persistence
// ABOUTME: Defines Instance, ChatSession, MessageSnapshot structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateActiveSession is returned when activating a session would
// violate the one-active-session-per-(user,instance,agent) invariant.
var ErrDuplicateActiveSession = errors.New("active session already exists")

// InstanceStatus is the persisted, coarse view of a gateway instance's health.
type InstanceStatus string

const (
	StatusOnline   InstanceStatus = "ONLINE"
	StatusOffline  InstanceStatus = "OFFLINE"
	StatusDegraded InstanceStatus = "DEGRADED"
	StatusError    InstanceStatus = "ERROR"
)

// Instance represents a managed gateway instance.
type Instance struct {
	ID            string
	Name          string
	URL           string // explicit connection URL; empty means resolve from container
	ContainerName string // container DNS name inside the sandbox network
	HostPort      int    // loopback port mapping when addressing from outside the network
	Token         string // gateway auth token used during the handshake
	Status        InstanceStatus
	LastSeenAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChatSession represents one locally persisted conversation row.
// For a given (UserID, InstanceID, AgentID) at most one row has IsActive=true.
type ChatSession struct {
	ID            string
	UserID        string
	InstanceID    string
	AgentID       string
	SessionKey    string // upstream conversation identifier
	IsActive      bool
	LiveMessages  *string // JSON snapshot of the in-flight transcript, nil when none
	LastMessageAt time.Time
	MessageCount  int
	Title         *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MessageSnapshot is one archived transcript message. Rows are append-only:
// written by the archive operation or stale-session recovery, never mutated.
type MessageSnapshot struct {
	ID            string
	BatchID       string
	ChatSessionID string
	OrderIndex    int
	Role          string
	Content       string
	Thinking      *string
	ToolCalls     *string // JSON
	ContentBlocks *string // JSON
	CreatedAt     time.Time
}

// Store defines the interface for harbormaster persistence
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context) ([]*Instance, error)
	ListInstancesByStatus(ctx context.Context, statuses ...InstanceStatus) ([]*Instance, error)
	UpdateInstanceStatus(ctx context.Context, id string, status InstanceStatus) error

	// Chat sessions
	GetSession(ctx context.Context, id string) (*ChatSession, error)
	GetActiveSession(ctx context.Context, userID, instanceID, agentID string) (*ChatSession, error)
	ListSessions(ctx context.Context, userID, instanceID string, limit int) ([]*ChatSession, error)

	// TouchOrCreateActiveSession finds the active session for the triple and
	// bumps its last-message timestamp and message count, or creates a new
	// active row when none exists. The read-modify-write runs in a single
	// transaction so concurrent sends never create two active rows.
	// Returns the session and whether it was newly created.
	TouchOrCreateActiveSession(ctx context.Context, candidate *ChatSession) (*ChatSession, bool, error)

	// ActivateSession marks the session active. Idempotent: activating an
	// already-active session succeeds. Returns ErrDuplicateActiveSession if a
	// different session for the same triple is active.
	ActivateSession(ctx context.Context, id string) error

	// DeactivateSession marks the session inactive and clears the live buffer.
	DeactivateSession(ctx context.Context, id string) error

	SetSessionTitle(ctx context.Context, id, title string) error
	SetLiveMessages(ctx context.Context, id string, liveJSON *string) error

	// Message snapshots (append-only)
	SaveSnapshots(ctx context.Context, snapshots []*MessageSnapshot) error
	ListSnapshots(ctx context.Context, chatSessionID string) ([]*MessageSnapshot, error)

	// Close releases any resources held by the store
	Close() error
}
