/*
Copyright 2025 Pawel Mojski.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package grants holds the persisted access model of the jump host:
// users and their source IPs, backends, the group forests on both
// sides, proxy IP allocations, access policies with schedules and SSH
// login whitelists, plus the session, transfer and audit rows written
// by the data-plane. It ships a PostgreSQL store and an in-memory
// store with identical semantics.
package grants

import (
	"time"
)

// User is an operator allowed to hold grants. Users never authenticate
// with credentials at the jump host; their active source IPs identify
// them.
type User struct {
	ID       int64
	Username string
	Active   bool
	// PortForwardingAllowed opens -L/-R/-D for every session of this
	// user regardless of policy flags.
	PortForwardingAllowed bool
	// LegacySourceIP is the deprecated single-IP column consulted only
	// by the legacy grant fallback.
	LegacySourceIP string
}

// SourceIP links a client IP address to a user. At most one active row
// may exist per address; that invariant is what makes identification
// by source IP unambiguous.
type SourceIP struct {
	ID      int64
	UserID  int64
	Address string
	Label   string
	Active  bool
}

// UserGroup is a node in the user group forest.
type UserGroup struct {
	ID                    int64
	Name                  string
	ParentID              *int64
	PortForwardingAllowed bool
}

// Backend is a real server sessions terminate at.
type Backend struct {
	ID      int64
	Name    string
	Address string
	SSHPort int
	RDPPort int
	Active  bool
}

// BackendGroup is a node in the server group forest.
type BackendGroup struct {
	ID       int64
	Name     string
	ParentID *int64
}

// IPAllocation binds a proxy IP on the jump host NIC to a backend.
// Permanent rows have no user or expiry; ephemeral per-session leases
// carry both.
type IPAllocation struct {
	ID           int64
	ProxyAddress string
	BackendID    int64
	UserID       *int64
	SessionSID   *string
	ExpiresAt    *time.Time
	Active       bool
}

// ScopeKind discriminates what a policy targets.
type ScopeKind string

const (
	// ScopeGroup targets every backend in a server group (and its
	// subtree via the group forest).
	ScopeGroup ScopeKind = "group"
	// ScopeServer targets a single backend.
	ScopeServer ScopeKind = "server"
	// ScopeService targets a single backend; the protocol field is
	// expected to narrow it to one service.
	ScopeService ScopeKind = "service"
)

// Scope is the tagged target of a policy: exactly one of GroupID or
// BackendID is meaningful depending on Kind.
type Scope struct {
	Kind ScopeKind
	// GroupID is set when Kind is ScopeGroup.
	GroupID int64
	// BackendID is set when Kind is ScopeServer or ScopeService.
	BackendID int64
}

// Policy is one grant row. Exactly one of UserID and UserGroupID is
// set. A nil EndTime means the policy never expires on its own; a nil
// protocol (empty string) matches both protocols.
type Policy struct {
	ID          int64
	UserID      *int64
	UserGroupID *int64
	// SourceIPID restricts direct policies to one of the subject's
	// source IP rows; nil allows all of them.
	SourceIPID            *int64
	Scope                 Scope
	Protocol              string
	StartTime             time.Time
	EndTime               *time.Time
	PortForwardingAllowed bool
	UseSchedules          bool
	Active                bool
}

// IsDirect reports whether the policy is bound to a user rather than a
// user group.
func (p *Policy) IsDirect() bool {
	return p.UserID != nil
}

// Session is one proxied connection, created when the data-plane
// accepts a client and sealed when both transports are closed.
// Invariant: Active is true exactly while EndedAt is nil.
type Session struct {
	// ID is the row id; SID is the opaque unique session identifier
	// used in file names, logs and the allocation table.
	ID  int64
	SID string

	UserID    int64
	BackendID int64
	Protocol  string

	SourceIP    string
	ProxyIP     string
	BackendIP   string
	BackendPort int

	SSHLogin  string
	Subsystem string
	AgentUsed bool

	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *int64

	RecordingPath string
	RecordingSize int64

	Active            bool
	TerminationReason string
	PolicyID          *int64
}

// SessionSeal finalizes a session row.
type SessionSeal struct {
	EndedAt       time.Time
	Reason        string
	RecordingPath string
	RecordingSize int64
}

// Transfer types observed inside sessions.
const (
	TransferSCPUpload         = "scp_upload"
	TransferSCPDownload       = "scp_download"
	TransferSFTPSession       = "sftp_session"
	TransferPortForwardLocal  = "port_forward_local"
	TransferPortForwardRemote = "port_forward_remote"
	TransferSOCKSConnection   = "socks_connection"
)

// Transfer is a data-movement sub-event within a session: an SCP copy,
// an SFTP subsystem, or one spliced port-forward connection.
type Transfer struct {
	ID int64
	// SessionID references Session.ID (the row id, not the SID).
	SessionID int64
	Type      string

	FilePath   string
	LocalAddr  string
	LocalPort  int
	RemoteAddr string
	RemotePort int

	BytesSent     int64
	BytesReceived int64

	StartedAt time.Time
	EndedAt   *time.Time
}

// AuditRecord is one append-only audit row.
type AuditRecord struct {
	ID           int64
	UserID       *int64
	Action       string
	ResourceType string
	ResourceID   *int64
	SourceIP     string
	Success      bool
	Details      string
	Timestamp    time.Time
}

// AccessGrant is the deprecated flat grant model, read only by the
// legacy fallback path.
type AccessGrant struct {
	ID        int64
	UserID    int64
	BackendID int64
	Protocol  string
	StartTime time.Time
	EndTime   time.Time
	Active    bool
}
