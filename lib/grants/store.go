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

package grants

import (
	"context"
	"time"

	"github.com/pawelmojski/portcullis/lib/schedule"
)

// Reader is the read model the decision engine, the group resolver and
// the listeners consume. Lookups that find nothing return
// trace.NotFound.
type Reader interface {
	// SourceIPByAddress returns the active source IP row for an
	// address. The schema guarantees at most one.
	SourceIPByAddress(ctx context.Context, address string) (*SourceIP, error)

	// UserByID returns a user regardless of its active flag; callers
	// decide how to treat inactive rows.
	UserByID(ctx context.Context, id int64) (*User, error)

	// BackendByID returns a backend regardless of its active flag.
	BackendByID(ctx context.Context, id int64) (*Backend, error)

	// AllocationByProxyAddress returns the active allocation a client
	// dialed.
	AllocationByProxyAddress(ctx context.Context, address string) (*IPAllocation, error)

	// ActiveAllocations lists every active allocation; the RDP shim
	// binds a listener per proxy address.
	ActiveAllocations(ctx context.Context) ([]IPAllocation, error)

	// PoliciesForUser returns active direct policies of one user that
	// are inside their [StartTime, EndTime] window at now and whose
	// protocol is empty or equal to protocol.
	PoliciesForUser(ctx context.Context, userID int64, protocol string, now time.Time) ([]Policy, error)

	// PoliciesForGroups is the group-subject counterpart of
	// PoliciesForUser.
	PoliciesForGroups(ctx context.Context, groupIDs []int64, protocol string, now time.Time) ([]Policy, error)

	// PolicyLogins returns the SSH login whitelist of a policy; empty
	// means unrestricted.
	PolicyLogins(ctx context.Context, policyID int64) ([]string, error)

	// PolicySchedules returns all schedule rules of a policy,
	// including inactive ones; the evaluator skips those.
	PolicySchedules(ctx context.Context, policyID int64) ([]schedule.Rule, error)

	// UserGroups returns the whole user group forest.
	UserGroups(ctx context.Context) ([]UserGroup, error)

	// UserGroupMemberships returns the groups a user is a direct
	// member of.
	UserGroupMemberships(ctx context.Context, userID int64) ([]int64, error)

	// BackendGroups returns the whole server group forest.
	BackendGroups(ctx context.Context) ([]BackendGroup, error)

	// BackendGroupMemberships returns the groups a backend is a
	// direct member of.
	BackendGroupMemberships(ctx context.Context, backendID int64) ([]int64, error)

	// LegacyUserBySourceIP finds an active user by the deprecated
	// single source IP column.
	LegacyUserBySourceIP(ctx context.Context, address string) (*User, error)

	// LegacyUserByUsername finds an active user by name.
	LegacyUserByUsername(ctx context.Context, username string) (*User, error)

	// ActiveLegacyGrant returns one active legacy grant of the user
	// whose window contains now.
	ActiveLegacyGrant(ctx context.Context, userID int64, now time.Time) (*AccessGrant, error)
}

// Sessions records session and transfer lifecycle. All writes are
// short single-row operations; no call holds a transaction across
// user activity.
type Sessions interface {
	// CreateSession inserts a new active session row and fills in its
	// row id.
	CreateSession(ctx context.Context, s *Session) error

	// UpdateSession rewrites the mutable fields of an open session
	// (SSH login, subsystem, agent use, recording path) keyed by SID.
	UpdateSession(ctx context.Context, s *Session) error

	// SealSession closes a session row: sets EndedAt, duration,
	// termination reason and final recording info, and drops the
	// active flag.
	SealSession(ctx context.Context, sid string, seal SessionSeal) error

	// ReconcileOrphanSessions force-seals every session left open by
	// a previous run and returns how many rows were touched.
	ReconcileOrphanSessions(ctx context.Context, now time.Time) (int64, error)

	// CreateTransfer inserts a transfer row and fills in its id.
	CreateTransfer(ctx context.Context, t *Transfer) error

	// SealTransfer closes a transfer row with final byte counts.
	SealTransfer(ctx context.Context, transferID int64, endedAt time.Time, bytesSent, bytesReceived int64) error
}

// Audit appends audit records.
type Audit interface {
	AppendAudit(ctx context.Context, rec *AuditRecord) error
}

// Store is the full persistence surface of the jump host.
type Store interface {
	Reader
	Sessions
	Audit

	// Close releases the underlying pool or buffers.
	Close() error
}
