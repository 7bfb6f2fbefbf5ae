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
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/schedule"
)

// Memory is an in-process Store with the same semantics as the
// PostgreSQL store. It backs tests and single-node evaluation setups.
// Seed methods enforce the same invariants the schema does: one active
// source IP row per address, one active allocation per proxy address,
// acyclic group forests.
type Memory struct {
	mu     sync.RWMutex
	nextID int64

	users               map[int64]*User
	sourceIPs           map[int64]*SourceIP
	userGroups          map[int64]*UserGroup
	userGroupMembers    map[int64][]int64
	backends            map[int64]*Backend
	backendGroups       map[int64]*BackendGroup
	backendGroupMembers map[int64][]int64
	allocations         map[int64]*IPAllocation
	policies            map[int64]*Policy
	policyLogins        map[int64][]string
	policySchedules     map[int64][]schedule.Rule
	legacyGrants        map[int64]*AccessGrant
	sessions            map[string]*Session
	transfers           map[int64]*Transfer
	audits              []AuditRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:               make(map[int64]*User),
		sourceIPs:           make(map[int64]*SourceIP),
		userGroups:          make(map[int64]*UserGroup),
		userGroupMembers:    make(map[int64][]int64),
		backends:            make(map[int64]*Backend),
		backendGroups:       make(map[int64]*BackendGroup),
		backendGroupMembers: make(map[int64][]int64),
		allocations:         make(map[int64]*IPAllocation),
		policies:            make(map[int64]*Policy),
		policyLogins:        make(map[int64][]string),
		policySchedules:     make(map[int64][]schedule.Rule),
		legacyGrants:        make(map[int64]*AccessGrant),
		sessions:            make(map[string]*Session),
		transfers:           make(map[int64]*Transfer),
	}
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// AddUser seeds a user and returns it with the assigned id.
func (m *Memory) AddUser(u User) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = m.id()
	m.users[u.ID] = &u
	return u
}

// AddSourceIP seeds a source IP row. Seeding a second active row with
// the same address panics: tests must not build states the schema
// forbids.
func (m *Memory) AddSourceIP(s SourceIP) SourceIP {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Active {
		for _, existing := range m.sourceIPs {
			if existing.Active && existing.Address == s.Address {
				panic("duplicate active source IP " + s.Address)
			}
		}
	}
	s.ID = m.id()
	m.sourceIPs[s.ID] = &s
	return s
}

// AddUserGroup seeds a user group, refusing parents that would close a
// cycle.
func (m *Memory) AddUserGroup(g UserGroup) (UserGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.ID = m.id()
	parents := make(Parents, len(m.userGroups))
	for id, existing := range m.userGroups {
		parents[id] = existing.ParentID
	}
	if err := ValidateNoCycle(g.ID, g.ParentID, parents); err != nil {
		return UserGroup{}, trace.Wrap(err)
	}
	m.userGroups[g.ID] = &g
	return g, nil
}

// SetUserGroupParent re-parents a group, refusing cycles.
func (m *Memory) SetUserGroupParent(groupID int64, parentID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.userGroups[groupID]
	if !ok {
		return trace.NotFound("user group %v not found", groupID)
	}
	parents := make(Parents, len(m.userGroups))
	for id, existing := range m.userGroups {
		parents[id] = existing.ParentID
	}
	if err := ValidateNoCycle(groupID, parentID, parents); err != nil {
		return trace.Wrap(err)
	}
	g.ParentID = parentID
	return nil
}

// AddUserGroupMember seeds a membership edge.
func (m *Memory) AddUserGroupMember(userID, groupID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, gid := range m.userGroupMembers[userID] {
		if gid == groupID {
			return
		}
	}
	m.userGroupMembers[userID] = append(m.userGroupMembers[userID], groupID)
}

// AddBackend seeds a backend and returns it with the assigned id.
func (m *Memory) AddBackend(b Backend) Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = m.id()
	m.backends[b.ID] = &b
	return b
}

// AddBackendGroup seeds a server group, refusing cycles.
func (m *Memory) AddBackendGroup(g BackendGroup) (BackendGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.ID = m.id()
	parents := make(Parents, len(m.backendGroups))
	for id, existing := range m.backendGroups {
		parents[id] = existing.ParentID
	}
	if err := ValidateNoCycle(g.ID, g.ParentID, parents); err != nil {
		return BackendGroup{}, trace.Wrap(err)
	}
	m.backendGroups[g.ID] = &g
	return g, nil
}

// AddBackendGroupMember seeds a membership edge.
func (m *Memory) AddBackendGroupMember(backendID, groupID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, gid := range m.backendGroupMembers[backendID] {
		if gid == groupID {
			return
		}
	}
	m.backendGroupMembers[backendID] = append(m.backendGroupMembers[backendID], groupID)
}

// AddAllocation seeds a proxy IP allocation, enforcing the one-active-
// row-per-address invariant.
func (m *Memory) AddAllocation(a IPAllocation) IPAllocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Active {
		for _, existing := range m.allocations {
			if existing.Active && existing.ProxyAddress == a.ProxyAddress {
				panic("duplicate active allocation for " + a.ProxyAddress)
			}
		}
	}
	a.ID = m.id()
	m.allocations[a.ID] = &a
	return a
}

// AddPolicy seeds a policy with its login whitelist and schedule
// rules.
func (m *Memory) AddPolicy(p Policy, logins []string, rules []schedule.Rule) Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	m.policies[p.ID] = &p
	if len(logins) > 0 {
		m.policyLogins[p.ID] = append([]string(nil), logins...)
	}
	for i := range rules {
		rules[i].PolicyID = p.ID
		if rules[i].Timezone == "" {
			rules[i].Timezone = defaults.DefaultTimezone
		}
	}
	m.policySchedules[p.ID] = append([]schedule.Rule(nil), rules...)
	return p
}

// AddLegacyGrant seeds a legacy flat grant.
func (m *Memory) AddLegacyGrant(g AccessGrant) AccessGrant {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.ID = m.id()
	m.legacyGrants[g.ID] = &g
	return g
}

// SourceIPByAddress implements Reader.
func (m *Memory) SourceIPByAddress(ctx context.Context, address string) (*SourceIP, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sourceIPs {
		if s.Active && s.Address == address {
			out := *s
			return &out, nil
		}
	}
	return nil, trace.NotFound("no active source IP %v", address)
}

// UserByID implements Reader.
func (m *Memory) UserByID(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, trace.NotFound("user %v not found", id)
	}
	out := *u
	return &out, nil
}

// BackendByID implements Reader.
func (m *Memory) BackendByID(ctx context.Context, id int64) (*Backend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[id]
	if !ok {
		return nil, trace.NotFound("backend %v not found", id)
	}
	out := *b
	return &out, nil
}

// AllocationByProxyAddress implements Reader.
func (m *Memory) AllocationByProxyAddress(ctx context.Context, address string) (*IPAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.allocations {
		if a.Active && a.ProxyAddress == address {
			out := *a
			return &out, nil
		}
	}
	return nil, trace.NotFound("no active allocation for %v", address)
}

// ActiveAllocations implements Reader.
func (m *Memory) ActiveAllocations(ctx context.Context) ([]IPAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []IPAllocation
	for _, a := range m.allocations {
		if a.Active {
			out = append(out, *a)
		}
	}
	return out, nil
}

func policyInWindow(p *Policy, protocol string, now time.Time) bool {
	if !p.Active {
		return false
	}
	if p.StartTime.After(now) {
		return false
	}
	if p.EndTime != nil && p.EndTime.Before(now) {
		return false
	}
	if p.Protocol != "" && p.Protocol != protocol {
		return false
	}
	return true
}

// PoliciesForUser implements Reader.
func (m *Memory) PoliciesForUser(ctx context.Context, userID int64, protocol string, now time.Time) ([]Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Policy
	for _, p := range m.policies {
		if p.UserID != nil && *p.UserID == userID && policyInWindow(p, protocol, now) {
			out = append(out, *p)
		}
	}
	return out, nil
}

// PoliciesForGroups implements Reader.
func (m *Memory) PoliciesForGroups(ctx context.Context, groupIDs []int64, protocol string, now time.Time) ([]Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[int64]bool, len(groupIDs))
	for _, id := range groupIDs {
		wanted[id] = true
	}
	var out []Policy
	for _, p := range m.policies {
		if p.UserGroupID != nil && wanted[*p.UserGroupID] && policyInWindow(p, protocol, now) {
			out = append(out, *p)
		}
	}
	return out, nil
}

// PolicyLogins implements Reader.
func (m *Memory) PolicyLogins(ctx context.Context, policyID int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.policyLogins[policyID]...), nil
}

// PolicySchedules implements Reader.
func (m *Memory) PolicySchedules(ctx context.Context, policyID int64) ([]schedule.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]schedule.Rule(nil), m.policySchedules[policyID]...), nil
}

// UserGroups implements Reader.
func (m *Memory) UserGroups(ctx context.Context) ([]UserGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UserGroup, 0, len(m.userGroups))
	for _, g := range m.userGroups {
		out = append(out, *g)
	}
	return out, nil
}

// UserGroupMemberships implements Reader.
func (m *Memory) UserGroupMemberships(ctx context.Context, userID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.userGroupMembers[userID]...), nil
}

// BackendGroups implements Reader.
func (m *Memory) BackendGroups(ctx context.Context) ([]BackendGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BackendGroup, 0, len(m.backendGroups))
	for _, g := range m.backendGroups {
		out = append(out, *g)
	}
	return out, nil
}

// BackendGroupMemberships implements Reader.
func (m *Memory) BackendGroupMemberships(ctx context.Context, backendID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.backendGroupMembers[backendID]...), nil
}

// LegacyUserBySourceIP implements Reader.
func (m *Memory) LegacyUserBySourceIP(ctx context.Context, address string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Active && u.LegacySourceIP == address && address != "" {
			out := *u
			return &out, nil
		}
	}
	return nil, trace.NotFound("no user with legacy source IP %v", address)
}

// LegacyUserByUsername implements Reader.
func (m *Memory) LegacyUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Active && u.Username == username {
			out := *u
			return &out, nil
		}
	}
	return nil, trace.NotFound("no active user %v", username)
}

// ActiveLegacyGrant implements Reader.
func (m *Memory) ActiveLegacyGrant(ctx context.Context, userID int64, now time.Time) (*AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.legacyGrants {
		if g.UserID == userID && g.Active && !g.StartTime.After(now) && !g.EndTime.Before(now) {
			out := *g
			return &out, nil
		}
	}
	return nil, trace.NotFound("no active legacy grant for user %v", userID)
}

// CreateSession implements Sessions.
func (m *Memory) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SID]; ok {
		return trace.AlreadyExists("session %v already exists", s.SID)
	}
	s.ID = m.id()
	s.Active = true
	stored := *s
	m.sessions[s.SID] = &stored
	return nil
}

// UpdateSession implements Sessions.
func (m *Memory) UpdateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[s.SID]
	if !ok {
		return trace.NotFound("session %v not found", s.SID)
	}
	stored.SSHLogin = s.SSHLogin
	stored.Subsystem = s.Subsystem
	stored.AgentUsed = s.AgentUsed
	stored.RecordingPath = s.RecordingPath
	stored.PolicyID = s.PolicyID
	return nil
}

// SealSession implements Sessions.
func (m *Memory) SealSession(ctx context.Context, sid string, seal SessionSeal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[sid]
	if !ok {
		return trace.NotFound("session %v not found", sid)
	}
	if !stored.Active {
		return nil
	}
	ended := seal.EndedAt
	duration := int64(ended.Sub(stored.StartedAt) / time.Second)
	stored.Active = false
	stored.EndedAt = &ended
	stored.DurationSeconds = &duration
	stored.TerminationReason = seal.Reason
	if seal.RecordingPath != "" {
		stored.RecordingPath = seal.RecordingPath
	}
	stored.RecordingSize = seal.RecordingSize
	return nil
}

// ReconcileOrphanSessions implements Sessions.
func (m *Memory) ReconcileOrphanSessions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if !s.Active && s.EndedAt != nil {
			continue
		}
		ended := now
		duration := int64(ended.Sub(s.StartedAt) / time.Second)
		s.Active = false
		s.EndedAt = &ended
		s.DurationSeconds = &duration
		s.TerminationReason = portcullis.TerminationServiceRestart
		n++
	}
	return n, nil
}

// CreateTransfer implements Sessions.
func (m *Memory) CreateTransfer(ctx context.Context, t *Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.id()
	stored := *t
	m.transfers[t.ID] = &stored
	return nil
}

// SealTransfer implements Sessions.
func (m *Memory) SealTransfer(ctx context.Context, transferID int64, endedAt time.Time, bytesSent, bytesReceived int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[transferID]
	if !ok {
		return trace.NotFound("transfer %v not found", transferID)
	}
	t.EndedAt = &endedAt
	t.BytesSent = bytesSent
	t.BytesReceived = bytesReceived
	return nil
}

// AppendAudit implements Audit.
func (m *Memory) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.id()
	m.audits = append(m.audits, *rec)
	return nil
}

// Sessions returns copies of all session rows. Test helper.
func (m *Memory) Sessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// SessionBySID returns a copy of a session row. Test helper.
func (m *Memory) SessionBySID(sid string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sid]
	if !ok {
		return nil, false
	}
	out := *s
	return &out, true
}

// Transfers returns copies of all transfer rows. Test helper.
func (m *Memory) Transfers() []Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, *t)
	}
	return out
}

// Audits returns a copy of the audit log. Test helper.
func (m *Memory) Audits() []AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AuditRecord(nil), m.audits...)
}
