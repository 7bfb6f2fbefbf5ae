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
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/schedule"
)

// PG is the PostgreSQL-backed Store.
type PG struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

// NewPG connects to the database described by connString
// (postgres://... or key=value DSN) and verifies the connection.
func NewPG(ctx context.Context, connString string) (*PG, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, trace.Wrap(err, "parsing connection string")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}
	return &PG{
		pool: pool,
		log:  logrus.WithField(portcullis.Component, portcullis.ComponentStore),
	}, nil
}

// Bootstrap creates any missing tables and indexes. All statements are
// idempotent; the service runs this on every start.
func (pg *PG) Bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := pg.pool.Exec(ctx, stmt); err != nil {
			return trace.Wrap(err, "bootstrapping schema")
		}
	}
	pg.log.Debug("Schema bootstrap complete.")
	return nil
}

// Close implements Store.
func (pg *PG) Close() error {
	pg.pool.Close()
	return nil
}

func cloneID(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func toInts(v []int32) []int {
	if v == nil {
		return nil
	}
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

// toTimeOfDay converts a scanned TIME column. NULL maps to nil, which
// the evaluator treats as an open bound.
func toTimeOfDay(t pgtype.Time) *schedule.TimeOfDay {
	if !t.Valid {
		return nil
	}
	secs := t.Microseconds / 1_000_000
	return &schedule.TimeOfDay{
		Hour:   int(secs / 3600),
		Minute: int(secs % 3600 / 60),
		Second: int(secs % 60),
	}
}

// SourceIPByAddress implements Reader.
func (pg *PG) SourceIPByAddress(ctx context.Context, address string) (*SourceIP, error) {
	var s SourceIP
	err := pg.pool.QueryRow(ctx,
		`SELECT id, user_id, source_ip, COALESCE(label, ''), is_active
		 FROM user_source_ips
		 WHERE source_ip = $1 AND is_active = true`,
		address,
	).Scan(&s.ID, &s.UserID, &s.Address, &s.Label, &s.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("no active source IP %v", address)
		}
		return nil, trace.Wrap(err)
	}
	return &s, nil
}

// UserByID implements Reader.
func (pg *PG) UserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	err := pg.pool.QueryRow(ctx,
		`SELECT id, username, is_active, port_forwarding_allowed, COALESCE(source_ip, '')
		 FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Username, &u.Active, &u.PortForwardingAllowed, &u.LegacySourceIP)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("user %v not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return &u, nil
}

// BackendByID implements Reader.
func (pg *PG) BackendByID(ctx context.Context, id int64) (*Backend, error) {
	var b Backend
	err := pg.pool.QueryRow(ctx,
		`SELECT id, name, ip_address, ssh_port, rdp_port, is_active
		 FROM servers WHERE id = $1`,
		id,
	).Scan(&b.ID, &b.Name, &b.Address, &b.SSHPort, &b.RDPPort, &b.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("backend %v not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return &b, nil
}

const allocationColumns = `id, allocated_ip, server_id, user_id, session_id, expires_at, is_active`

// AllocationByProxyAddress implements Reader.
func (pg *PG) AllocationByProxyAddress(ctx context.Context, address string) (*IPAllocation, error) {
	var a IPAllocation
	err := pg.pool.QueryRow(ctx,
		`SELECT `+allocationColumns+`
		 FROM ip_allocations
		 WHERE allocated_ip = $1 AND is_active = true`,
		address,
	).Scan(&a.ID, &a.ProxyAddress, &a.BackendID, &a.UserID, &a.SessionSID, &a.ExpiresAt, &a.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("no active allocation for %v", address)
		}
		return nil, trace.Wrap(err)
	}
	return &a, nil
}

// ActiveAllocations implements Reader.
func (pg *PG) ActiveAllocations(ctx context.Context) ([]IPAllocation, error) {
	rows, _ := pg.pool.Query(ctx,
		`SELECT `+allocationColumns+` FROM ip_allocations WHERE is_active = true`)
	var (
		a   IPAllocation
		out []IPAllocation
	)
	_, err := pgx.ForEachRow(rows, []any{
		&a.ID, &a.ProxyAddress, &a.BackendID, &a.UserID, &a.SessionSID, &a.ExpiresAt, &a.Active,
	}, func() error {
		c := a
		c.UserID = cloneID(a.UserID)
		c.SessionSID = cloneString(a.SessionSID)
		c.ExpiresAt = cloneTime(a.ExpiresAt)
		out = append(out, c)
		return nil
	})
	return out, trace.Wrap(err)
}

const policyColumns = `id, user_id, user_group_id, source_ip_id, scope_type,
	COALESCE(target_group_id, 0), COALESCE(target_server_id, 0),
	COALESCE(protocol, ''), start_time, end_time,
	port_forwarding_allowed, use_schedules, is_active`

func scanPolicies(rows pgx.Rows) ([]Policy, error) {
	var (
		p         Policy
		scopeKind string
		out       []Policy
	)
	_, err := pgx.ForEachRow(rows, []any{
		&p.ID, &p.UserID, &p.UserGroupID, &p.SourceIPID, &scopeKind,
		&p.Scope.GroupID, &p.Scope.BackendID, &p.Protocol,
		&p.StartTime, &p.EndTime,
		&p.PortForwardingAllowed, &p.UseSchedules, &p.Active,
	}, func() error {
		c := p
		c.Scope.Kind = ScopeKind(scopeKind)
		c.UserID = cloneID(p.UserID)
		c.UserGroupID = cloneID(p.UserGroupID)
		c.SourceIPID = cloneID(p.SourceIPID)
		c.EndTime = cloneTime(p.EndTime)
		out = append(out, c)
		return nil
	})
	return out, trace.Wrap(err)
}

// PoliciesForUser implements Reader.
func (pg *PG) PoliciesForUser(ctx context.Context, userID int64, protocol string, now time.Time) ([]Policy, error) {
	rows, _ := pg.pool.Query(ctx,
		`SELECT `+policyColumns+`
		 FROM access_policies
		 WHERE user_id = $1 AND is_active = true
		   AND (protocol IS NULL OR protocol = '' OR protocol = $2)
		   AND start_time <= $3 AND (end_time IS NULL OR end_time >= $3)`,
		userID, protocol, now.UTC())
	return scanPolicies(rows)
}

// PoliciesForGroups implements Reader.
func (pg *PG) PoliciesForGroups(ctx context.Context, groupIDs []int64, protocol string, now time.Time) ([]Policy, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	rows, _ := pg.pool.Query(ctx,
		`SELECT `+policyColumns+`
		 FROM access_policies
		 WHERE user_group_id = ANY($1) AND is_active = true
		   AND (protocol IS NULL OR protocol = '' OR protocol = $2)
		   AND start_time <= $3 AND (end_time IS NULL OR end_time >= $3)`,
		groupIDs, protocol, now.UTC())
	return scanPolicies(rows)
}

// PolicyLogins implements Reader.
func (pg *PG) PolicyLogins(ctx context.Context, policyID int64) ([]string, error) {
	rows, _ := pg.pool.Query(ctx,
		`SELECT allowed_login FROM policy_ssh_logins WHERE policy_id = $1`, policyID)
	var (
		login string
		out   []string
	)
	_, err := pgx.ForEachRow(rows, []any{&login}, func() error {
		out = append(out, login)
		return nil
	})
	return out, trace.Wrap(err)
}

// PolicySchedules implements Reader. Rows with a blank timezone are
// normalized to the service default so the evaluator always sees a
// concrete zone.
func (pg *PG) PolicySchedules(ctx context.Context, policyID int64) ([]schedule.Rule, error) {
	rows, _ := pg.pool.Query(ctx,
		`SELECT id, policy_id, COALESCE(name, ''), weekdays, time_start, time_end,
		        months, days_of_month, COALESCE(timezone, ''), is_active
		 FROM policy_schedules WHERE policy_id = $1`,
		policyID)
	var (
		r                      schedule.Rule
		weekdays, months, days []int32
		timeStart, timeEnd     pgtype.Time
		out                    []schedule.Rule
	)
	_, err := pgx.ForEachRow(rows, []any{
		&r.ID, &r.PolicyID, &r.Name, &weekdays, &timeStart, &timeEnd,
		&months, &days, &r.Timezone, &r.Active,
	}, func() error {
		c := r
		c.Weekdays = toInts(weekdays)
		c.TimeStart = toTimeOfDay(timeStart)
		c.TimeEnd = toTimeOfDay(timeEnd)
		c.Months = toInts(months)
		c.DaysOfMonth = toInts(days)
		if c.Timezone == "" {
			c.Timezone = defaults.DefaultTimezone
		}
		out = append(out, c)
		return nil
	})
	return out, trace.Wrap(err)
}

// UserGroups implements Reader.
func (pg *PG) UserGroups(ctx context.Context) ([]UserGroup, error) {
	rows, _ := pg.pool.Query(ctx,
		`SELECT id, name, parent_id, port_forwarding_allowed FROM user_groups`)
	var (
		g   UserGroup
		out []UserGroup
	)
	_, err := pgx.ForEachRow(rows, []any{&g.ID, &g.Name, &g.ParentID, &g.PortForwardingAllowed}, func() error {
		c := g
		c.ParentID = cloneID(g.ParentID)
		out = append(out, c)
		return nil
	})
	return out, trace.Wrap(err)
}

// UserGroupMemberships implements Reader.
func (pg *PG) UserGroupMemberships(ctx context.Context, userID int64) ([]int64, error) {
	rows, _ := pg.pool.Query(ctx,
		`SELECT group_id FROM user_group_members WHERE user_id = $1`, userID)
	return scanIDs(rows)
}

// BackendGroups implements Reader.
func (pg *PG) BackendGroups(ctx context.Context) ([]BackendGroup, error) {
	rows, _ := pg.pool.Query(ctx,
		`SELECT id, name, parent_id FROM server_groups`)
	var (
		g   BackendGroup
		out []BackendGroup
	)
	_, err := pgx.ForEachRow(rows, []any{&g.ID, &g.Name, &g.ParentID}, func() error {
		c := g
		c.ParentID = cloneID(g.ParentID)
		out = append(out, c)
		return nil
	})
	return out, trace.Wrap(err)
}

// BackendGroupMemberships implements Reader.
func (pg *PG) BackendGroupMemberships(ctx context.Context, backendID int64) ([]int64, error) {
	rows, _ := pg.pool.Query(ctx,
		`SELECT group_id FROM server_group_members WHERE server_id = $1`, backendID)
	return scanIDs(rows)
}

func scanIDs(rows pgx.Rows) ([]int64, error) {
	var (
		id  int64
		out []int64
	)
	_, err := pgx.ForEachRow(rows, []any{&id}, func() error {
		out = append(out, id)
		return nil
	})
	return out, trace.Wrap(err)
}

const userColumns = `id, username, is_active, port_forwarding_allowed, COALESCE(source_ip, '')`

// LegacyUserBySourceIP implements Reader.
func (pg *PG) LegacyUserBySourceIP(ctx context.Context, address string) (*User, error) {
	if address == "" {
		return nil, trace.NotFound("no user with legacy source IP %v", address)
	}
	var u User
	err := pg.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE source_ip = $1 AND is_active = true
		 LIMIT 1`,
		address,
	).Scan(&u.ID, &u.Username, &u.Active, &u.PortForwardingAllowed, &u.LegacySourceIP)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("no user with legacy source IP %v", address)
		}
		return nil, trace.Wrap(err)
	}
	return &u, nil
}

// LegacyUserByUsername implements Reader.
func (pg *PG) LegacyUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := pg.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE username = $1 AND is_active = true`,
		username,
	).Scan(&u.ID, &u.Username, &u.Active, &u.PortForwardingAllowed, &u.LegacySourceIP)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("no active user %v", username)
		}
		return nil, trace.Wrap(err)
	}
	return &u, nil
}

// ActiveLegacyGrant implements Reader.
func (pg *PG) ActiveLegacyGrant(ctx context.Context, userID int64, now time.Time) (*AccessGrant, error) {
	var g AccessGrant
	err := pg.pool.QueryRow(ctx,
		`SELECT id, user_id, server_id, protocol, start_time, end_time, is_active
		 FROM access_grants
		 WHERE user_id = $1 AND is_active = true
		   AND start_time <= $2 AND end_time >= $2
		 LIMIT 1`,
		userID, now.UTC(),
	).Scan(&g.ID, &g.UserID, &g.BackendID, &g.Protocol, &g.StartTime, &g.EndTime, &g.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("no active legacy grant for user %v", userID)
		}
		return nil, trace.Wrap(err)
	}
	return &g, nil
}

// CreateSession implements Sessions.
func (pg *PG) CreateSession(ctx context.Context, s *Session) error {
	err := pg.pool.QueryRow(ctx,
		`INSERT INTO sessions (
			session_id, user_id, server_id, protocol,
			source_ip, proxy_ip, backend_ip, backend_port,
			ssh_username, subsystem_name, ssh_agent_used,
			started_at, recording_path, is_active, policy_id
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, true, $14)
		 RETURNING id`,
		s.SID, s.UserID, s.BackendID, s.Protocol,
		s.SourceIP, s.ProxyIP, s.BackendIP, s.BackendPort,
		s.SSHLogin, s.Subsystem, s.AgentUsed,
		s.StartedAt.UTC(), s.RecordingPath, s.PolicyID,
	).Scan(&s.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	s.Active = true
	return nil
}

// UpdateSession implements Sessions.
func (pg *PG) UpdateSession(ctx context.Context, s *Session) error {
	tag, err := pg.pool.Exec(ctx,
		`UPDATE sessions SET
			ssh_username = $2, subsystem_name = $3, ssh_agent_used = $4,
			recording_path = $5, policy_id = $6
		 WHERE session_id = $1`,
		s.SID, s.SSHLogin, s.Subsystem, s.AgentUsed, s.RecordingPath, s.PolicyID)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("session %v not found", s.SID)
	}
	return nil
}

// SealSession implements Sessions. Sealing an already sealed session
// is a no-op so crash recovery and normal teardown cannot race.
func (pg *PG) SealSession(ctx context.Context, sid string, seal SessionSeal) error {
	tag, err := pg.pool.Exec(ctx,
		`UPDATE sessions SET
			is_active = false,
			ended_at = $2,
			duration_seconds = EXTRACT(EPOCH FROM ($2 - started_at))::bigint,
			termination_reason = $3,
			recording_path = CASE WHEN $4 <> '' THEN $4 ELSE recording_path END,
			recording_size = $5
		 WHERE session_id = $1 AND is_active = true`,
		sid, seal.EndedAt.UTC(), seal.Reason, seal.RecordingPath, seal.RecordingSize)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := pg.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)`, sid,
	).Scan(&exists); err != nil {
		return trace.Wrap(err)
	}
	if !exists {
		return trace.NotFound("session %v not found", sid)
	}
	return nil
}

// ReconcileOrphanSessions implements Sessions.
func (pg *PG) ReconcileOrphanSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := pg.pool.Exec(ctx,
		`UPDATE sessions SET
			is_active = false,
			ended_at = $1,
			duration_seconds = EXTRACT(EPOCH FROM ($1 - started_at))::bigint,
			termination_reason = $2
		 WHERE is_active = true OR ended_at IS NULL`,
		now.UTC(), portcullis.TerminationServiceRestart)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return tag.RowsAffected(), nil
}

// CreateTransfer implements Sessions.
func (pg *PG) CreateTransfer(ctx context.Context, t *Transfer) error {
	err := pg.pool.QueryRow(ctx,
		`INSERT INTO session_transfers (
			session_id, transfer_type, file_path,
			local_addr, local_port, remote_addr, remote_port,
			bytes_sent, bytes_received, started_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		t.SessionID, t.Type, t.FilePath,
		t.LocalAddr, t.LocalPort, t.RemoteAddr, t.RemotePort,
		t.BytesSent, t.BytesReceived, t.StartedAt.UTC(),
	).Scan(&t.ID)
	return trace.Wrap(err)
}

// SealTransfer implements Sessions.
func (pg *PG) SealTransfer(ctx context.Context, transferID int64, endedAt time.Time, bytesSent, bytesReceived int64) error {
	tag, err := pg.pool.Exec(ctx,
		`UPDATE session_transfers SET ended_at = $2, bytes_sent = $3, bytes_received = $4
		 WHERE id = $1`,
		transferID, endedAt.UTC(), bytesSent, bytesReceived)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("transfer %v not found", transferID)
	}
	return nil
}

// AppendAudit implements Audit.
func (pg *PG) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	err := pg.pool.QueryRow(ctx,
		`INSERT INTO audit_logs (
			user_id, action, resource_type, resource_id,
			source_ip, success, details, timestamp
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		rec.UserID, rec.Action, rec.ResourceType, rec.ResourceID,
		rec.SourceIP, rec.Success, rec.Details, rec.Timestamp.UTC(),
	).Scan(&rec.ID)
	return trace.Wrap(err)
}
