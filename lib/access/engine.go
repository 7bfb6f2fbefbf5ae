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

// Package access decides whether a connection may pass through the
// jump host. A decision identifies the user by source IP, resolves the
// backend behind the dialed proxy IP, and walks the access policies
// with direct user policies taking strict priority over group
// policies.
package access

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/audit"
	"github.com/pawelmojski/portcullis/lib/grants"
	"github.com/pawelmojski/portcullis/lib/schedule"
)

// Request is one access question: may this source reach this
// destination over this protocol, optionally as this SSH login?
type Request struct {
	// SourceIP is the client address, without port.
	SourceIP string
	// DestIP is the proxy pool address the client dialed.
	DestIP string
	// Protocol is ssh or rdp.
	Protocol string
	// Login is the requested SSH login. Empty skips the whitelist
	// filter; RDP always leaves it empty.
	Login string
}

// Decision is the engine's answer. Every denial carries exactly one
// Reason and a human-readable Message suitable for the denial banner.
type Decision struct {
	Granted bool
	Reason  Reason
	Message string

	// User, SourceIP, Backend and Allocation are filled as far as
	// resolution got.
	User       *grants.User
	SourceIP   *grants.SourceIP
	Backend    *grants.Backend
	Allocation *grants.IPAllocation

	// Policies is the surviving policy set on a grant. On a
	// LoginNotAllowed or ScheduleClosed denial it holds the policies
	// that matched before the failing filter, for diagnostics.
	Policies []grants.Policy

	// EffectiveEnd is the UTC instant at which the data plane must
	// tear the session down. Nil means no timed teardown.
	EffectiveEnd *time.Time

	// ScheduleName names the schedule rule that opened the window for
	// a schedule-bound grant. Empty when no schedule was involved.
	ScheduleName string
}

// Config holds the engine dependencies.
type Config struct {
	// Store reads users, backends and policies.
	Store grants.Reader
	// Audit receives one record per decision.
	Audit audit.Sink
	// Clock supplies the decision time.
	Clock clockwork.Clock
	// LegacyGrants enables the flat access_grants fallback for source
	// IPs unknown to the policy model. Off by default.
	LegacyGrants bool
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Audit == nil {
		c.Audit = audit.NewDiscard()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine evaluates access requests against the grant store.
type Engine struct {
	store  grants.Reader
	audit  audit.Sink
	clock  clockwork.Clock
	legacy bool
	log    logrus.FieldLogger
}

// NewEngine returns an engine over the given store.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		store:  cfg.Store,
		audit:  cfg.Audit,
		clock:  cfg.Clock,
		legacy: cfg.LegacyGrants,
		log:    logrus.WithField(portcullis.Component, portcullis.ComponentAccess),
	}, nil
}

// Check runs the resolution algorithm and always returns a decision.
// Store failures are folded into an InternalError denial so callers
// fail closed without special-casing, and every decision is audited.
func (e *Engine) Check(ctx context.Context, req Request) *Decision {
	d, err := e.resolve(ctx, req)
	if err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"source_ip": req.SourceIP,
			"dest_ip":   req.DestIP,
			"protocol":  req.Protocol,
		}).Error("Access check failed.")
		d = &Decision{
			Reason:  ReasonInternalError,
			Message: fmt.Sprintf("Internal error: %v", err),
		}
	}
	decisionsTotal.WithLabelValues(string(d.Reason)).Inc()
	e.emitAudit(ctx, req, d)
	e.logDecision(req, d)
	return d
}

// resolve walks the resolution steps. Denials are returned as values;
// an error means the store itself failed.
func (e *Engine) resolve(ctx context.Context, req Request) (*Decision, error) {
	now := e.clock.Now().UTC()

	var (
		src     *grants.SourceIP
		user    *grants.User
		backend *grants.Backend
		alloc   *grants.IPAllocation
	)
	deny := func(reason Reason, msg string, policies []grants.Policy) *Decision {
		return &Decision{
			Reason:     reason,
			Message:    msg,
			SourceIP:   src,
			User:       user,
			Backend:    backend,
			Allocation: alloc,
			Policies:   policies,
		}
	}

	src, err := e.store.SourceIPByAddress(ctx, req.SourceIP)
	if err != nil {
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		if e.legacy {
			return e.resolveLegacy(ctx, req, now)
		}
		return deny(ReasonUnknownSourceIP, fmt.Sprintf("Unknown source IP %s", req.SourceIP), nil), nil
	}

	user, err = e.store.UserByID(ctx, src.UserID)
	if err != nil {
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		return deny(ReasonUserInactive, "User not found or inactive", nil), nil
	}
	if !user.Active {
		return deny(ReasonUserInactive, "User not found or inactive", nil), nil
	}

	backend, alloc, err = e.resolveBackend(ctx, req.DestIP)
	if err != nil {
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		return deny(ReasonUnknownBackend, fmt.Sprintf("No backend server for destination IP %s", req.DestIP), nil), nil
	}

	serverGroups, err := grants.ExpandBackendGroups(ctx, e.store, backend.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Direct user policies take strict priority: when any survive the
	// scope and source-IP filters, group policies are never consulted,
	// even if a later filter empties the direct set.
	direct, err := e.store.PoliciesForUser(ctx, user.ID, req.Protocol, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	chosen := filterScope(filterSourceIP(direct, src.ID), serverGroups, backend.ID)
	usingDirect := len(chosen) > 0

	if !usingDirect {
		userGroups, err := grants.ExpandUserGroups(ctx, e.store, user.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if len(userGroups) == 0 {
			return deny(ReasonNoMatchingPolicy, "No matching policy (user or group)", nil), nil
		}
		groupPolicies, err := e.store.PoliciesForGroups(ctx, setToSlice(userGroups), req.Protocol, now)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		chosen = filterScope(groupPolicies, serverGroups, backend.ID)
		if len(chosen) == 0 {
			return deny(ReasonNoMatchingPolicy, "No matching access policy", nil), nil
		}
	}

	if req.Protocol == portcullis.ProtocolSSH && req.Login != "" {
		surviving, err := e.filterLogins(ctx, chosen, req.Login)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if len(surviving) == 0 {
			msg := fmt.Sprintf("SSH login %q not allowed by group policy", req.Login)
			if usingDirect {
				msg = fmt.Sprintf("SSH login %q not allowed by direct user policy", req.Login)
			}
			return deny(ReasonLoginNotAllowed, msg, chosen), nil
		}
		chosen = surviving
	}

	open, rules, scheduleName, err := e.filterSchedules(ctx, chosen, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(open) == 0 {
		return deny(ReasonScheduleClosed, "Access outside scheduled hours", chosen), nil
	}

	return &Decision{
		Granted:      true,
		Reason:       ReasonGranted,
		Message:      "Access granted",
		SourceIP:     src,
		User:         user,
		Backend:      backend,
		Allocation:   alloc,
		Policies:     open,
		EffectiveEnd: effectiveEnd(open, rules, now),
		ScheduleName: scheduleName,
	}, nil
}

// resolveBackend maps a dialed pool address to its backend through the
// active allocation. Missing or inactive pieces surface as NotFound.
func (e *Engine) resolveBackend(ctx context.Context, destIP string) (*grants.Backend, *grants.IPAllocation, error) {
	alloc, err := e.store.AllocationByProxyAddress(ctx, destIP)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	backend, err := e.store.BackendByID(ctx, alloc.BackendID)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if !backend.Active {
		return nil, nil, trace.NotFound("backend %v is inactive", backend.ID)
	}
	return backend, alloc, nil
}

func filterSourceIP(policies []grants.Policy, sourceIPID int64) []grants.Policy {
	var out []grants.Policy
	for _, p := range policies {
		if p.SourceIPID == nil || *p.SourceIPID == sourceIPID {
			out = append(out, p)
		}
	}
	return out
}

func filterScope(policies []grants.Policy, serverGroups map[int64]bool, backendID int64) []grants.Policy {
	var out []grants.Policy
	for _, p := range policies {
		switch p.Scope.Kind {
		case grants.ScopeGroup:
			if serverGroups[p.Scope.GroupID] {
				out = append(out, p)
			}
		case grants.ScopeServer, grants.ScopeService:
			if p.Scope.BackendID == backendID {
				out = append(out, p)
			}
		}
	}
	return out
}

// filterLogins keeps policies whose whitelist is empty (unrestricted)
// or contains the login.
func (e *Engine) filterLogins(ctx context.Context, policies []grants.Policy, login string) ([]grants.Policy, error) {
	var out []grants.Policy
	for _, p := range policies {
		logins, err := e.store.PolicyLogins(ctx, p.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if len(logins) == 0 || slices.Contains(logins, login) {
			out = append(out, p)
		}
	}
	return out, nil
}

// filterSchedules keeps policies that ignore schedules or have an open
// window right now. It returns the loaded rules for the deadline
// computation and the name of the first rule that opened a window.
func (e *Engine) filterSchedules(ctx context.Context, policies []grants.Policy, now time.Time) ([]grants.Policy, map[int64][]schedule.Rule, string, error) {
	rules := make(map[int64][]schedule.Rule)
	var out []grants.Policy
	var scheduleName string
	for _, p := range policies {
		if !p.UseSchedules {
			out = append(out, p)
			continue
		}
		rs, err := e.store.PolicySchedules(ctx, p.ID)
		if err != nil {
			return nil, nil, "", trace.Wrap(err)
		}
		rules[p.ID] = rs
		ok, name := schedule.AnyMatches(rs, now)
		if !ok {
			for _, r := range rs {
				if r.Active {
					e.log.Debugf("Policy %v window %q (%v) is closed.", p.ID, r.Name, schedule.Describe(r))
				}
			}
			continue
		}
		out = append(out, p)
		if scheduleName == "" {
			scheduleName = name
		}
	}
	return out, rules, scheduleName, nil
}

// effectiveEnd is the earliest of every surviving policy end time and,
// for schedule-bound policies, the close of the currently open window.
// Nil when nothing bounds the session.
func effectiveEnd(policies []grants.Policy, rules map[int64][]schedule.Rule, now time.Time) *time.Time {
	var min *time.Time
	take := func(t time.Time) {
		if min == nil || t.Before(*min) {
			u := t
			min = &u
		}
	}
	for _, p := range policies {
		if p.EndTime != nil {
			take(p.EndTime.UTC())
		}
		if p.UseSchedules {
			if end := schedule.EarliestWindowEnd(rules[p.ID], now); end != nil {
				take(end.UTC())
			}
		}
	}
	return min
}

func setToSlice(set map[int64]bool) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (e *Engine) emitAudit(ctx context.Context, req Request, d *Decision) {
	rec := grants.AuditRecord{
		Action:       actionFor(req.Protocol, d.Granted),
		ResourceType: "access_attempt",
		SourceIP:     req.SourceIP,
		Success:      d.Granted,
		Details:      fmt.Sprintf("Protocol: %s, Destination: %s. %s", req.Protocol, req.DestIP, d.Message),
		Timestamp:    e.clock.Now().UTC(),
	}
	if d.User != nil {
		rec.UserID = &d.User.ID
	}
	if d.Backend != nil {
		rec.ResourceID = &d.Backend.ID
	}
	e.audit.Emit(ctx, rec)
}

func actionFor(protocol string, granted bool) string {
	switch {
	case protocol == portcullis.ProtocolRDP && granted:
		return portcullis.ActionRDPAccessGranted
	case protocol == portcullis.ProtocolRDP:
		return portcullis.ActionRDPAccessDenied
	case granted:
		return portcullis.ActionSSHAccessGranted
	default:
		return portcullis.ActionSSHAccessDenied
	}
}

func (e *Engine) logDecision(req Request, d *Decision) {
	fields := logrus.Fields{
		"source_ip": req.SourceIP,
		"dest_ip":   req.DestIP,
		"protocol":  req.Protocol,
	}
	if req.Login != "" {
		fields["login"] = req.Login
	}
	if d.User != nil {
		fields["user"] = d.User.Username
	}
	if d.Backend != nil {
		fields["backend"] = d.Backend.Name
	}
	if d.Granted {
		fields["policies"] = len(d.Policies)
		if d.ScheduleName != "" {
			fields["schedule"] = d.ScheduleName
		}
		e.log.WithFields(fields).Info("Access granted.")
		return
	}
	fields["reason"] = string(d.Reason)
	e.log.WithFields(fields).Warnf("Access denied: %s.", d.Message)
}
