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

// Package portcullis contains constants shared across the jump host:
// component names used in structured logs, wire protocol identifiers,
// session termination reasons and audit action names.
package portcullis

const (
	// Component is the name of the log field that carries the
	// component name.
	Component = "component"

	// ComponentProxy is the SSH data-plane that terminates the client
	// connection and forwards it to the backend.
	ComponentProxy = "proxy"

	// ComponentRDP is the RDP access-control shim.
	ComponentRDP = "rdp"

	// ComponentAccess is the policy decision engine.
	ComponentAccess = "access"

	// ComponentSchedule is the schedule evaluator.
	ComponentSchedule = "schedule"

	// ComponentStore is the grant store.
	ComponentStore = "store"

	// ComponentAudit is the audit sink.
	ComponentAudit = "audit"

	// ComponentRecorder is the session transcript recorder.
	ComponentRecorder = "recorder"

	// ComponentMonitor is the grant-expiry monitor.
	ComponentMonitor = "monitor"

	// ComponentService is the supervisor that ties everything together.
	ComponentService = "service"
)

const (
	// ProtocolSSH identifies proxied SSH sessions.
	ProtocolSSH = "ssh"

	// ProtocolRDP identifies proxied RDP sessions.
	ProtocolRDP = "rdp"
)

// Session termination reasons, stored on the session row when it is
// sealed.
const (
	// TerminationNormal means the client or the backend closed the
	// session cleanly.
	TerminationNormal = "normal"

	// TerminationError means a transport error closed the session.
	TerminationError = "error"

	// TerminationGrantExpired means the expiry monitor tore the session
	// down at its effective deadline.
	TerminationGrantExpired = "grant_expired"

	// TerminationServiceRestart marks orphaned rows reconciled on
	// startup.
	TerminationServiceRestart = "service_restart"
)

// Audit action names. Every policy decision and session lifecycle
// transition appends exactly one record with one of these actions.
const (
	ActionSSHAccessGranted = "ssh_access_granted"
	ActionSSHAccessDenied  = "ssh_access_denied"
	ActionRDPAccessGranted = "rdp_access_granted"
	ActionRDPAccessDenied  = "rdp_access_denied"
	ActionSessionStarted   = "session_started"
	ActionSessionEnded     = "session_ended"
)

// Version is reported by the CLI and in the SSH server version string.
const Version = "1.4.2"
