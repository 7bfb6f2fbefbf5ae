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

// schemaStatements is executed in order by (*PG).Bootstrap. Every
// statement is idempotent so the service can run it on every start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT true,
		port_forwarding_allowed BOOLEAN NOT NULL DEFAULT false,
		source_ip TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS user_source_ips (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		source_ip TEXT NOT NULL,
		label TEXT,
		is_active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS user_source_ips_active_address
		ON user_source_ips (source_ip) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS user_groups (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		parent_id BIGINT REFERENCES user_groups(id) ON DELETE SET NULL,
		port_forwarding_allowed BOOLEAN NOT NULL DEFAULT false
	)`,

	`CREATE TABLE IF NOT EXISTS user_group_members (
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		group_id BIGINT NOT NULL REFERENCES user_groups(id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, group_id)
	)`,

	`CREATE TABLE IF NOT EXISTS servers (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		ssh_port INTEGER NOT NULL DEFAULT 22,
		rdp_port INTEGER NOT NULL DEFAULT 3389,
		is_active BOOLEAN NOT NULL DEFAULT true
	)`,

	`CREATE TABLE IF NOT EXISTS server_groups (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		parent_id BIGINT REFERENCES server_groups(id) ON DELETE SET NULL
	)`,

	`CREATE TABLE IF NOT EXISTS server_group_members (
		server_id BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		group_id BIGINT NOT NULL REFERENCES server_groups(id) ON DELETE CASCADE,
		PRIMARY KEY (server_id, group_id)
	)`,

	`CREATE TABLE IF NOT EXISTS ip_allocations (
		id BIGSERIAL PRIMARY KEY,
		allocated_ip TEXT NOT NULL,
		server_id BIGINT NOT NULL REFERENCES servers(id),
		user_id BIGINT REFERENCES users(id),
		session_id TEXT,
		expires_at TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ip_allocations_active_address
		ON ip_allocations (allocated_ip) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS access_policies (
		id BIGSERIAL PRIMARY KEY,
		name TEXT,
		scope_type TEXT NOT NULL CHECK (scope_type IN ('group', 'server', 'service')),
		target_group_id BIGINT REFERENCES server_groups(id),
		target_server_id BIGINT REFERENCES servers(id),
		protocol TEXT,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		user_id BIGINT REFERENCES users(id),
		user_group_id BIGINT REFERENCES user_groups(id),
		source_ip_id BIGINT REFERENCES user_source_ips(id),
		use_schedules BOOLEAN NOT NULL DEFAULT false,
		port_forwarding_allowed BOOLEAN NOT NULL DEFAULT false,
		is_active BOOLEAN NOT NULL DEFAULT true,
		CHECK (target_group_id IS NOT NULL OR target_server_id IS NOT NULL),
		CHECK (user_id IS NOT NULL OR user_group_id IS NOT NULL)
	)`,

	`CREATE TABLE IF NOT EXISTS policy_ssh_logins (
		id BIGSERIAL PRIMARY KEY,
		policy_id BIGINT NOT NULL REFERENCES access_policies(id) ON DELETE CASCADE,
		allowed_login TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS policy_schedules (
		id BIGSERIAL PRIMARY KEY,
		policy_id BIGINT NOT NULL REFERENCES access_policies(id) ON DELETE CASCADE,
		name TEXT,
		weekdays INTEGER[],
		time_start TIME,
		time_end TIME,
		months INTEGER[],
		days_of_month INTEGER[],
		timezone TEXT NOT NULL DEFAULT 'Europe/Warsaw',
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE,
		user_id BIGINT NOT NULL REFERENCES users(id),
		server_id BIGINT NOT NULL REFERENCES servers(id),
		protocol TEXT NOT NULL CHECK (protocol IN ('ssh', 'rdp')),
		source_ip TEXT NOT NULL DEFAULT '',
		proxy_ip TEXT NOT NULL DEFAULT '',
		backend_ip TEXT NOT NULL DEFAULT '',
		backend_port INTEGER NOT NULL DEFAULT 0,
		ssh_username TEXT NOT NULL DEFAULT '',
		subsystem_name TEXT NOT NULL DEFAULT '',
		ssh_agent_used BOOLEAN NOT NULL DEFAULT false,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		duration_seconds BIGINT,
		recording_path TEXT NOT NULL DEFAULT '',
		recording_size BIGINT NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT true,
		termination_reason TEXT NOT NULL DEFAULT '',
		policy_id BIGINT REFERENCES access_policies(id)
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_active ON sessions (session_id) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS session_transfers (
		id BIGSERIAL PRIMARY KEY,
		session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		transfer_type TEXT NOT NULL,
		file_path TEXT NOT NULL DEFAULT '',
		local_addr TEXT NOT NULL DEFAULT '',
		local_port INTEGER NOT NULL DEFAULT 0,
		remote_addr TEXT NOT NULL DEFAULT '',
		remote_port INTEGER NOT NULL DEFAULT 0,
		bytes_sent BIGINT NOT NULL DEFAULT 0,
		bytes_received BIGINT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT REFERENCES users(id),
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL DEFAULT '',
		resource_id BIGINT,
		source_ip TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_timestamp ON audit_logs (timestamp)`,

	`CREATE TABLE IF NOT EXISTS access_grants (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		server_id BIGINT NOT NULL REFERENCES servers(id),
		protocol TEXT NOT NULL DEFAULT 'ssh',
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT true
	)`,
}
