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

// Package defaults contains default constants used across the jump host.
package defaults

import "time"

const (
	// SSHListenAddr is where the SSH data-plane listens unless
	// configured otherwise. Each backend additionally gets a dedicated
	// proxy IP on the NIC; the SSH listener serves all of them.
	SSHListenAddr = "0.0.0.0:22"

	// BackendSSHPort is the port the proxy dials on a backend unless
	// the backend row overrides it.
	BackendSSHPort = 22

	// BackendRDPPort is the port the RDP shim dials on a backend
	// unless the backend row overrides it.
	BackendRDPPort = 3389

	// RDPListenPort is the port the RDP shim listens on, on every
	// backend proxy IP.
	RDPListenPort = 3389

	// HostKeyFile is where the SSH host key is persisted relative to
	// the data directory. Generated on first start when missing.
	HostKeyFile = "portcullis_rsa_key"

	// HostKeyBits is the RSA host key size.
	HostKeyBits = 2048

	// DataDir is the default state directory.
	DataDir = "/var/lib/portcullis"

	// RecordingsDir is the default transcript directory.
	RecordingsDir = "/var/lib/portcullis/recordings"
)

const (
	// BackendDialTimeout bounds the TCP+SSH handshake towards a
	// backend.
	BackendDialTimeout = 15 * time.Second

	// ChannelAcceptTimeout is how long the proxy waits for the client
	// to open its first channel after authentication.
	ChannelAcceptTimeout = 20 * time.Second

	// DrainGrace is how long the proxy keeps relaying after one side
	// half-closes, so in-flight bytes are not dropped.
	DrainGrace = 100 * time.Millisecond

	// AcceptPollInterval is the deadline used by port-forward accept
	// loops so they observe parent transport closure promptly.
	AcceptPollInterval = 1 * time.Second

	// StoreOpTimeout bounds one logical store round-trip.
	StoreOpTimeout = 10 * time.Second

	// ShutdownTimeout bounds graceful teardown of all listeners.
	ShutdownTimeout = 5 * time.Second
)

const (
	// RelayBufferSize is the read buffer used by the byte relays.
	RelayBufferSize = 4096

	// RecordPayloadLimit is the longest payload stored verbatim in a
	// transcript event; longer payloads are truncated with a marker.
	RecordPayloadLimit = 1000

	// MaxSessionsPerConn caps concurrent session channels a single
	// client connection may hold open.
	MaxSessionsPerConn = 10
)

const (
	// ExpiryFirstWarning is emitted this long before the effective
	// deadline of a session.
	ExpiryFirstWarning = 5 * time.Minute

	// ExpiryFinalWarning is emitted this long before the effective
	// deadline of a session.
	ExpiryFinalWarning = 1 * time.Minute
)

// DefaultTimezone is the schema default for schedule rules that do not
// declare their own timezone.
const DefaultTimezone = "Europe/Warsaw"
