/*
Copyright 2026 Pawel Mojski.

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

package rdpshim

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/access"
	"github.com/pawelmojski/portcullis/lib/audit"
	"github.com/pawelmojski/portcullis/lib/grants"
	"github.com/pawelmojski/portcullis/lib/sshutils"
)

// startEchoBackend plays the backend RDP service: it echoes whatever
// the client sends until the client closes.
func startEchoBackend(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

type shimFixtureParams struct {
	clock     clockwork.Clock
	noPolicy  bool
	policyEnd *time.Time
	// deadPort points the backend row at a port nothing listens on.
	deadPort bool
}

type shimFixture struct {
	t       *testing.T
	clock   clockwork.Clock
	store   *grants.Memory
	user    grants.User
	backend grants.Backend
	addr    string
}

func newShimFixture(t *testing.T, p shimFixtureParams) *shimFixture {
	t.Helper()
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}

	backendPort := startEchoBackend(t)
	if p.deadPort {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		backendPort = ln.Addr().(*net.TCPAddr).Port
		ln.Close()
	}

	store := grants.NewMemory()
	user := store.AddUser(grants.User{Username: "kowalski", Active: true})
	store.AddSourceIP(grants.SourceIP{UserID: user.ID, Address: "127.0.0.1", Active: true})
	backendRow := store.AddBackend(grants.Backend{
		Name:    "win-01",
		Address: "127.0.0.1",
		RDPPort: backendPort,
		Active:  true,
	})
	store.AddAllocation(grants.IPAllocation{
		ProxyAddress: "127.0.0.1",
		BackendID:    backendRow.ID,
		Active:       true,
	})
	if !p.noPolicy {
		store.AddPolicy(grants.Policy{
			UserID:    &user.ID,
			Scope:     grants.Scope{Kind: grants.ScopeServer, BackendID: backendRow.ID},
			Protocol:  portcullis.ProtocolRDP,
			StartTime: p.clock.Now().Add(-time.Hour),
			EndTime:   p.policyEnd,
			Active:    true,
		}, nil, nil)
	}

	engine, err := access.NewEngine(access.Config{
		Store: store,
		Audit: audit.NewStoreSink(store),
		Clock: p.clock,
	})
	require.NoError(t, err)

	selector, err := NewBackendSelector(SelectorConfig{Engine: engine})
	require.NoError(t, err)

	handler, err := NewHandler(HandlerConfig{
		Selector:    selector,
		Store:       store,
		Audit:       audit.NewStoreSink(store),
		Clock:       p.clock,
		DialTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	srv, err := sshutils.NewServer(portcullis.ComponentRDP, "127.0.0.1:0", handler)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return &shimFixture{
		t:       t,
		clock:   p.clock,
		store:   store,
		user:    user,
		backend: backendRow,
		addr:    ln.Addr().String(),
	}
}

func (f *shimFixture) dial() net.Conn {
	f.t.Helper()
	conn, err := net.Dial("tcp", f.addr)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *shimFixture) waitSealed(reason string) grants.Session {
	f.t.Helper()
	var sealed grants.Session
	require.Eventually(f.t, func() bool {
		for _, s := range f.store.Sessions() {
			if !s.Active && s.TerminationReason == reason {
				sealed = s
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
	return sealed
}

func (f *shimFixture) auditActions() []string {
	var actions []string
	for _, rec := range f.store.Audits() {
		actions = append(actions, rec.Action)
	}
	return actions
}

func TestGrantedPassthrough(t *testing.T) {
	t.Parallel()
	f := newShimFixture(t, shimFixtureParams{})

	conn := f.dial()
	_, err := conn.Write([]byte("rdp-negotiation-bytes"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "rdp-negotiation-bytes", string(buf[:n]))

	conn.Close()

	sealed := f.waitSealed(portcullis.TerminationNormal)
	require.Equal(t, portcullis.ProtocolRDP, sealed.Protocol)
	require.Equal(t, f.user.ID, sealed.UserID)
	require.Equal(t, f.backend.ID, sealed.BackendID)
	require.Equal(t, "127.0.0.1", sealed.SourceIP)
	require.NotNil(t, sealed.PolicyID)
	require.Empty(t, sealed.SSHLogin)

	actions := f.auditActions()
	require.Contains(t, actions, portcullis.ActionRDPAccessGranted)
	require.Contains(t, actions, portcullis.ActionSessionStarted)
	require.Contains(t, actions, portcullis.ActionSessionEnded)
}

func TestDeniedConnectionDropped(t *testing.T) {
	t.Parallel()
	f := newShimFixture(t, shimFixtureParams{noPolicy: true})

	conn := f.dial()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, _ := io.ReadAll(conn)
	require.Empty(t, data)

	require.Eventually(t, func() bool {
		for _, action := range f.auditActions() {
			if action == portcullis.ActionRDPAccessDenied {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
	require.Empty(t, f.store.Sessions())
}

func TestBackendUnreachableDropsClient(t *testing.T) {
	t.Parallel()
	f := newShimFixture(t, shimFixtureParams{deadPort: true})

	conn := f.dial()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, _ := io.ReadAll(conn)
	require.Empty(t, data)

	// The grant was issued, but no session row exists because the
	// backend leg never came up.
	require.Eventually(t, func() bool {
		for _, action := range f.auditActions() {
			if action == portcullis.ActionRDPAccessGranted {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
	require.Empty(t, f.store.Sessions())
}

func TestGrantExpiryClosesConnection(t *testing.T) {
	t.Parallel()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	end := fc.Now().Add(30 * time.Minute)
	f := newShimFixture(t, shimFixtureParams{clock: fc, policyEnd: &end})

	conn := f.dial()
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	// The expiry watchdog is the only clock waiter.
	fc.BlockUntil(1)
	fc.Advance(31 * time.Minute)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err)

	sealed := f.waitSealed(portcullis.TerminationGrantExpired)
	require.Equal(t, portcullis.ProtocolRDP, sealed.Protocol)
}

func TestResolveReturnsBackendAndDecision(t *testing.T) {
	t.Parallel()
	f := newShimFixture(t, shimFixtureParams{})

	engine, err := access.NewEngine(access.Config{
		Store: f.store,
		Audit: audit.Discard{},
		Clock: f.clock,
	})
	require.NoError(t, err)
	selector, err := NewBackendSelector(SelectorConfig{Engine: engine})
	require.NoError(t, err)

	local := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 3389}
	remote := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 49152}

	backend, d, err := selector.Resolve(context.Background(), local, remote, portcullis.ProtocolRDP)
	require.NoError(t, err)
	require.True(t, d.Granted)
	require.NotNil(t, backend)
	require.Equal(t, f.backend.ID, backend.ID)

	// An unknown client address is turned away before backend
	// resolution.
	stranger := &net.TCPAddr{IP: net.ParseIP("10.9.9.9"), Port: 49152}
	backend, d, err = selector.Resolve(context.Background(), local, stranger, portcullis.ProtocolRDP)
	require.NoError(t, err)
	require.False(t, d.Granted)
	require.Equal(t, access.ReasonUnknownSourceIP, d.Reason)
	require.Nil(t, backend)
}

func TestListenAddrs(t *testing.T) {
	t.Parallel()
	store := grants.NewMemory()
	b1 := store.AddBackend(grants.Backend{Name: "win-01", Address: "10.1.0.1", Active: true})
	b2 := store.AddBackend(grants.Backend{Name: "win-02", Address: "10.1.0.2", Active: true})
	store.AddAllocation(grants.IPAllocation{ProxyAddress: "192.0.2.10", BackendID: b1.ID, Active: true})
	store.AddAllocation(grants.IPAllocation{ProxyAddress: "192.0.2.11", BackendID: b2.ID, Active: true})
	// Inactive allocations get no listener.
	store.AddAllocation(grants.IPAllocation{ProxyAddress: "192.0.2.12", BackendID: b2.ID, Active: false})

	addrs, err := ListenAddrs(context.Background(), store, 3389)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"192.0.2.10:3389", "192.0.2.11:3389"}, addrs)
}
