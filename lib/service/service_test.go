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

package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/grants"
)

func TestServiceBootAndShutdown(t *testing.T) {
	store := grants.NewMemory()
	user := store.AddUser(grants.User{Username: "jsmith", Active: true})
	store.AddSourceIP(grants.SourceIP{UserID: user.ID, Address: "127.0.0.1", Active: true})
	backend := store.AddBackend(grants.Backend{Name: "win-01", Address: "127.0.0.1", Active: true})
	store.AddAllocation(grants.IPAllocation{ProxyAddress: "127.0.0.1", BackendID: backend.ID, Active: true})

	// A session left open by a previous run must be sealed on boot.
	orphan := &grants.Session{
		SID:       "orphan-1",
		UserID:    user.ID,
		BackendID: backend.ID,
		Protocol:  portcullis.ProtocolSSH,
		StartedAt: time.Now().Add(-time.Hour),
		Active:    true,
	}
	require.NoError(t, store.CreateSession(context.Background(), orphan))

	// Probe for a free shim port, the default 3389 may be taken on the
	// machine running the tests.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	rdpPort := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	svc, err := New(Config{
		ListenAddr:    "127.0.0.1:0",
		DataDir:       t.TempDir(),
		RecordingsDir: t.TempDir(),
		EnableRDP:     true,
		RDPListenPort: rdpPort,
		MetricsAddr:   "127.0.0.1:0",
		StorageType:   StorageTypeMemory,
		Store:         store,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errC := make(chan error, 1)
	go func() { errC <- svc.Run(ctx) }()

	select {
	case <-svc.Ready():
	case err := <-errC:
		t.Fatalf("service exited during boot: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not come up")
	}

	var sealed bool
	for _, sess := range store.Sessions() {
		if sess.SID == "orphan-1" {
			require.False(t, sess.Active)
			require.Equal(t, portcullis.TerminationServiceRestart, sess.TerminationReason)
			sealed = true
		}
	}
	require.True(t, sealed, "orphan session was not reconciled")

	// The SSH entrypoint identifies itself before any authentication.
	sshConn, err := net.Dial("tcp", svc.SSHAddr().String())
	require.NoError(t, err)
	sshConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	banner, err := bufio.NewReader(sshConn).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(banner, "SSH-2.0-Portcullis_"), "got banner %q", banner)
	sshConn.Close()

	// One shim listener per allocated proxy IP. Without an RDP policy
	// the connection is screened off.
	rdpAddrs := svc.RDPAddrs()
	require.Len(t, rdpAddrs, 1)
	rdpConn, err := net.Dial("tcp", rdpAddrs[0].String())
	require.NoError(t, err)
	rdpConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, _ := io.ReadAll(rdpConn)
	require.Empty(t, data)
	rdpConn.Close()

	require.Eventually(t, func() bool {
		for _, rec := range store.Audits() {
			if rec.Action == portcullis.ActionRDPAccessDenied {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%v/metrics", svc.MetricsAddr()))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "portcullis_sessions_active")
	require.Contains(t, string(body), "portcullis_decisions_total")

	cancel()
	select {
	case err := <-errC:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestServiceBindFailure(t *testing.T) {
	t.Parallel()
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	svc, err := New(Config{
		ListenAddr:    taken.Addr().String(),
		DataDir:       t.TempDir(),
		RecordingsDir: t.TempDir(),
		StorageType:   StorageTypeMemory,
		Store:         grants.NewMemory(),
	})
	require.NoError(t, err)

	err = svc.Run(context.Background())
	require.Error(t, err)
}
