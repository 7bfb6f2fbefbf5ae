/*
Copyright 2026 Pawel Mojski

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

package forward

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/access"
	"github.com/pawelmojski/portcullis/lib/audit"
	"github.com/pawelmojski/portcullis/lib/grants"
	"github.com/pawelmojski/portcullis/lib/sshutils"
)

const (
	testLogin    = "ubuntu"
	testPassword = "hunter2"
)

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

// syncBuf is a goroutine safe byte sink for collecting session output.
type syncBuf struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuf) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuf) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// banners collects SSH banner messages received during a handshake.
type banners struct {
	mu  sync.Mutex
	all []string
}

func (b *banners) collect(message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, message)
	return nil
}

func (b *banners) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.all, "\n")
}

// testBackend is a minimal SSH server standing in for the machine
// behind the proxy. It accepts one password and one public key, echoes
// shell and subsystem traffic, and acknowledges forwarding requests.
type testBackend struct {
	t    *testing.T
	addr string
	port int

	authorizedKey ssh.PublicKey

	mu             sync.Mutex
	lastExec       string
	lastAuthMethod string
	agentRequested bool
	forwardReqs    []sshutils.TCPIPForwardReq
	seenKey        ssh.PublicKey
}

func startTestBackend(t *testing.T, authorizedKey ssh.PublicKey) *testBackend {
	t.Helper()
	b := &testBackend{t: t, authorizedKey: authorizedKey}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) != testPassword {
				return nil, fmt.Errorf("wrong password for %q", conn.User())
			}
			b.mu.Lock()
			b.lastAuthMethod = "password"
			b.mu.Unlock()
			return nil, nil
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if b.authorizedKey == nil || !bytes.Equal(key.Marshal(), b.authorizedKey.Marshal()) {
				return nil, fmt.Errorf("key not authorized for %q", conn.User())
			}
			b.mu.Lock()
			b.lastAuthMethod = "publickey"
			b.seenKey = key
			b.mu.Unlock()
			return nil, nil
		},
	}
	config.AddHostKey(newTestSigner(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	b.addr = ln.Addr().String()
	_, portStr, err := net.SplitHostPort(b.addr)
	require.NoError(t, err)
	fmt.Sscanf(portStr, "%d", &b.port)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go b.handleConn(conn, config)
		}
	}()
	return b
}

func (b *testBackend) handleConn(conn net.Conn, config *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()

	go func() {
		for req := range reqs {
			switch req.Type {
			case sshutils.TCPIPForwardRequest:
				var fwd sshutils.TCPIPForwardReq
				if err := ssh.Unmarshal(req.Payload, &fwd); err == nil {
					b.mu.Lock()
					b.forwardReqs = append(b.forwardReqs, fwd)
					b.mu.Unlock()
				}
				if req.WantReply {
					req.Reply(true, nil)
				}
			case sshutils.CancelTCPIPForwardRequest:
				if req.WantReply {
					req.Reply(true, nil)
				}
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}()

	for nch := range chans {
		switch nch.ChannelType() {
		case sshutils.SessionChannel:
			go b.handleSession(nch)
		case sshutils.DirectTCPIPChannel:
			ch, chReqs, err := nch.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(chReqs)
			go func() {
				io.Copy(ch, ch)
				ch.Close()
			}()
		default:
			nch.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

func (b *testBackend) handleSession(nch ssh.NewChannel) {
	ch, reqs, err := nch.Accept()
	if err != nil {
		return
	}
	for req := range reqs {
		switch req.Type {
		case sshutils.PTYRequest, sshutils.EnvRequest, sshutils.WindowChangeRequest:
			if req.WantReply {
				req.Reply(true, nil)
			}
		case sshutils.AgentForwardRequest:
			b.mu.Lock()
			b.agentRequested = true
			b.mu.Unlock()
			if req.WantReply {
				req.Reply(true, nil)
			}
		case sshutils.ShellRequest:
			if req.WantReply {
				req.Reply(true, nil)
			}
			go func() {
				io.WriteString(ch, "backend-shell\r\n")
				io.Copy(ch, ch)
				ch.SendRequest(sshutils.ExitStatusRequest, false, ssh.Marshal(sshutils.ExitStatusReq{Code: 0}))
				ch.Close()
			}()
		case sshutils.ExecRequest:
			var exec sshutils.ExecReq
			ssh.Unmarshal(req.Payload, &exec)
			b.mu.Lock()
			b.lastExec = exec.Command
			b.mu.Unlock()
			if req.WantReply {
				req.Reply(true, nil)
			}
			go func() {
				io.WriteString(ch, "exec-ok:"+exec.Command+"\n")
				io.Copy(io.Discard, ch)
				ch.SendRequest(sshutils.ExitStatusRequest, false, ssh.Marshal(sshutils.ExitStatusReq{Code: 0}))
				ch.Close()
			}()
		case sshutils.SubsystemRequest:
			if req.WantReply {
				req.Reply(true, nil)
			}
			go func() {
				io.Copy(ch, ch)
				ch.SendRequest(sshutils.ExitStatusRequest, false, ssh.Marshal(sshutils.ExitStatusReq{Code: 0}))
				ch.Close()
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (b *testBackend) lastExecCommand() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastExec
}

func (b *testBackend) authMethod() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAuthMethod
}

func (b *testBackend) sawAgentRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agentRequested
}

func (b *testBackend) forwardRequests() []sshutils.TCPIPForwardReq {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sshutils.TCPIPForwardReq(nil), b.forwardReqs...)
}

type fixtureParams struct {
	clock           clockwork.Clock
	logins          []string
	portForwarding  bool
	policyEnd       *time.Time
	noSourceIP      bool
	authorizedKey   ssh.PublicKey
	hostKeyCallback ssh.HostKeyCallback
}

type proxyFixture struct {
	t       *testing.T
	clock   clockwork.Clock
	store   *grants.Memory
	engine  *access.Engine
	backend *testBackend
	addr    string
	recDir  string
	user    grants.User
}

func newProxyFixture(t *testing.T, p fixtureParams) *proxyFixture {
	t.Helper()
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}

	backend := startTestBackend(t, p.authorizedKey)

	store := grants.NewMemory()
	user := store.AddUser(grants.User{Username: "jsmith", Active: true})
	if !p.noSourceIP {
		store.AddSourceIP(grants.SourceIP{UserID: user.ID, Address: "127.0.0.1", Active: true})
	}
	backendRow := store.AddBackend(grants.Backend{
		Name:    "web-01",
		Address: "127.0.0.1",
		SSHPort: backend.port,
		Active:  true,
	})
	store.AddAllocation(grants.IPAllocation{
		ProxyAddress: "127.0.0.1",
		BackendID:    backendRow.ID,
		Active:       true,
	})
	store.AddPolicy(grants.Policy{
		UserID:                &user.ID,
		Scope:                 grants.Scope{Kind: grants.ScopeServer, BackendID: backendRow.ID},
		Protocol:              portcullis.ProtocolSSH,
		StartTime:             p.clock.Now().Add(-time.Hour),
		EndTime:               p.policyEnd,
		PortForwardingAllowed: p.portForwarding,
		Active:                true,
	}, p.logins, nil)

	engine, err := access.NewEngine(access.Config{
		Store: store,
		Audit: audit.NewStoreSink(store),
		Clock: p.clock,
	})
	require.NoError(t, err)

	signer := newTestSigner(t)
	recDir := t.TempDir()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv, err := New(ServerConfig{
				Conn:                   conn,
				HostSigners:            []ssh.Signer{signer},
				Engine:                 engine,
				Store:                  store,
				Audit:                  audit.NewStoreSink(store),
				RecordingsDir:          recDir,
				Clock:                  p.clock,
				BackendHostKeyCallback: p.hostKeyCallback,
			})
			if err != nil {
				conn.Close()
				continue
			}
			go srv.Serve()
		}
	}()

	return &proxyFixture{
		t:       t,
		clock:   p.clock,
		store:   store,
		engine:  engine,
		backend: backend,
		addr:    ln.Addr().String(),
		recDir:  recDir,
		user:    user,
	}
}

func (f *proxyFixture) dial(login string, auth []ssh.AuthMethod) (*ssh.Client, *banners, error) {
	b := &banners{}
	client, err := ssh.Dial("tcp", f.addr, &ssh.ClientConfig{
		User:            login,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		BannerCallback:  b.collect,
		Timeout:         5 * time.Second,
	})
	return client, b, err
}

// waitSealed polls until the single session row is sealed and returns
// it.
func (f *proxyFixture) waitSealed(reason string) grants.Session {
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

// readTranscript parses the recording file of a sealed session.
func readTranscript(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func transcriptEvents(t *testing.T, doc map[string]any) []map[string]any {
	t.Helper()
	rawEvents, ok := doc["events"].([]any)
	require.True(t, ok, "transcript has no events array")
	events := make([]map[string]any, 0, len(rawEvents))
	for _, e := range rawEvents {
		ev, ok := e.(map[string]any)
		require.True(t, ok)
		events = append(events, ev)
	}
	return events
}

func TestPasswordExecRelay(t *testing.T) {
	t.Parallel()
	f := newProxyFixture(t, fixtureParams{})

	client, _, err := f.dial(testLogin, []ssh.AuthMethod{ssh.Password(testPassword)})
	require.NoError(t, err)

	sess, err := client.NewSession()
	require.NoError(t, err)
	out, err := sess.Output("hostname")
	require.NoError(t, err)
	require.Equal(t, "exec-ok:hostname\n", string(out))
	require.Equal(t, "hostname", f.backend.lastExecCommand())
	require.Equal(t, "password", f.backend.authMethod())
	sess.Close()
	client.Close()

	sealed := f.waitSealed(portcullis.TerminationNormal)
	require.Equal(t, testLogin, sealed.SSHLogin)
	require.Equal(t, portcullis.ProtocolSSH, sealed.Protocol)
	require.Equal(t, "127.0.0.1", sealed.SourceIP)
	require.Equal(t, "127.0.0.1", sealed.BackendIP)
	require.Equal(t, f.backend.port, sealed.BackendPort)
	require.NotNil(t, sealed.EndedAt)
	require.NotEmpty(t, sealed.RecordingPath)
	require.Greater(t, sealed.RecordingSize, int64(0))

	doc := readTranscript(t, sealed.RecordingPath)
	var sawOutput bool
	for _, ev := range transcriptEvents(t, doc) {
		if ev["type"] == "server_to_client" && strings.Contains(ev["data"].(string), "exec-ok:hostname") {
			sawOutput = true
		}
	}
	require.True(t, sawOutput, "transcript is missing the exec output")
}

func TestUnknownSourceTurnedAwayAtGate(t *testing.T) {
	t.Parallel()
	f := newProxyFixture(t, fixtureParams{noSourceIP: true})

	client, b, err := f.dial(testLogin, []ssh.AuthMethod{ssh.Password(testPassword)})
	require.Error(t, err)
	require.Nil(t, client)
	// The denial reaches the user through the banner; password auth is
	// never offered, so the client gives up without prompting.
	require.Contains(t, b.String(), "Access denied")
	require.Contains(t, b.String(), "Unknown source IP 127.0.0.1")
	require.Contains(t, err.Error(), "unable to authenticate")
}

func TestLoginNotAllowed(t *testing.T) {
	t.Parallel()
	f := newProxyFixture(t, fixtureParams{logins: []string{testLogin}})

	client, b, err := f.dial("root", []ssh.AuthMethod{ssh.Password(testPassword)})
	require.Error(t, err)
	require.Nil(t, client)
	require.Contains(t, b.String(), `SSH login "root" not allowed`)

	// The whitelisted login still works.
	client, _, err = f.dial(testLogin, []ssh.AuthMethod{ssh.Password(testPassword)})
	require.NoError(t, err)
	client.Close()
}

func TestPublicKeyWithoutAgentGetsHint(t *testing.T) {
	t.Parallel()
	f := newProxyFixture(t, fixtureParams{})

	signer := newTestSigner(t)
	client, _, err := f.dial(testLogin, []ssh.AuthMethod{ssh.PublicKeys(signer)})
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	stdout, err := sess.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, sess.Shell())

	raw, _ := io.ReadAll(stdout)
	text := string(raw)
	require.Contains(t, text, "ERROR: Public key authentication requires agent forwarding.")
	require.Contains(t, text, "Try: ssh -A "+testLogin+"@127.0.0.1")
	require.Contains(t, text, "Or:  ssh -o PubkeyAuthentication=no "+testLogin+"@127.0.0.1")
}

func TestBackendHostKeyRejected(t *testing.T) {
	t.Parallel()
	f := newProxyFixture(t, fixtureParams{
		hostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return fmt.Errorf("host key %s is not pinned", ssh.FingerprintSHA256(key))
		},
	})

	client, _, err := f.dial(testLogin, []ssh.AuthMethod{ssh.Password(testPassword)})
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	stdout, err := sess.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, sess.Shell())

	raw, _ := io.ReadAll(stdout)
	require.Contains(t, string(raw), "ERROR: Password failed on backend.")

	// Host key verification happens before auth, so the backend never
	// saw the password.
	require.Empty(t, f.backend.authMethod())
}

func TestAgentBridgedPublicKeySession(t *testing.T) {
	t.Parallel()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	keyring := agent.NewKeyring()
	require.NoError(t, keyring.Add(agent.AddedKey{PrivateKey: priv}))

	f := newProxyFixture(t, fixtureParams{authorizedKey: signer.PublicKey()})

	client, _, err := f.dial(testLogin, []ssh.AuthMethod{ssh.PublicKeys(signer)})
	require.NoError(t, err)
	defer client.Close()

	// Serve the keyring on agent channels the proxy opens back to us.
	agentChans := client.HandleChannelOpen(sshutils.AuthAgentChannel)
	go func() {
		for nch := range agentChans {
			ch, chReqs, err := nch.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(chReqs)
			go agent.ServeAgent(keyring, ch)
		}
	}()

	sess, err := client.NewSession()
	require.NoError(t, err)
	stdout := &syncBuf{}
	sess.Stdout = stdout
	stdinR, stdinW := io.Pipe()
	sess.Stdin = stdinR
	defer stdinW.Close()

	require.NoError(t, agent.RequestAgentForwarding(sess))
	require.NoError(t, sess.Shell())

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "backend-shell")
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, "publickey", f.backend.authMethod())
	require.Eventually(t, f.backend.sawAgentRequest, 5*time.Second, 50*time.Millisecond)

	stdinW.Close()
	sess.Close()
	client.Close()

	sealed := f.waitSealed(portcullis.TerminationNormal)
	require.True(t, sealed.AgentUsed)
}

func TestDirectTCPIPRelay(t *testing.T) {
	t.Parallel()
	f := newProxyFixture(t, fixtureParams{portForwarding: true})

	client, _, err := f.dial(testLogin, []ssh.AuthMethod{ssh.Password(testPassword)})
	require.NoError(t, err)

	conn, err := client.Dial("tcp", "10.55.0.7:8080")
	require.NoError(t, err)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	reply := make([]byte, 4)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, "ping", string(reply))
	conn.Close()

	require.Eventually(t, func() bool {
		for _, tr := range f.store.Transfers() {
			if tr.Type == grants.TransferPortForwardLocal &&
				tr.RemoteAddr == "10.55.0.7" && tr.RemotePort == 8080 &&
				tr.EndedAt != nil && tr.BytesSent > 0 {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	client.Close()
	f.waitSealed(portcullis.TerminationNormal)
}

func TestPortForwardingDenied(t *testing.T) {
	t.Parallel()
	f := newProxyFixture(t, fixtureParams{portForwarding: false})

	client, _, err := f.dial(testLogin, []ssh.AuthMethod{ssh.Password(testPassword)})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Dial("tcp", "10.55.0.7:8080")
	require.Error(t, err)
	require.Contains(t, err.Error(), "port forwarding not allowed")
}

func TestRemoteForwardCascade(t *testing.T) {
	t.Parallel()
	f := newProxyFixture(t, fixtureParams{portForwarding: true})

	client, _, err := f.dial(testLogin, []ssh.AuthMethod{ssh.Password(testPassword)})
	require.NoError(t, err)
	defer client.Close()

	fwdChans := client.HandleChannelOpen(sshutils.ForwardedTCPIPChannel)

	port := freePort(t)
	payload := ssh.Marshal(sshutils.TCPIPForwardReq{Addr: "localhost", Port: uint32(port)})
	ok, _, err := client.SendRequest(sshutils.TCPIPForwardRequest, true, payload)
	require.NoError(t, err)
	require.True(t, ok, "tcpip-forward was refused")

	// The same binding is requested from the backend.
	require.Eventually(t, func() bool {
		for _, fwd := range f.backend.forwardRequests() {
			if fwd.Port == uint32(port) {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	// A connection to the proxy-side listener surfaces at the client as
	// a forwarded-tcpip channel bound to ("localhost", port).
	tcpConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)

	var nch ssh.NewChannel
	select {
	case nch = <-fwdChans:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for forwarded-tcpip channel")
	}
	var opened sshutils.ForwardedTCPIPReq
	require.NoError(t, ssh.Unmarshal(nch.ExtraData(), &opened))
	require.Equal(t, "localhost", opened.Addr)
	require.Equal(t, uint32(port), opened.Port)

	ch, chReqs, err := nch.Accept()
	require.NoError(t, err)
	go ssh.DiscardRequests(chReqs)

	_, err = tcpConn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(ch, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	_, err = ch.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = io.ReadFull(tcpConn, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf))

	ch.Close()
	tcpConn.Close()

	require.Eventually(t, func() bool {
		for _, tr := range f.store.Transfers() {
			if tr.Type == grants.TransferPortForwardRemote &&
				tr.LocalPort == port && tr.EndedAt != nil {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	// Cancelling releases the proxy-side listener.
	ok, _, err = client.SendRequest(sshutils.CancelTCPIPForwardRequest, true, payload)
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
		if err != nil {
			return true
		}
		c.Close()
		return false
	}, 5*time.Second, 100*time.Millisecond)

	// Server-allocated ports are refused outright.
	zero := ssh.Marshal(sshutils.TCPIPForwardReq{Addr: "localhost", Port: 0})
	ok, _, err = client.SendRequest(sshutils.TCPIPForwardRequest, true, zero)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSCPTransferSuppressed(t *testing.T) {
	t.Parallel()
	f := newProxyFixture(t, fixtureParams{})

	client, _, err := f.dial(testLogin, []ssh.AuthMethod{ssh.Password(testPassword)})
	require.NoError(t, err)

	sess, err := client.NewSession()
	require.NoError(t, err)
	sess.Stdin = strings.NewReader("C0644 5 hello\nhello")
	out, err := sess.Output("scp -t /tmp/upload.bin")
	require.NoError(t, err)
	require.Contains(t, string(out), "exec-ok:scp -t /tmp/upload.bin")
	sess.Close()
	client.Close()

	sealed := f.waitSealed(portcullis.TerminationNormal)

	var transfer grants.Transfer
	require.Eventually(t, func() bool {
		for _, tr := range f.store.Transfers() {
			if tr.Type == grants.TransferSCPUpload && tr.EndedAt != nil {
				transfer = tr
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, "/tmp/upload.bin", transfer.FilePath)
	require.Greater(t, transfer.BytesSent, int64(0))

	// File payloads stay out of the transcript.
	doc := readTranscript(t, sealed.RecordingPath)
	for _, ev := range transcriptEvents(t, doc) {
		require.NotContains(t, []string{"client_to_server", "server_to_client"}, ev["type"])
	}
}

func TestSFTPSubsystem(t *testing.T) {
	t.Parallel()
	f := newProxyFixture(t, fixtureParams{})

	client, _, err := f.dial(testLogin, []ssh.AuthMethod{ssh.Password(testPassword)})
	require.NoError(t, err)

	sess, err := client.NewSession()
	require.NoError(t, err)
	stdout := &syncBuf{}
	stdoutPipe, err := sess.StdoutPipe()
	require.NoError(t, err)
	go io.Copy(stdout, stdoutPipe)
	stdinW, err := sess.StdinPipe()
	require.NoError(t, err)
	require.NoError(t, sess.RequestSubsystem("sftp"))

	_, err = stdinW.Write([]byte("sftp-hello"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "sftp-hello")
	}, 5*time.Second, 50*time.Millisecond)

	stdinW.Close()
	sess.Close()
	client.Close()

	sealed := f.waitSealed(portcullis.TerminationNormal)
	require.Equal(t, "sftp", sealed.Subsystem)

	require.Eventually(t, func() bool {
		for _, tr := range f.store.Transfers() {
			if tr.Type == grants.TransferSFTPSession && tr.EndedAt != nil {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

func TestGrantExpiryWarningsAndTeardown(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	fc := clockwork.NewFakeClockAt(start)
	end := start.Add(time.Hour)
	f := newProxyFixture(t, fixtureParams{clock: fc, policyEnd: &end})

	client, _, err := f.dial(testLogin, []ssh.AuthMethod{ssh.Password(testPassword)})
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	stdout := &syncBuf{}
	sess.Stdout = stdout
	stdinR, stdinW := io.Pipe()
	sess.Stdin = stdinR
	defer stdinW.Close()
	require.NoError(t, sess.Shell())

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Access expires:") &&
			strings.Contains(stdout.String(), "remaining")
	}, 5*time.Second, 50*time.Millisecond)

	// T-5m warning.
	fc.BlockUntil(1)
	fc.Advance(55 * time.Minute)
	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "WARNING: Access expires in 5 minutes.")
	}, 5*time.Second, 50*time.Millisecond)

	// T-1m warning.
	fc.BlockUntil(1)
	fc.Advance(4 * time.Minute)
	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "WARNING: Access expires in 1 minute.")
	}, 5*time.Second, 50*time.Millisecond)

	// Expiry closes the connection and seals the session.
	fc.BlockUntil(1)
	fc.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Access expired. Closing session.")
	}, 5*time.Second, 50*time.Millisecond)

	sealed := f.waitSealed(portcullis.TerminationGrantExpired)
	require.Equal(t, testLogin, sealed.SSHLogin)
	require.NotNil(t, sealed.EndedAt)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
