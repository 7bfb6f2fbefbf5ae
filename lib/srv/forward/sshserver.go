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

// Package forward implements the protocol-terminating SSH data plane.
// Every client connection is served by its own Server: the client
// authenticates to the proxy, the proxy authenticates to the backend
// with relayed credentials, and all channel traffic flows through the
// proxy where it is recorded and metered.
package forward

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/access"
	"github.com/pawelmojski/portcullis/lib/audit"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/grants"
	"github.com/pawelmojski/portcullis/lib/recorder"
	"github.com/pawelmojski/portcullis/lib/sshutils"

	"github.com/google/uuid"
)

const (
	authMethodPassword  = "password"
	authMethodPublicKey = "publickey"
)

// ServerConfig is the configuration for a single proxied connection.
type ServerConfig struct {
	// Conn is the accepted client connection.
	Conn net.Conn

	// HostSigners is the host key the proxy presents to clients.
	HostSigners []ssh.Signer

	// Engine decides whether the connection is allowed.
	Engine *access.Engine

	// Store persists session, transfer and audit rows.
	Store grants.Store

	// Audit receives audit events. Optional, defaults to a discard sink.
	Audit audit.Sink

	// RecordingsDir is where session transcripts are written.
	RecordingsDir string

	// Clock is used for timestamps and grant expiry tracking.
	Clock clockwork.Clock

	// Ciphers, KEXAlgorithms and MACAlgorithms restrict the algorithms
	// offered on both legs of the connection. Empty means defaults.
	Ciphers       []string
	KEXAlgorithms []string
	MACAlgorithms []string

	// BackendDialTimeout bounds the TCP connect to the backend.
	BackendDialTimeout time.Duration

	// BackendHostKeyCallback verifies the backend's host key. Nil
	// accepts any key.
	BackendHostKeyCallback ssh.HostKeyCallback

	// ServerVersion is the version string sent in the SSH banner.
	ServerVersion string
}

// CheckDefaults makes sure the config is valid and sets defaults.
func (c *ServerConfig) CheckDefaults() error {
	if c.Conn == nil {
		return trace.BadParameter("missing parameter Conn")
	}
	if len(c.HostSigners) == 0 {
		return trace.BadParameter("missing parameter HostSigners")
	}
	if c.Engine == nil {
		return trace.BadParameter("missing parameter Engine")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Audit == nil {
		c.Audit = audit.NewDiscard()
	}
	if c.RecordingsDir == "" {
		c.RecordingsDir = defaults.RecordingsDir
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BackendDialTimeout == 0 {
		c.BackendDialTimeout = defaults.BackendDialTimeout
	}
	if c.BackendHostKeyCallback == nil {
		c.BackendHostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if c.ServerVersion == "" {
		c.ServerVersion = "SSH-2.0-Portcullis_" + portcullis.Version
	}
	return nil
}

// Server terminates one client SSH connection and bridges it to the
// backend the proxy address is allocated to.
type Server struct {
	log *logrus.Entry

	sid        string
	clientConn net.Conn
	sourceIP   string
	proxyIP    string

	engine         *access.Engine
	store          grants.Store
	audit          audit.Sink
	clock          clockwork.Clock
	recordingsDir  string
	dialTimeout    time.Duration
	backendHostKey ssh.HostKeyCallback

	hostSigners   []ssh.Signer
	ciphers       []string
	kexAlgorithms []string
	macAlgorithms []string
	serverVersion string

	// sconn is the server side connection to the client, set after a
	// successful handshake.
	sconn *ssh.ServerConn

	// mu guards the fields below.
	mu sync.Mutex
	// gateDecision is the engine decision for the bare source/backend
	// pair, computed during the auth-none gate and cached for the
	// lifetime of the connection.
	gateDecision *access.Decision
	// decision is the engine decision for the requested login.
	decision *access.Decision
	// authMethod, password and clientKey capture the credentials the
	// client presented, replayed later against the backend.
	authMethod string
	password   string
	clientKey  ssh.PublicKey
	// agentForwarded is set when the client requests agent forwarding.
	agentForwarded bool
	// userAgent talks to the client's forwarded ssh-agent.
	userAgent agent.ExtendedAgent
	agentChan ssh.Channel
	// agentBridged is set once the agent is served to the backend leg.
	agentBridged bool
	// remoteForwards tracks active tcpip-forward listeners by port.
	remoteForwards map[uint32]*remoteForward
	// notifyChans receives grant expiry warnings.
	notifyChans []ssh.Channel
	// termination is the first termination reason set, empty until then.
	termination string
	// sessionCount counts session channels opened on this connection.
	sessionCount int

	// remoteOnce guards the lazy backend connection.
	remoteOnce sync.Once
	remote     *ssh.Client
	remoteErr  error
	targetConn net.Conn

	// sessionOnce guards creation of the session row and recorder.
	sessionOnce sync.Once
	session     *grants.Session
	rec         *recorder.Recorder

	closeOnce    sync.Once
	sealOnce     sync.Once
	closeContext context.Context
	closeCancel  context.CancelFunc
}

// New creates a Server for one accepted client connection.
func New(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	sourceIP, _, err := net.SplitHostPort(cfg.Conn.RemoteAddr().String())
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse client address %q", cfg.Conn.RemoteAddr())
	}
	proxyIP, _, err := net.SplitHostPort(cfg.Conn.LocalAddr().String())
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse local address %q", cfg.Conn.LocalAddr())
	}

	s := &Server{
		sid:            uuid.NewString(),
		clientConn:     cfg.Conn,
		sourceIP:       sourceIP,
		proxyIP:        proxyIP,
		engine:         cfg.Engine,
		store:          cfg.Store,
		audit:          cfg.Audit,
		clock:          cfg.Clock,
		recordingsDir:  cfg.RecordingsDir,
		dialTimeout:    cfg.BackendDialTimeout,
		backendHostKey: cfg.BackendHostKeyCallback,
		hostSigners:    cfg.HostSigners,
		ciphers:        cfg.Ciphers,
		kexAlgorithms:  cfg.KEXAlgorithms,
		macAlgorithms:  cfg.MACAlgorithms,
		serverVersion:  cfg.ServerVersion,
		remoteForwards: make(map[uint32]*remoteForward),
	}
	s.closeContext, s.closeCancel = context.WithCancel(context.Background())
	s.log = logrus.WithFields(logrus.Fields{
		portcullis.Component: portcullis.ComponentProxy,
		"sid":                s.sid,
		"src-addr":           cfg.Conn.RemoteAddr().String(),
		"dst-addr":           cfg.Conn.LocalAddr().String(),
	})
	return s, nil
}

// ID returns the session identifier assigned to this connection.
func (s *Server) ID() string {
	return s.sid
}

// Serve performs the SSH handshake and serves the connection until the
// client disconnects or the grant expires. It blocks.
func (s *Server) Serve() {
	sconn, chans, reqs, err := ssh.NewServerConn(s.clientConn, s.serverConfig())
	if err != nil {
		// Either the client was turned away at the gate or the
		// handshake never completed.
		s.log.Debugf("Handshake failed: %v.", err)
		s.clientConn.Close()
		s.closeCancel()
		return
	}
	s.sconn = sconn
	s.log = s.log.WithField("login", sconn.User())
	s.log.Debugf("Client handshake complete, method %q.", s.authMethodUsed())

	s.handleConnection(chans, reqs)
}

func (s *Server) serverConfig() *ssh.ServerConfig {
	config := &ssh.ServerConfig{
		ServerVersion:        s.serverVersion,
		NoClientAuth:         true,
		NoClientAuthCallback: s.authNone,
		PasswordCallback:     s.authPassword,
		PublicKeyCallback:    s.authPublicKey,
		BannerCallback:       s.authBanner,
		AuthLogCallback:      s.authLog,
	}
	config.Ciphers = s.ciphers
	config.KeyExchanges = s.kexAlgorithms
	config.MACs = s.macAlgorithms
	for _, signer := range s.hostSigners {
		config.AddHostKey(signer)
	}
	return config
}

// checkGate runs the engine once for the bare source/backend pair,
// before any login is known. The result is cached so the banner and the
// auth-none callback agree on a single decision.
func (s *Server) checkGate() *access.Decision {
	s.mu.Lock()
	cached := s.gateDecision
	s.mu.Unlock()
	if cached != nil {
		return cached
	}
	d := s.engine.Check(s.closeContext, access.Request{
		SourceIP: s.sourceIP,
		DestIP:   s.proxyIP,
		Protocol: portcullis.ProtocolSSH,
	})
	s.mu.Lock()
	s.gateDecision = d
	s.mu.Unlock()
	return d
}

// checkLogin runs the engine for an actual login name. Repeated auth
// attempts on the same connection reuse the first decision, the client
// cannot change the login mid handshake.
func (s *Server) checkLogin(login string) *access.Decision {
	s.mu.Lock()
	cached := s.decision
	s.mu.Unlock()
	if cached != nil {
		return cached
	}
	d := s.engine.Check(s.closeContext, access.Request{
		SourceIP: s.sourceIP,
		DestIP:   s.proxyIP,
		Protocol: portcullis.ProtocolSSH,
		Login:    login,
	})
	s.mu.Lock()
	s.decision = d
	s.mu.Unlock()
	return d
}

// authBanner is invoked by the transport before the first auth method
// is dispatched, which makes it the earliest point where a denial can
// be shown to the user.
func (s *Server) authBanner(conn ssh.ConnMetadata) string {
	d := s.checkGate()
	if d.Granted {
		return ""
	}
	return fmt.Sprintf("Access denied for %v: %v\r\n", s.sourceIP, d.Message)
}

// authNone handles the initial "none" auth request. Denied sources are
// steered into a dead end that only advertises publickey, so the client
// never prompts its user for a password. Granted sources continue to
// the real password/publickey callbacks.
func (s *Server) authNone(conn ssh.ConnMetadata) (*ssh.Permissions, error) {
	d := s.checkGate()
	if !d.Granted {
		return nil, &ssh.PartialSuccessError{Next: ssh.ServerAuthCallbacks{
			PublicKeyCallback: s.authDenied,
		}}
	}
	return nil, &ssh.PartialSuccessError{Next: ssh.ServerAuthCallbacks{
		PasswordCallback:  s.authPassword,
		PublicKeyCallback: s.authPublicKey,
	}}
}

func (s *Server) authDenied(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	return nil, trace.AccessDenied("access denied for %v", s.sourceIP)
}

// authPassword accepts the client's password once policy allows the
// login. The password is not verified here, it is replayed against the
// backend when the first channel is opened.
func (s *Server) authPassword(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	d := s.checkLogin(conn.User())
	if !d.Granted {
		return nil, &ssh.BannerError{
			Err:     trace.AccessDenied("access denied for %v: %v", conn.User(), d.Message),
			Message: fmt.Sprintf("Access denied for %v: %v\r\n", conn.User(), d.Message),
		}
	}
	s.mu.Lock()
	s.authMethod = authMethodPassword
	s.password = string(password)
	s.mu.Unlock()
	return nil, nil
}

// authPublicKey accepts any public key once policy allows the login.
// The key is never verified by the proxy: the backend is the judge, via
// the client's forwarded agent.
func (s *Server) authPublicKey(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	d := s.checkLogin(conn.User())
	if !d.Granted {
		return nil, &ssh.BannerError{
			Err:     trace.AccessDenied("access denied for %v: %v", conn.User(), d.Message),
			Message: fmt.Sprintf("Access denied for %v: %v\r\n", conn.User(), d.Message),
		}
	}
	s.mu.Lock()
	s.authMethod = authMethodPublicKey
	s.clientKey = key
	s.mu.Unlock()
	return nil, nil
}

func (s *Server) authLog(conn ssh.ConnMetadata, method string, err error) {
	if err != nil {
		s.log.Debugf("Auth attempt, method %q, user %q: %v.", method, conn.User(), err)
		return
	}
	s.log.Debugf("Auth success, method %q, user %q.", method, conn.User())
}

func (s *Server) authMethodUsed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authMethod
}

func (s *Server) clientPassword() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password
}

func (s *Server) accessDecision() *access.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decision
}

func (s *Server) agentRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentForwarded
}

func (s *Server) forwardedAgent() agent.ExtendedAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userAgent
}

// handleConnection dispatches global requests and channel opens until
// the client goes away or the connection is torn down. A client that
// authenticates and then never opens a channel is dropped once the
// acceptance window closes.
func (s *Server) handleConnection(chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request) {
	defer s.log.Debug("Closing forwarding server and releasing resources.")
	defer s.Close()

	accept := s.clock.NewTimer(defaults.ChannelAcceptTimeout)
	defer accept.Stop()
	acceptC := accept.Chan()

	for {
		select {
		case req := <-reqs:
			if req == nil {
				return
			}
			go s.handleGlobalRequest(req)
		case nch := <-chans:
			if nch == nil {
				return
			}
			if acceptC != nil {
				accept.Stop()
				acceptC = nil
			}
			go s.handleChannel(nch)
		case <-acceptC:
			s.log.Warnf("Client opened no channel within %v, closing.", defaults.ChannelAcceptTimeout)
			return
		case <-s.closeContext.Done():
			return
		}
	}
}

func (s *Server) handleChannel(nch ssh.NewChannel) {
	switch nch.ChannelType() {
	case sshutils.SessionChannel:
		s.handleSessionChannel(nch)
	case sshutils.DirectTCPIPChannel:
		s.handleDirectTCPIP(nch, grants.TransferPortForwardLocal)
	case sshutils.DynamicTCPIPChannel:
		s.handleDirectTCPIP(nch, grants.TransferSOCKSConnection)
	default:
		s.log.Debugf("Rejecting channel of type %q.", nch.ChannelType())
		if err := nch.Reject(ssh.UnknownChannelType, fmt.Sprintf("unsupported channel type %q", nch.ChannelType())); err != nil {
			s.log.Debugf("Failed to reject channel: %v.", err)
		}
	}
}

func (s *Server) handleGlobalRequest(req *ssh.Request) {
	switch req.Type {
	case sshutils.TCPIPForwardRequest:
		s.handleTCPIPForward(req)
	case sshutils.CancelTCPIPForwardRequest:
		s.handleCancelTCPIPForward(req)
	default:
		// Anything else is forwarded to the backend once one exists.
		// Requests arriving before the first channel have nowhere to
		// go and are refused.
		s.mu.Lock()
		remote := s.remote
		s.mu.Unlock()
		if remote == nil {
			if req.WantReply {
				req.Reply(false, nil)
			}
			return
		}
		ok, payload, err := remote.SendRequest(req.Type, req.WantReply, req.Payload)
		if err != nil {
			s.log.Debugf("Failed to forward global request %q: %v.", req.Type, err)
			if req.WantReply {
				req.Reply(false, nil)
			}
			return
		}
		if req.WantReply {
			req.Reply(ok, payload)
		}
	}
}

// connectBackend returns the backend SSH client, dialing and
// authenticating on first use. Failures are explained to the user on
// hint when one is given. The result is sticky: once the backend leg
// failed, the connection is done for.
func (s *Server) connectBackend(hint io.Writer) (*ssh.Client, error) {
	s.remoteOnce.Do(func() {
		client, err := s.newBackendClient(hint)
		s.mu.Lock()
		s.remote, s.remoteErr = client, err
		s.mu.Unlock()
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteErr != nil {
		return nil, trace.Wrap(s.remoteErr)
	}
	return s.remote, nil
}

func (s *Server) newBackendClient(hint io.Writer) (*ssh.Client, error) {
	d := s.accessDecision()
	if d == nil || !d.Granted || d.Backend == nil {
		return nil, trace.AccessDenied("no granted access decision for this connection")
	}
	login := s.sconn.User()

	var authMethod ssh.AuthMethod
	switch s.authMethodUsed() {
	case authMethodPassword:
		authMethod = ssh.Password(s.clientPassword())
	case authMethodPublicKey:
		keyring, err := s.openClientAgent(hint)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		authMethod = ssh.PublicKeysCallback(keyring.Signers)
	default:
		return nil, trace.AccessDenied("no client credentials to relay")
	}

	port := d.Backend.SSHPort
	if port == 0 {
		port = defaults.BackendSSHPort
	}
	addr := net.JoinHostPort(d.Backend.Address, strconv.Itoa(port))
	s.log.Debugf("Connecting to backend %v as %v.", addr, login)

	conn, err := net.DialTimeout("tcp", addr, s.dialTimeout)
	if err != nil {
		s.hintf(hint, "ERROR: Backend server unreachable.\r\n")
		return nil, trace.ConnectionProblem(err, "failed to dial backend %v", addr)
	}

	clientConfig := &ssh.ClientConfig{
		User:            login,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: s.backendHostKey,
		Timeout:         s.dialTimeout,
	}
	clientConfig.Ciphers = s.ciphers
	clientConfig.KeyExchanges = s.kexAlgorithms
	clientConfig.MACs = s.macAlgorithms

	cconn, chans, creqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		s.writeBackendAuthFailure(hint, login)
		return nil, trace.AccessDenied("backend authentication failed for %v@%v: %v", login, addr, err)
	}
	s.targetConn = conn
	client := ssh.NewClient(cconn, chans, creqs)

	// When the client's agent is already open (public key auth), make
	// it reachable from the backend as well.
	if keyring := s.forwardedAgent(); keyring != nil {
		if err := s.serveAgentToBackend(client, keyring); err != nil {
			s.log.Warnf("Failed to set up agent forwarding to backend: %v.", err)
		}
	}

	s.log.Infof("Backend connection established to %v as %v (%v auth).", addr, login, s.authMethodUsed())
	return client, nil
}

// writeBackendAuthFailure explains a failed backend auth in-band, in
// terms the user can act on.
func (s *Server) writeBackendAuthFailure(hint io.Writer, login string) {
	switch s.authMethodUsed() {
	case authMethodPassword:
		s.hintf(hint, "ERROR: Password failed on backend.\r\n")
	case authMethodPublicKey:
		s.hintf(hint, "ERROR: None of your SSH keys are authorized on the backend server.\r\n")
		s.hintf(hint, "Try: ssh -o PubkeyAuthentication=no %v@%v\r\n", login, s.proxyIP)
	default:
		s.hintf(hint, "ERROR: Backend authentication error\r\n")
	}
}

// openClientAgent opens the auth-agent channel back to the client.
// Requires the client to have requested agent forwarding first.
func (s *Server) openClientAgent(hint io.Writer) (agent.ExtendedAgent, error) {
	s.mu.Lock()
	keyring := s.userAgent
	requested := s.agentForwarded
	s.mu.Unlock()
	if keyring != nil {
		return keyring, nil
	}
	login := s.sconn.User()
	if !requested {
		s.hintf(hint, "ERROR: Public key authentication requires agent forwarding.\r\n")
		s.hintf(hint, "Try: ssh -A %v@%v\r\n", login, s.proxyIP)
		s.hintf(hint, "Or:  ssh -o PubkeyAuthentication=no %v@%v\r\n", login, s.proxyIP)
		return nil, trace.AccessDenied("public key authentication requires agent forwarding")
	}
	achan, areqs, err := s.sconn.OpenChannel(sshutils.AuthAgentChannel, nil)
	if err != nil {
		s.hintf(hint, "ERROR: Agent forwarding failed: %v\r\n", err)
		s.hintf(hint, "Try: ssh -o PubkeyAuthentication=no %v@%v\r\n", login, s.proxyIP)
		return nil, trace.Wrap(err, "failed to open agent channel to client")
	}
	go ssh.DiscardRequests(areqs)
	keyring = agent.NewClient(achan)
	s.mu.Lock()
	s.userAgent = keyring
	s.agentChan = achan
	s.mu.Unlock()
	return keyring, nil
}

func (s *Server) hintf(w io.Writer, format string, args ...any) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, format, args...)
}

// serveAgentToBackend registers the client's agent as the handler for
// auth-agent channels the backend opens. Registering twice on the same
// client is an error, so the first call wins.
func (s *Server) serveAgentToBackend(client *ssh.Client, keyring agent.Agent) error {
	s.mu.Lock()
	bridged := s.agentBridged
	s.agentBridged = true
	s.mu.Unlock()
	if bridged {
		return nil
	}
	return trace.Wrap(agent.ForwardToAgent(client, keyring))
}

// registerSession creates the session row, the transcript recorder and
// the grant expiry monitor. Runs once, when the backend leg first comes
// up.
func (s *Server) registerSession() {
	s.sessionOnce.Do(func() {
		d := s.accessDecision()
		if d == nil || d.User == nil || d.Backend == nil {
			return
		}
		now := s.clock.Now().UTC()

		rec, err := recorder.New(recorder.Config{
			Dir:       s.recordingsDir,
			SessionID: s.sid,
			Username:  d.User.Username,
			Backend:   d.Backend.Address,
			Clock:     s.clock,
		})
		if err != nil {
			// Sessions outlive recording failures, the transcript is
			// simply missing.
			s.log.WithError(err).Warn("Failed to open session recorder.")
		}

		port := d.Backend.SSHPort
		if port == 0 {
			port = defaults.BackendSSHPort
		}
		sess := &grants.Session{
			SID:         s.sid,
			UserID:      d.User.ID,
			BackendID:   d.Backend.ID,
			Protocol:    portcullis.ProtocolSSH,
			SourceIP:    s.sourceIP,
			ProxyIP:     s.proxyIP,
			BackendIP:   d.Backend.Address,
			BackendPort: port,
			SSHLogin:    s.sconn.User(),
			AgentUsed:   s.agentRequested(),
			StartedAt:   now,
			Active:      true,
		}
		if rec != nil {
			sess.RecordingPath = rec.Path()
		}
		if len(d.Policies) > 0 {
			id := d.Policies[0].ID
			sess.PolicyID = &id
		}

		ctx, cancel := context.WithTimeout(s.closeContext, defaults.StoreOpTimeout)
		defer cancel()
		if err := s.store.CreateSession(ctx, sess); err != nil {
			s.log.WithError(err).Warn("Failed to persist session row.")
		}

		s.mu.Lock()
		s.session = sess
		s.rec = rec
		s.mu.Unlock()

		sessionsActive.Inc()
		s.audit.Emit(s.closeContext, grants.AuditRecord{
			UserID:       &d.User.ID,
			Action:       portcullis.ActionSessionStarted,
			ResourceType: "session",
			SourceIP:     s.sourceIP,
			Success:      true,
			Details: fmt.Sprintf("sid=%v login=%v backend=%v:%v",
				s.sid, s.sconn.User(), d.Backend.Address, port),
			Timestamp: now,
		})
		s.log.Infof("Session started: %v@%v:%v.", s.sconn.User(), d.Backend.Address, port)

		if d.EffectiveEnd != nil {
			go s.monitorGrantExpiry(*d.EffectiveEnd)
		}
	})
}

func (s *Server) currentSession() *grants.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Server) sessionRecorder() *recorder.Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// updateSession persists mutated session row fields.
func (s *Server) updateSession() {
	sess := s.currentSession()
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.closeContext, defaults.StoreOpTimeout)
	defer cancel()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		s.log.WithError(err).Warn("Failed to update session row.")
	}
}

// setTermination records the first termination reason. Later calls are
// ignored so an expiry teardown is not misfiled as a transport error.
func (s *Server) setTermination(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.termination == "" {
		s.termination = reason
	}
}

func (s *Server) terminationReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.termination == "" {
		return portcullis.TerminationNormal
	}
	return s.termination
}

// Close tears down both legs of the connection and seals the session
// row. Safe to call multiple times and from any goroutine.
func (s *Server) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.closeCancel()

		s.mu.Lock()
		forwards := make([]*remoteForward, 0, len(s.remoteForwards))
		for _, rf := range s.remoteForwards {
			forwards = append(forwards, rf)
		}
		s.remoteForwards = make(map[uint32]*remoteForward)
		agentChan := s.agentChan
		remote := s.remote
		targetConn := s.targetConn
		s.mu.Unlock()

		for _, rf := range forwards {
			rf.Close()
		}

		conns := []io.Closer{}
		if agentChan != nil {
			conns = append(conns, agentChan)
		}
		if s.sconn != nil {
			conns = append(conns, s.sconn)
		}
		if remote != nil {
			conns = append(conns, remote)
		}
		if targetConn != nil {
			conns = append(conns, targetConn)
		}
		conns = append(conns, s.clientConn)
		for _, c := range conns {
			if err := c.Close(); err != nil && !isOKNetworkError(err) {
				errs = append(errs, err)
			}
		}

		s.sealSession()
	})
	return trace.NewAggregate(errs...)
}

// sealSession finalizes the transcript and marks the session row ended.
func (s *Server) sealSession() {
	s.sealOnce.Do(func() {
		sess := s.currentSession()
		if sess == nil {
			// The backend was never reached, there is nothing to seal.
			return
		}
		now := s.clock.Now().UTC()
		reason := s.terminationReason()

		var recPath string
		var recSize int64
		if rec := s.sessionRecorder(); rec != nil {
			recPath = rec.Path()
			recSize = rec.Finalize()
		}

		ctx, cancel := context.WithTimeout(context.Background(), defaults.StoreOpTimeout)
		defer cancel()
		seal := grants.SessionSeal{
			EndedAt:       now,
			Reason:        reason,
			RecordingPath: recPath,
			RecordingSize: recSize,
		}
		if err := s.store.SealSession(ctx, s.sid, seal); err != nil {
			s.log.WithError(err).Warn("Failed to seal session row.")
		}

		sessionsActive.Dec()
		s.audit.Emit(ctx, grants.AuditRecord{
			UserID:       &sess.UserID,
			Action:       portcullis.ActionSessionEnded,
			ResourceType: "session",
			SourceIP:     s.sourceIP,
			Success:      true,
			Details:      fmt.Sprintf("sid=%v reason=%v", s.sid, reason),
			Timestamp:    now,
		})
		s.log.Infof("Session ended, reason %q, duration %vs.",
			reason, int64(now.Sub(sess.StartedAt).Seconds()))
	})
}
