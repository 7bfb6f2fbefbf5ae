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
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/access"
	"github.com/pawelmojski/portcullis/lib/audit"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/grants"
)

// HandlerConfig holds the connection handler dependencies.
type HandlerConfig struct {
	// Selector resolves intercepted connections to backends.
	Selector *BackendSelector

	// Store persists session rows.
	Store grants.Sessions

	// Audit receives session lifecycle records. Grant and denial
	// records are emitted by the engine inside Resolve.
	Audit audit.Sink

	// Clock drives expiry teardown. Defaults to the wall clock.
	Clock clockwork.Clock

	// DialTimeout bounds the backend dial.
	DialTimeout time.Duration
}

// CheckDefaults validates the config and fills in defaults.
func (c *HandlerConfig) CheckDefaults() error {
	if c.Selector == nil {
		return trace.BadParameter("missing parameter Selector")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Audit == nil {
		c.Audit = audit.Discard{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.BackendDialTimeout
	}
	return nil
}

// Handler terminates intercepted RDP connections: screen, rewrite,
// splice. It is the built-in transparent-relay integration behind
// BackendSelector and implements sshutils.ConnHandler, so the daemon
// mounts one copy of it on every proxy address listener.
type Handler struct {
	log *logrus.Entry
	cfg HandlerConfig
}

// NewHandler validates the config and returns a connection handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if err := cfg.CheckDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Handler{
		log: logrus.WithFields(logrus.Fields{
			portcullis.Component: portcullis.ComponentRDP,
		}),
		cfg: cfg,
	}, nil
}

// HandleConnection screens one intercepted connection and relays it to
// the resolved backend until either side closes. It owns conn.
func (h *Handler) HandleConnection(ctx context.Context, conn net.Conn) {
	backend, d, err := h.cfg.Selector.Resolve(ctx, conn.LocalAddr(), conn.RemoteAddr(), portcullis.ProtocolRDP)
	if err != nil {
		h.log.WithError(err).Warn("Dropping unresolvable RDP connection.")
		rdpConnections.WithLabelValues(outcomeError).Inc()
		conn.Close()
		return
	}
	if !d.Granted || backend == nil {
		// The engine already audited and logged the denial. RDP has
		// no in-band way to tell the client why.
		rdpConnections.WithLabelValues(outcomeDenied).Inc()
		conn.Close()
		return
	}
	rdpConnections.WithLabelValues(outcomeGranted).Inc()

	port := backend.RDPPort
	if port == 0 {
		port = defaults.BackendRDPPort
	}
	target := net.JoinHostPort(backend.Address, strconv.Itoa(port))

	rs := &rdpSession{
		sid: uuid.NewString(),
		log: h.log.WithFields(logrus.Fields{
			"src":     conn.RemoteAddr().String(),
			"backend": target,
		}),
		clientConn: conn,
	}

	backendConn, err := net.DialTimeout("tcp", target, h.cfg.DialTimeout)
	if err != nil {
		rs.log.WithError(err).Warn("Backend RDP service unreachable.")
		conn.Close()
		return
	}
	rs.backendConn = backendConn

	h.registerSession(ctx, rs, d, backend, port)

	done := make(chan struct{})
	if d.EffectiveEnd != nil {
		go h.enforceExpiry(rs, *d.EffectiveEnd, done)
	}

	h.splice(rs)
	close(done)
	h.sealSession(rs)
}

// rdpSession is the per-connection state of one spliced RDP session.
type rdpSession struct {
	sid string
	log *logrus.Entry

	clientConn  net.Conn
	backendConn net.Conn

	mu          sync.Mutex
	termination string
	row         *grants.Session
}

// setTermination records why the session ended. The first reason wins,
// later relay errors caused by the teardown itself do not overwrite
// it.
func (rs *rdpSession) setTermination(reason string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.termination == "" {
		rs.termination = reason
	}
}

func (rs *rdpSession) terminationReason() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.termination == "" {
		return portcullis.TerminationNormal
	}
	return rs.termination
}

func (h *Handler) registerSession(ctx context.Context, rs *rdpSession, d *access.Decision, backend *grants.Backend, port int) {
	if d.User == nil {
		return
	}
	now := h.cfg.Clock.Now().UTC()
	sourceIP, _, _ := net.SplitHostPort(rs.clientConn.RemoteAddr().String())
	proxyIP, _, _ := net.SplitHostPort(rs.clientConn.LocalAddr().String())

	row := &grants.Session{
		SID:         rs.sid,
		UserID:      d.User.ID,
		BackendID:   backend.ID,
		Protocol:    portcullis.ProtocolRDP,
		SourceIP:    sourceIP,
		ProxyIP:     proxyIP,
		BackendIP:   backend.Address,
		BackendPort: port,
		StartedAt:   now,
		Active:      true,
	}
	if len(d.Policies) > 0 {
		id := d.Policies[0].ID
		row.PolicyID = &id
	}

	opCtx, cancel := context.WithTimeout(ctx, defaults.StoreOpTimeout)
	defer cancel()
	if err := h.cfg.Store.CreateSession(opCtx, row); err != nil {
		rs.log.WithError(err).Warn("Failed to persist RDP session row.")
	}

	rs.mu.Lock()
	rs.row = row
	rs.mu.Unlock()

	rdpSessionsActive.Inc()
	h.cfg.Audit.Emit(ctx, grants.AuditRecord{
		UserID:       &d.User.ID,
		Action:       portcullis.ActionSessionStarted,
		ResourceType: "session",
		SourceIP:     sourceIP,
		Success:      true,
		Details:      fmt.Sprintf("sid=%v protocol=rdp backend=%v:%v", rs.sid, backend.Address, port),
		Timestamp:    now,
	})
	rs.log.Infof("RDP session started: %v -> %v:%v.", d.User.Username, backend.Address, port)
}

func (h *Handler) sealSession(rs *rdpSession) {
	rs.mu.Lock()
	row := rs.row
	rs.mu.Unlock()
	if row == nil {
		return
	}

	now := h.cfg.Clock.Now().UTC()
	reason := rs.terminationReason()

	ctx, cancel := context.WithTimeout(context.Background(), defaults.StoreOpTimeout)
	defer cancel()
	if err := h.cfg.Store.SealSession(ctx, rs.sid, grants.SessionSeal{
		EndedAt: now,
		Reason:  reason,
	}); err != nil {
		rs.log.WithError(err).Warn("Failed to seal RDP session row.")
	}

	rdpSessionsActive.Dec()
	h.cfg.Audit.Emit(ctx, grants.AuditRecord{
		UserID:       &row.UserID,
		Action:       portcullis.ActionSessionEnded,
		ResourceType: "session",
		SourceIP:     row.SourceIP,
		Success:      true,
		Details:      fmt.Sprintf("sid=%v reason=%v", rs.sid, reason),
		Timestamp:    now,
	})
	rs.log.Infof("RDP session ended: %v.", reason)
}

// enforceExpiry tears the session down when the grant window closes.
// RDP has no channel for a warning, the connection just ends.
func (h *Handler) enforceExpiry(rs *rdpSession, deadline time.Time, done <-chan struct{}) {
	wait := deadline.Sub(h.cfg.Clock.Now())
	if wait < 0 {
		wait = 0
	}
	select {
	case <-h.cfg.Clock.After(wait):
		rs.setTermination(portcullis.TerminationGrantExpired)
		rs.log.Info("Access grant expired, closing RDP session.")
		rs.clientConn.Close()
		rs.backendConn.Close()
	case <-done:
	}
}

// splice relays bytes both ways until one side closes, half-closing
// the other direction so in-flight writes drain first.
func (h *Handler) splice(rs *rdpSession) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		err := h.pump(rs.backendConn, rs.clientConn, directionClientToBackend)
		if err != nil && !isOKNetworkError(err) {
			rs.setTermination(portcullis.TerminationError)
			rs.log.Debugf("RDP relay ended: %v.", err)
		}
		closeWriteSide(rs.backendConn)
	}()

	go func() {
		defer wg.Done()
		err := h.pump(rs.clientConn, rs.backendConn, directionBackendToClient)
		if err != nil && !isOKNetworkError(err) {
			rs.setTermination(portcullis.TerminationError)
			rs.log.Debugf("RDP relay ended: %v.", err)
		}
		closeWriteSide(rs.clientConn)
	}()

	wg.Wait()
	time.Sleep(defaults.DrainGrace)
	rs.clientConn.Close()
	rs.backendConn.Close()
}

func (h *Handler) pump(dst io.Writer, src io.Reader, direction string) error {
	buf := make([]byte, defaults.RelayBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			rdpBytesRelayed.WithLabelValues(direction).Add(float64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return trace.Wrap(werr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return trace.Wrap(err)
		}
	}
}

// closeWriteSide half-closes a connection so the other end sees EOF
// while its own writes still drain.
func closeWriteSide(c net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := c.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	c.Close()
}

func isOKNetworkError(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
