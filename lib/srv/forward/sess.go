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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/duration"
	"github.com/pawelmojski/portcullis/lib/grants"
	"github.com/pawelmojski/portcullis/lib/sshutils"
	"github.com/pawelmojski/portcullis/lib/sshutils/scp"
)

// sessionContext tracks the state of a single session channel. All
// fields except the byte counters are owned by the dispatch goroutine.
type sessionContext struct {
	id int
	ch ssh.Channel

	log *logrus.Entry

	// ptyPayload and envPayloads are captured before the backend
	// session exists and replayed verbatim once it does.
	ptyPayload  []byte
	ptyParams   *sshutils.PTYReqParams
	envPayloads [][]byte

	started     bool
	interactive bool
	// suppress disables transcript recording for file transfers.
	suppress  bool
	backendCh ssh.Channel
	transfer  *grants.Transfer

	sent     atomic.Int64
	received atomic.Int64
}

// handleSessionChannel accepts a session channel and serves its request
// stream until the channel closes.
func (s *Server) handleSessionChannel(nch ssh.NewChannel) {
	s.mu.Lock()
	s.sessionCount++
	count := s.sessionCount
	s.mu.Unlock()
	if count > defaults.MaxSessionsPerConn {
		s.log.Warnf("Rejecting session channel, limit of %v reached.", defaults.MaxSessionsPerConn)
		nch.Reject(ssh.ResourceShortage, "too many session channels")
		return
	}

	ch, in, err := nch.Accept()
	if err != nil {
		s.log.Warnf("Failed to accept session channel: %v.", err)
		return
	}
	sc := &sessionContext{
		id:  count,
		ch:  ch,
		log: s.log.WithField("channel", count),
	}
	defer ch.Close()

	for {
		select {
		case req := <-in:
			if req == nil {
				return
			}
			if err := s.dispatch(sc, req); err != nil {
				sc.log.Warnf("Failed to handle request %q: %v.", req.Type, err)
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		case <-s.closeContext.Done():
			return
		}
	}
}

// dispatch handles one session channel request. Handlers send their own
// replies, a returned error means the request was refused before any
// reply was sent.
func (s *Server) dispatch(sc *sessionContext, req *ssh.Request) error {
	sc.log.Debugf("Session request %q (want reply %v).", req.Type, req.WantReply)
	switch req.Type {
	case sshutils.PTYRequest:
		return s.handlePTYReq(sc, req)
	case sshutils.EnvRequest:
		return s.handleEnv(sc, req)
	case sshutils.WindowChangeRequest:
		return s.handleWinChange(sc, req)
	case sshutils.AgentForwardRequest:
		return s.handleAgentForward(sc, req)
	case sshutils.ShellRequest, sshutils.ExecRequest, sshutils.SubsystemRequest:
		return s.handleSessionStart(sc, req)
	default:
		if sc.started {
			return s.forwardRequest(sc, req)
		}
		return trace.BadParameter("unsupported session request %q", req.Type)
	}
}

// forwardRequest relays a request to the backend session channel and
// mirrors the backend's reply.
func (s *Server) forwardRequest(sc *sessionContext, req *ssh.Request) error {
	ok, err := sc.backendCh.SendRequest(req.Type, req.WantReply, req.Payload)
	if err != nil {
		return trace.Wrap(err)
	}
	if req.WantReply {
		req.Reply(ok, nil)
	}
	return nil
}

func (s *Server) handlePTYReq(sc *sessionContext, req *ssh.Request) error {
	params, err := sshutils.ParsePTYReq(req.Payload)
	if err != nil {
		return trace.Wrap(err)
	}
	sc.log.Debugf("Requested terminal %q of size %v x %v.", params.Env, params.W, params.H)
	if sc.started {
		return s.forwardRequest(sc, req)
	}
	sc.ptyPayload = append([]byte(nil), req.Payload...)
	sc.ptyParams = params
	if req.WantReply {
		req.Reply(true, nil)
	}
	return nil
}

func (s *Server) handleEnv(sc *sessionContext, req *ssh.Request) error {
	if sc.started {
		return s.forwardRequest(sc, req)
	}
	sc.envPayloads = append(sc.envPayloads, append([]byte(nil), req.Payload...))
	if req.WantReply {
		req.Reply(true, nil)
	}
	return nil
}

func (s *Server) handleWinChange(sc *sessionContext, req *ssh.Request) error {
	if !sc.started {
		// Nothing to resize yet.
		if req.WantReply {
			req.Reply(true, nil)
		}
		return nil
	}
	return s.forwardRequest(sc, req)
}

// handleAgentForward notes that the client offers its agent. The agent
// channel itself is opened lazily, when backend auth or a downstream
// agent request first needs it.
func (s *Server) handleAgentForward(sc *sessionContext, req *ssh.Request) error {
	s.mu.Lock()
	s.agentForwarded = true
	s.mu.Unlock()
	if req.WantReply {
		req.Reply(true, nil)
	}
	if sess := s.currentSession(); sess != nil && !sess.AgentUsed {
		sess.AgentUsed = true
		s.updateSession()
	}
	if sc.started {
		// Late agent request: bridge it to the running backend session.
		if err := s.bridgeAgentToBackend(sc.backendCh); err != nil {
			sc.log.Warnf("Failed to bridge agent to backend: %v.", err)
		}
	}
	return nil
}

// bridgeAgentToBackend exposes the client's agent on an established
// backend session channel.
func (s *Server) bridgeAgentToBackend(backendCh ssh.Channel) error {
	keyring, err := s.openClientAgent(nil)
	if err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if remote == nil {
		return trace.NotFound("backend connection not established")
	}
	if err := s.serveAgentToBackend(remote, keyring); err != nil {
		return trace.Wrap(err)
	}
	if _, err := backendCh.SendRequest(sshutils.AgentForwardRequest, true, nil); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// handleSessionStart connects the backend leg (if not yet up), opens a
// backend session channel, replays captured state and wires the relay.
func (s *Server) handleSessionStart(sc *sessionContext, req *ssh.Request) error {
	if sc.started {
		return trace.BadParameter("session already started")
	}

	client, err := s.connectBackend(sc.ch)
	if err != nil {
		// The hint text has already been written to the channel.
		// Accepting the request first lets the client render it.
		if req.WantReply {
			req.Reply(true, nil)
		}
		sc.log.Warnf("Backend connection failed: %v.", err)
		s.setTermination(portcullis.TerminationError)
		sc.ch.Close()
		s.Close()
		return nil
	}

	backendCh, backendReqs, err := client.OpenChannel(sshutils.SessionChannel, nil)
	if err != nil {
		if req.WantReply {
			req.Reply(true, nil)
		}
		s.hintf(sc.ch, "ERROR: Failed to open session on backend: %v\r\n", err)
		sc.log.Warnf("Failed to open backend session channel: %v.", err)
		s.setTermination(portcullis.TerminationError)
		sc.ch.Close()
		s.Close()
		return nil
	}

	s.registerSession()

	if sc.ptyPayload != nil {
		if ok, err := backendCh.SendRequest(sshutils.PTYRequest, true, sc.ptyPayload); err != nil || !ok {
			sc.log.Warnf("Backend refused pty request (ok=%v): %v.", ok, err)
		}
	}
	for _, env := range sc.envPayloads {
		if _, err := backendCh.SendRequest(sshutils.EnvRequest, false, env); err != nil {
			sc.log.Debugf("Failed to forward env request: %v.", err)
		}
	}
	if s.agentRequested() {
		if err := s.bridgeAgentToBackend(backendCh); err != nil {
			sc.log.Warnf("Failed to bridge agent to backend: %v.", err)
		}
	}

	s.classifyStart(sc, req)

	ok, err := backendCh.SendRequest(req.Type, true, req.Payload)
	if err != nil || !ok {
		sc.log.Warnf("Backend refused %q request (ok=%v): %v.", req.Type, ok, err)
		if req.WantReply {
			req.Reply(false, nil)
		}
		backendCh.Close()
		return nil
	}
	if req.WantReply {
		req.Reply(true, nil)
	}

	sc.started = true
	sc.backendCh = backendCh

	if sc.interactive {
		s.addNotifyChannel(sc.ch)
		s.writeWelcome(sc.ch)
	}

	go s.pumpBackendRequests(sc, backendReqs)
	go s.relaySession(sc)
	return nil
}

// classifyStart inspects a shell/exec/subsystem request and opens a
// transfer row for file transfer sessions. File transfer payloads stay
// out of the transcript.
func (s *Server) classifyStart(sc *sessionContext, req *ssh.Request) {
	switch req.Type {
	case sshutils.ShellRequest:
		sc.interactive = true
	case sshutils.ExecRequest:
		var exec sshutils.ExecReq
		if err := ssh.Unmarshal(req.Payload, &exec); err != nil {
			sc.log.Warnf("Failed to parse exec request: %v.", err)
			return
		}
		sc.log.Infof("Exec request: %q.", exec.Command)
		if !scp.IsSCP(exec.Command) {
			return
		}
		cmd, err := scp.ParseCommand(exec.Command)
		if err != nil {
			sc.log.Warnf("Failed to parse scp command %q: %v.", exec.Command, err)
			return
		}
		transferType := grants.TransferSCPDownload
		if cmd.Sink {
			transferType = grants.TransferSCPUpload
		}
		sc.suppress = true
		t := &grants.Transfer{Type: transferType, FilePath: cmd.Target}
		s.openTransfer(t)
		sc.transfer = t
	case sshutils.SubsystemRequest:
		var sub sshutils.SubsystemReq
		if err := ssh.Unmarshal(req.Payload, &sub); err != nil {
			sc.log.Warnf("Failed to parse subsystem request: %v.", err)
			return
		}
		sc.log.Infof("Subsystem request: %q.", sub.Name)
		if sess := s.currentSession(); sess != nil {
			sess.Subsystem = sub.Name
			s.updateSession()
		}
		if sub.Name == "sftp" {
			sc.suppress = true
			t := &grants.Transfer{Type: grants.TransferSFTPSession}
			s.openTransfer(t)
			sc.transfer = t
		}
	}
}

// openTransfer persists the start of a file transfer or forwarded
// connection tied to the current session.
func (s *Server) openTransfer(t *grants.Transfer) {
	sess := s.currentSession()
	if sess == nil {
		return
	}
	t.SessionID = sess.ID
	t.StartedAt = s.clock.Now().UTC()
	ctx, cancel := context.WithTimeout(s.closeContext, defaults.StoreOpTimeout)
	defer cancel()
	if err := s.store.CreateTransfer(ctx, t); err != nil {
		s.log.WithError(err).Warn("Failed to persist transfer row.")
		t.ID = 0
	}
}

// sealTransfer closes a transfer row with the final byte counts.
func (s *Server) sealTransfer(t *grants.Transfer, sent, received int64) {
	if t == nil || t.ID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaults.StoreOpTimeout)
	defer cancel()
	if err := s.store.SealTransfer(ctx, t.ID, s.clock.Now().UTC(), sent, received); err != nil {
		s.log.WithError(err).Warn("Failed to seal transfer row.")
	}
}

// addNotifyChannel registers an interactive channel for grant expiry
// warnings.
func (s *Server) addNotifyChannel(ch ssh.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyChans = append(s.notifyChans, ch)
}

// notifySessions writes a message to every interactive channel.
func (s *Server) notifySessions(message string) {
	s.mu.Lock()
	chans := append([]ssh.Channel(nil), s.notifyChans...)
	s.mu.Unlock()
	for _, ch := range chans {
		if _, err := io.WriteString(ch, message); err != nil {
			s.log.Debugf("Failed to notify session channel: %v.", err)
		}
	}
}

// writeWelcome prints the grant expiry notice at the top of an
// interactive session. Schedule-bound grants also name the window that
// opened access.
func (s *Server) writeWelcome(ch ssh.Channel) {
	d := s.accessDecision()
	if d == nil || d.EffectiveEnd == nil {
		return
	}
	end := *d.EffectiveEnd
	mins := int(end.Sub(s.clock.Now()).Minutes())
	if mins < 1 {
		mins = 1
	}
	fmt.Fprintf(ch, "Access expires: %v (%v remaining)\r\n",
		end.Local().Format("2006-01-02 15:04:05 MST"), duration.Format(mins))
	if d.ScheduleName != "" {
		fmt.Fprintf(ch, "Schedule: %v\r\n", d.ScheduleName)
	}
}

// pumpBackendRequests forwards backend channel requests, exit-status
// included, to the client. When the backend channel closes for good the
// pump drains the relay grace period and closes both channel ends.
func (s *Server) pumpBackendRequests(sc *sessionContext, reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type == sshutils.ExitStatusRequest {
			var exit sshutils.ExitStatusReq
			if err := ssh.Unmarshal(req.Payload, &exit); err == nil {
				sc.log.Debugf("Backend exited with status %v.", exit.Code)
			}
		}
		ok, err := sc.ch.SendRequest(req.Type, req.WantReply, req.Payload)
		if err != nil {
			sc.log.Debugf("Failed to forward backend request %q: %v.", req.Type, err)
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}

	time.Sleep(defaults.DrainGrace)
	sc.ch.Close()
	sc.backendCh.Close()
}

// relaySession shuttles the three data streams of a started session and
// feeds the transcript recorder.
func (s *Server) relaySession(sc *sessionContext) {
	rec := s.sessionRecorder()
	record := rec != nil && !sc.suppress

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		n, err := copyChunks(sc.backendCh, sc.ch, func(chunk []byte) {
			bytesRelayed.WithLabelValues(directionClientToBackend).Add(float64(len(chunk)))
			if record {
				rec.RecordInput(chunk)
			}
		})
		sc.sent.Add(n)
		if err != nil && !isOKNetworkError(err) {
			sc.log.Debugf("Client to backend relay ended: %v.", err)
			s.setTermination(portcullis.TerminationError)
		}
		sc.backendCh.CloseWrite()
	}()

	go func() {
		defer wg.Done()
		n, err := copyChunks(sc.ch, sc.backendCh, func(chunk []byte) {
			bytesRelayed.WithLabelValues(directionBackendToClient).Add(float64(len(chunk)))
			if record {
				rec.RecordOutput(chunk)
			}
		})
		sc.received.Add(n)
		if err != nil && !isOKNetworkError(err) {
			sc.log.Debugf("Backend to client relay ended: %v.", err)
			s.setTermination(portcullis.TerminationError)
		}
		sc.ch.CloseWrite()
	}()

	go func() {
		defer wg.Done()
		n, _ := copyChunks(sc.ch.Stderr(), sc.backendCh.Stderr(), func(chunk []byte) {
			bytesRelayed.WithLabelValues(directionBackendToClient).Add(float64(len(chunk)))
			if record {
				rec.RecordOutput(chunk)
			}
		})
		sc.received.Add(n)
	}()

	wg.Wait()
	if sc.transfer != nil {
		s.sealTransfer(sc.transfer, sc.sent.Load(), sc.received.Load())
	}
}

// copyChunks relays src to dst in fixed size reads, invoking observe on
// every chunk before it is written out.
func copyChunks(dst io.Writer, src io.Reader, observe func([]byte)) (int64, error) {
	buf := make([]byte, defaults.RelayBufferSize)
	var written int64
	for {
		nr, err := src.Read(buf)
		if nr > 0 {
			if observe != nil {
				observe(buf[:nr])
			}
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, trace.Wrap(werr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}
			return written, trace.Wrap(err)
		}
	}
}

// isOKNetworkError reports whether err is the ordinary noise of a
// connection shutting down.
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
