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
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/grants"
	"github.com/pawelmojski/portcullis/lib/sshutils"
)

// handleDirectTCPIP proxies a client-initiated forwarded connection
// (ssh -L or the SOCKS variant) through the backend.
func (s *Server) handleDirectTCPIP(nch ssh.NewChannel, transferType string) {
	req, err := sshutils.ParseDirectTCPIPReq(nch.ExtraData())
	if err != nil {
		s.log.Warnf("Failed to parse %v request: %v.", nch.ChannelType(), err)
		nch.Reject(ssh.UnknownChannelType, "failed to parse forwarding request")
		return
	}
	log := s.log.WithField("target", net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port))))

	if !s.engine.PortForwardingAllowed(s.closeContext, s.sourceIP, s.proxyIP) {
		log.Warn("Port forwarding denied by policy.")
		nch.Reject(ssh.Prohibited, "port forwarding not allowed")
		return
	}

	client, err := s.connectBackend(nil)
	if err != nil {
		log.Warnf("Backend connection failed: %v.", err)
		nch.Reject(ssh.ConnectionFailed, "backend connection failed")
		return
	}
	s.registerSession()

	// The open payload goes to the backend verbatim: the backend dials
	// the final target itself.
	backendCh, backendReqs, err := client.OpenChannel(nch.ChannelType(), nch.ExtraData())
	if err != nil {
		log.Warnf("Backend refused forwarded connection: %v.", err)
		nch.Reject(ssh.ConnectionFailed, "backend refused connection")
		return
	}
	go ssh.DiscardRequests(backendReqs)

	ch, reqs, err := nch.Accept()
	if err != nil {
		log.Warnf("Failed to accept forwarding channel: %v.", err)
		backendCh.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	transfer := &grants.Transfer{
		Type:       transferType,
		LocalAddr:  req.Orig,
		LocalPort:  int(req.OrigPort),
		RemoteAddr: req.Host,
		RemotePort: int(req.Port),
	}
	s.openTransfer(transfer)

	log.Debug("Forwarded connection established.")
	sent, received := s.splice(ch, backendCh)
	s.sealTransfer(transfer, sent, received)
}

// remoteForward is one active tcpip-forward binding: a TCP listener on
// the proxy address and, when the backend cooperates, a cascaded
// listener on the backend.
type remoteForward struct {
	port      uint32
	proxyLn   net.Listener
	backendLn net.Listener

	closeOnce sync.Once
}

func (rf *remoteForward) Close() {
	rf.closeOnce.Do(func() {
		if rf.proxyLn != nil {
			rf.proxyLn.Close()
		}
		if rf.backendLn != nil {
			// Closing the cascaded listener sends the backend a
			// cancel-tcpip-forward.
			rf.backendLn.Close()
		}
	})
}

// handleTCPIPForward services ssh -R: it binds the requested port on
// the proxy address and asks the backend for the same binding, so
// connections landing on either host reach the client.
func (s *Server) handleTCPIPForward(req *ssh.Request) {
	fwd, err := sshutils.ParseTCPIPForwardReq(req.Payload)
	if err != nil {
		s.log.Warnf("Failed to parse tcpip-forward request: %v.", err)
		req.Reply(false, nil)
		return
	}
	log := s.log.WithField("bind-port", fwd.Port)

	if fwd.Port == 0 {
		// Server-allocated ports would need the chosen port echoed to
		// both legs, which the cascade cannot guarantee.
		log.Warn("Refusing tcpip-forward with server-allocated port.")
		req.Reply(false, nil)
		return
	}
	if !s.engine.PortForwardingAllowed(s.closeContext, s.sourceIP, s.proxyIP) {
		log.Warn("Remote forwarding denied by policy.")
		req.Reply(false, nil)
		return
	}
	client, err := s.connectBackend(nil)
	if err != nil {
		log.Warnf("Backend connection failed: %v.", err)
		req.Reply(false, nil)
		return
	}
	s.registerSession()

	s.mu.Lock()
	_, exists := s.remoteForwards[fwd.Port]
	s.mu.Unlock()
	if exists {
		log.Warn("Port already forwarded on this connection.")
		req.Reply(false, nil)
		return
	}

	proxyLn, err := net.Listen("tcp", net.JoinHostPort(s.proxyIP, strconv.Itoa(int(fwd.Port))))
	if err != nil {
		log.Warnf("Failed to bind forwarded port on proxy address: %v.", err)
		req.Reply(false, nil)
		return
	}

	rf := &remoteForward{port: fwd.Port, proxyLn: proxyLn}

	backendLn, err := client.Listen("tcp", net.JoinHostPort(fwd.Addr, strconv.Itoa(int(fwd.Port))))
	if err != nil {
		// The proxy-side listener still works on its own.
		log.Warnf("Backend refused cascaded forward: %v.", err)
	} else {
		rf.backendLn = backendLn
	}

	s.mu.Lock()
	s.remoteForwards[fwd.Port] = rf
	s.mu.Unlock()

	go s.acceptProxyForward(rf)
	if rf.backendLn != nil {
		go s.acceptBackendForward(rf)
	}
	log.Info("Remote forward established.")
	req.Reply(true, nil)
}

func (s *Server) handleCancelTCPIPForward(req *ssh.Request) {
	fwd, err := sshutils.ParseTCPIPForwardReq(req.Payload)
	if err != nil {
		s.log.Warnf("Failed to parse cancel-tcpip-forward request: %v.", err)
		req.Reply(false, nil)
		return
	}
	s.mu.Lock()
	rf := s.remoteForwards[fwd.Port]
	delete(s.remoteForwards, fwd.Port)
	s.mu.Unlock()
	if rf == nil {
		req.Reply(false, nil)
		return
	}
	rf.Close()
	s.log.Infof("Remote forward on port %v cancelled.", fwd.Port)
	req.Reply(true, nil)
}

// acceptProxyForward accepts raw TCP connections on the proxy-side
// listener. The deadline keeps the loop responsive to teardown.
func (s *Server) acceptProxyForward(rf *remoteForward) {
	for {
		if tcpLn, ok := rf.proxyLn.(*net.TCPListener); ok {
			tcpLn.SetDeadline(time.Now().Add(defaults.AcceptPollInterval))
		}
		conn, err := rf.proxyLn.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if s.closeContext.Err() != nil {
					return
				}
				continue
			}
			return
		}
		go s.serveForwardedConn(rf, conn)
	}
}

// acceptBackendForward accepts connections arriving on the cascaded
// backend listener.
func (s *Server) acceptBackendForward(rf *remoteForward) {
	for {
		conn, err := rf.backendLn.Accept()
		if err != nil {
			return
		}
		go s.serveForwardedConn(rf, conn)
	}
}

// serveForwardedConn hands one arriving connection to the client over a
// forwarded-tcpip channel. The advertised bind address is always
// ("localhost", port): that is the name the client asked to listen on,
// regardless of which leg the connection actually landed on.
func (s *Server) serveForwardedConn(rf *remoteForward, conn net.Conn) {
	defer conn.Close()

	origHost, origPort := "", 0
	if host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		origHost = host
		origPort, _ = strconv.Atoi(portStr)
	}

	payload := ssh.Marshal(sshutils.ForwardedTCPIPReq{
		Addr:     "localhost",
		Port:     rf.port,
		Orig:     origHost,
		OrigPort: uint32(origPort),
	})
	ch, reqs, err := s.sconn.OpenChannel(sshutils.ForwardedTCPIPChannel, payload)
	if err != nil {
		s.log.Warnf("Client refused forwarded-tcpip channel: %v.", err)
		return
	}
	go ssh.DiscardRequests(reqs)

	transfer := &grants.Transfer{
		Type:       grants.TransferPortForwardRemote,
		LocalAddr:  "localhost",
		LocalPort:  int(rf.port),
		RemoteAddr: origHost,
		RemotePort: origPort,
	}
	s.openTransfer(transfer)

	sent, received := s.splice(conn, ch)
	s.sealTransfer(transfer, sent, received)
}

// splice relays bytes between the client side a and the remote side b
// until both directions are done, then closes both after the drain
// grace. Returns bytes moved client-to-remote and remote-to-client.
func (s *Server) splice(a, b io.ReadWriteCloser) (sent, received int64) {
	var sentN, receivedN atomic.Int64
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := copyChunks(b, a, func(chunk []byte) {
			bytesRelayed.WithLabelValues(directionClientToBackend).Add(float64(len(chunk)))
		})
		sentN.Add(n)
		if err != nil && !isOKNetworkError(err) {
			s.log.Debugf("Forward relay ended: %v.", err)
		}
		closeWriteSide(b)
	}()

	go func() {
		defer wg.Done()
		n, err := copyChunks(a, b, func(chunk []byte) {
			bytesRelayed.WithLabelValues(directionBackendToClient).Add(float64(len(chunk)))
		})
		receivedN.Add(n)
		if err != nil && !isOKNetworkError(err) {
			s.log.Debugf("Forward relay ended: %v.", err)
		}
		closeWriteSide(a)
	}()

	wg.Wait()
	time.Sleep(defaults.DrainGrace)
	a.Close()
	b.Close()
	return sentN.Load(), receivedN.Load()
}

// closeWriteSide half-closes a connection or channel so the other end
// sees EOF while its own writes still drain.
func closeWriteSide(c io.Closer) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := c.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	c.Close()
}
