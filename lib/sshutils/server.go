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

package sshutils

import (
	"context"
	"net"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
)

// ConnHandler is given every TCP connection the server accepts. The
// handler owns the connection and must close it. ctx is cancelled when
// the server shuts down.
type ConnHandler interface {
	HandleConnection(ctx context.Context, conn net.Conn)
}

// ConnHandlerFunc is an adapter to use plain functions as connection
// handlers.
type ConnHandlerFunc func(ctx context.Context, conn net.Conn)

// HandleConnection calls f(ctx, conn).
func (f ConnHandlerFunc) HandleConnection(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Server accepts TCP connections on one address and hands each of them
// to a handler on its own goroutine. Both the SSH entrypoint and the
// RDP shim listeners are built on it.
type Server struct {
	log *logrus.Entry

	component string
	addr      string
	handler   ConnHandler

	mu           sync.Mutex
	listener     net.Listener
	askedToClose bool

	// activeConns tracks in-flight handlers so Shutdown can drain them.
	activeConns sync.WaitGroup

	closeContext context.Context
	closeCancel  context.CancelFunc
	closedC      chan struct{}
}

// NewServer returns an unstarted server for the given address.
func NewServer(component string, addr string, handler ConnHandler) (*Server, error) {
	if component == "" {
		return nil, trace.BadParameter("missing parameter component")
	}
	if addr == "" {
		return nil, trace.BadParameter("missing parameter addr")
	}
	if handler == nil {
		return nil, trace.BadParameter("missing parameter handler")
	}

	closeContext, closeCancel := context.WithCancel(context.Background())
	return &Server{
		log: logrus.WithFields(logrus.Fields{
			portcullis.Component: component,
		}),
		component:    component,
		addr:         addr,
		handler:      handler,
		closeContext: closeContext,
		closeCancel:  closeCancel,
		closedC:      make(chan struct{}),
	}, nil
}

// Start binds the listening socket and begins accepting connections.
// A bind failure is returned to the caller; the daemon treats it as
// fatal.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return trace.ConvertSystemError(err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Infof("Listening on %v.", listener.Addr())
	go s.acceptConnections()
	return nil
}

// Serve accepts connections from an already bound listener. Used by
// tests that want an ephemeral port.
func (s *Server) Serve(listener net.Listener) {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Infof("Listening on %v.", listener.Addr())
	go s.acceptConnections()
}

// Addr returns the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Wait blocks until the accept loop has exited.
func (s *Server) Wait() {
	<-s.closedC
}

// Close stops accepting connections and cancels the context passed to
// every in-flight handler. It does not wait for handlers to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	s.askedToClose = true
	listener := s.listener
	s.mu.Unlock()

	s.closeCancel()
	if listener != nil {
		if err := listener.Close(); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	return nil
}

// Shutdown closes the listener and waits for in-flight handlers to
// drain, up to the deadline carried by ctx. Handlers still running at
// the deadline keep running with a cancelled close context.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.askedToClose = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Warnf("Shutdown deadline reached with connections still active.")
	}

	s.closeCancel()
	return trace.Wrap(err)
}

func (s *Server) acceptConnections() {
	defer close(s.closedC)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			askedToClose := s.askedToClose
			s.mu.Unlock()
			if askedToClose || s.closeContext.Err() != nil {
				s.log.Debugf("Accept loop on %v exited.", s.addr)
				return
			}
			s.log.Errorf("Accept error: %v.", err)
			return
		}

		s.activeConns.Add(1)
		go func() {
			defer s.activeConns.Done()
			s.handler.HandleConnection(s.closeContext, conn)
		}()
	}
}
