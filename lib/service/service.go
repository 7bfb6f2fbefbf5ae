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

// Package service boots and supervises the jump host: it opens the
// grant store, reconciles sessions orphaned by the previous run,
// loads the host key and runs the SSH, RDP and metrics listeners
// until the process is told to stop.
package service

import (
	"context"
	"net"
	"net/http"
	"path/filepath"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/access"
	"github.com/pawelmojski/portcullis/lib/audit"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/grants"
	"github.com/pawelmojski/portcullis/lib/rdpshim"
	"github.com/pawelmojski/portcullis/lib/srv/forward"
	"github.com/pawelmojski/portcullis/lib/sshutils"
)

// Service is the running daemon.
type Service struct {
	log   *logrus.Entry
	cfg   Config
	clock clockwork.Clock

	store      grants.Store
	engine     *access.Engine
	hostSigner ssh.Signer

	sshServer  *sshutils.Server
	rdpServers []*sshutils.Server

	metricsListener net.Listener
	metricsServer   *http.Server

	readyC chan struct{}
}

// New validates the config and returns an unstarted service.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		log: logrus.WithFields(logrus.Fields{
			portcullis.Component: portcullis.ComponentService,
		}),
		cfg:    cfg,
		clock:  cfg.Clock,
		readyC: make(chan struct{}),
	}, nil
}

// Ready is closed once the boot sequence finished and every listener
// is bound. Addr accessors are safe to call after that.
func (s *Service) Ready() <-chan struct{} {
	return s.readyC
}

// Run starts everything and blocks until ctx is cancelled or a
// listener dies. A nil return means a clean, signal-driven shutdown;
// the caller maps errors to a non-zero exit code.
func (s *Service) Run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		s.closeResources()
		return trace.Wrap(err)
	}
	close(s.readyC)
	s.log.Infof("Portcullis %v started.", portcullis.Version)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.sshServer.Wait()
		if gctx.Err() == nil {
			return trace.ConnectionProblem(nil, "ssh listener exited unexpectedly")
		}
		return nil
	})
	for _, srv := range s.rdpServers {
		srv := srv
		g.Go(func() error {
			srv.Wait()
			if gctx.Err() == nil {
				return trace.ConnectionProblem(nil, "rdp listener exited unexpectedly")
			}
			return nil
		})
	}
	if s.metricsServer != nil {
		g.Go(func() error {
			err := s.metricsServer.Serve(s.metricsListener)
			if err != nil && err != http.ErrServerClosed && gctx.Err() == nil {
				return trace.Wrap(err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	err := g.Wait()
	s.closeResources()
	if err != nil {
		return trace.Wrap(err)
	}
	s.log.Info("Portcullis stopped.")
	return nil
}

// start runs the boot sequence: store, reconcile, host key, engine,
// listeners. Any failure is fatal.
func (s *Service) start(ctx context.Context) error {
	store, err := s.openStore(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	s.store = store

	reconciled, err := store.ReconcileOrphanSessions(ctx, s.clock.Now().UTC())
	if err != nil {
		return trace.Wrap(err)
	}
	if reconciled > 0 {
		s.log.Warnf("Sealed %v sessions orphaned by a previous run.", reconciled)
	}

	signer, err := sshutils.LoadOrGenerateHostKey(
		filepath.Join(s.cfg.DataDir, defaults.HostKeyFile), defaults.HostKeyBits)
	if err != nil {
		return trace.Wrap(err)
	}
	s.hostSigner = signer

	engine, err := access.NewEngine(access.Config{
		Store:        store,
		Audit:        audit.NewStoreSink(store),
		Clock:        s.clock,
		LegacyGrants: s.cfg.LegacyGrants,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.engine = engine

	sshServer, err := sshutils.NewServer(
		portcullis.ComponentProxy,
		s.cfg.ListenAddr,
		sshutils.ConnHandlerFunc(s.handleSSHConnection),
	)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := sshServer.Start(); err != nil {
		return trace.Wrap(err)
	}
	s.sshServer = sshServer

	if s.cfg.EnableRDP {
		if err := s.startRDPListeners(ctx); err != nil {
			return trace.Wrap(err)
		}
	}

	if s.cfg.MetricsAddr != "" {
		listener, err := net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsListener = listener
		s.metricsServer = &http.Server{Handler: mux}
		s.log.Infof("Metrics listening on %v.", listener.Addr())
	}
	return nil
}

func (s *Service) openStore(ctx context.Context) (grants.Store, error) {
	if s.cfg.Store != nil {
		return s.cfg.Store, nil
	}
	switch s.cfg.StorageType {
	case StorageTypeMemory:
		s.log.Warn("Using the in-memory store, nothing will survive a restart.")
		return grants.NewMemory(), nil
	case StorageTypePostgres:
		pg, err := grants.NewPG(ctx, s.cfg.StorageDSN)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := pg.Bootstrap(ctx); err != nil {
			pg.Close()
			return nil, trace.Wrap(err)
		}
		return pg, nil
	}
	return nil, trace.BadParameter("unsupported storage type %q", s.cfg.StorageType)
}

// startRDPListeners binds one shim listener per allocated proxy IP.
// The admin plane is responsible for having brought those IPs up on
// the NIC, so a bind failure here is a misconfiguration and fatal.
func (s *Service) startRDPListeners(ctx context.Context) error {
	selector, err := rdpshim.NewBackendSelector(rdpshim.SelectorConfig{Engine: s.engine})
	if err != nil {
		return trace.Wrap(err)
	}
	handler, err := rdpshim.NewHandler(rdpshim.HandlerConfig{
		Selector: selector,
		Store:    s.store,
		Audit:    audit.NewStoreSink(s.store),
		Clock:    s.clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	addrs, err := rdpshim.ListenAddrs(ctx, s.store, s.cfg.RDPListenPort)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(addrs) == 0 {
		s.log.Warn("RDP is enabled but no proxy IPs are allocated.")
	}
	for _, addr := range addrs {
		srv, err := sshutils.NewServer(portcullis.ComponentRDP, addr, handler)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := srv.Start(); err != nil {
			return trace.Wrap(err)
		}
		s.rdpServers = append(s.rdpServers, srv)
	}
	return nil
}

// handleSSHConnection runs one forwarding server per accepted client
// connection. It blocks for the lifetime of the connection; sshutils
// already gave us our own goroutine.
func (s *Service) handleSSHConnection(ctx context.Context, conn net.Conn) {
	srv, err := forward.New(forward.ServerConfig{
		Conn:          conn,
		HostSigners:   []ssh.Signer{s.hostSigner},
		Engine:        s.engine,
		Store:         s.store,
		Audit:         audit.NewStoreSink(s.store),
		RecordingsDir: s.cfg.RecordingsDir,
		Clock:         s.clock,
		Ciphers:       s.cfg.Ciphers,
		KEXAlgorithms: s.cfg.KEXAlgorithms,
		MACAlgorithms: s.cfg.MACAlgorithms,
	})
	if err != nil {
		s.log.WithError(err).Warn("Failed to set up connection handler.")
		conn.Close()
		return
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			srv.Close()
		case <-done:
		}
	}()
	srv.Serve()
	close(done)
}

// shutdown stops the listeners and drains in-flight handlers.
func (s *Service) shutdown() {
	s.log.Info("Shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()

	if s.sshServer != nil {
		s.sshServer.Shutdown(shutdownCtx)
	}
	for _, srv := range s.rdpServers {
		srv.Shutdown(shutdownCtx)
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(shutdownCtx)
	}
}

func (s *Service) closeResources() {
	if s.sshServer != nil {
		s.sshServer.Close()
	}
	for _, srv := range s.rdpServers {
		srv.Close()
	}
	if s.metricsListener != nil {
		s.metricsListener.Close()
	}
	if s.store != nil && s.cfg.Store == nil {
		// The store is only ours to close when we opened it.
		s.store.Close()
	}
}

// SSHAddr returns the bound SSH listener address, nil before Run.
func (s *Service) SSHAddr() net.Addr {
	if s.sshServer == nil {
		return nil
	}
	return s.sshServer.Addr()
}

// RDPAddrs returns the bound shim listener addresses.
func (s *Service) RDPAddrs() []net.Addr {
	var addrs []net.Addr
	for _, srv := range s.rdpServers {
		addrs = append(addrs, srv.Addr())
	}
	return addrs
}

// MetricsAddr returns the bound metrics address, nil when disabled.
func (s *Service) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}
