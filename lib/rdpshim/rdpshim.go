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

// Package rdpshim screens intercepted RDP connections. The jump host
// holds one proxy IP per backend; a client that dials proxy-IP:3389
// lands on a shim listener, which resolves the hidden backend from the
// address the client dialed, runs the access check with protocol rdp
// and, on a grant, splices the connection through to the backend's RDP
// service. The RDP protocol itself is never parsed here; an external
// MITM library that captures frames can be adapted behind
// BackendSelector instead of the built-in transparent relay.
package rdpshim

import (
	"context"
	"net"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/pawelmojski/portcullis/lib/access"
	"github.com/pawelmojski/portcullis/lib/grants"
)

// SelectorConfig holds the BackendSelector dependencies.
type SelectorConfig struct {
	// Engine answers who may reach which backend.
	Engine *access.Engine
}

// BackendSelector is the one capability an RDP integration needs:
// given the two ends of an intercepted connection it returns the
// backend hidden behind the dialed proxy address together with the
// access decision. An integration that wraps an external MITM library
// calls Resolve after the library finished its own connection setup
// and before it dials out. On a grant it rewrites the library's target
// to the returned backend; on a denial it must schedule an
// asynchronous drop of the client leg so the library finishes
// initializing instead of crashing mid-setup.
type BackendSelector struct {
	engine *access.Engine
}

// NewBackendSelector validates the config and returns a selector.
func NewBackendSelector(cfg SelectorConfig) (*BackendSelector, error) {
	if cfg.Engine == nil {
		return nil, trace.BadParameter("missing parameter Engine")
	}
	return &BackendSelector{engine: cfg.Engine}, nil
}

// Resolve maps an intercepted connection to its backend and access
// decision. localAddr is the proxy address the client dialed and
// determines the backend; remoteAddr identifies the client. The
// returned backend is nil when the denial happened before backend
// resolution. The decision has already been audited and logged by the
// engine when Resolve returns.
func (s *BackendSelector) Resolve(ctx context.Context, localAddr, remoteAddr net.Addr, protocol string) (*grants.Backend, *access.Decision, error) {
	sourceIP, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		return nil, nil, trace.BadParameter("malformed client address %q", remoteAddr)
	}
	destIP, _, err := net.SplitHostPort(localAddr.String())
	if err != nil {
		return nil, nil, trace.BadParameter("malformed proxy address %q", localAddr)
	}

	d := s.engine.Check(ctx, access.Request{
		SourceIP: sourceIP,
		DestIP:   destIP,
		Protocol: protocol,
	})
	return d.Backend, d, nil
}

// ListenAddrs returns the proxy addresses the shim must bind, one
// listener per active allocation, all on the same port. The schema
// allows at most one active allocation per proxy address.
func ListenAddrs(ctx context.Context, store grants.Reader, port int) ([]string, error) {
	allocs, err := store.ActiveAllocations(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	addrs := make([]string, 0, len(allocs))
	for _, alloc := range allocs {
		addrs = append(addrs, net.JoinHostPort(alloc.ProxyAddress, strconv.Itoa(port)))
	}
	return addrs, nil
}
