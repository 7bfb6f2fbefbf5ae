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

// Package sshutils carries the SSH plumbing shared by the proxy
// data-plane and the daemon: channel and request names, RFC 4254 wire
// payloads, host key persistence and the TCP accept server.
package sshutils

import (
	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

const (
	// SessionChannel is an interactive or exec session between the
	// client and a backend.
	SessionChannel = "session"
	// DirectTCPIPChannel carries a client-initiated port forward (-L).
	DirectTCPIPChannel = "direct-tcpip"
	// DynamicTCPIPChannel carries a SOCKS-style dynamic forward (-D).
	// OpenSSH encodes -D connections as direct-tcpip too, but some
	// clients advertise the dedicated name.
	DynamicTCPIPChannel = "dynamic-tcpip"
	// ForwardedTCPIPChannel is opened towards the client for every
	// connection arriving on a remote forward listener (-R).
	ForwardedTCPIPChannel = "forwarded-tcpip"
	// AuthAgentChannel is opened towards the client to reach its
	// forwarded SSH agent.
	AuthAgentChannel = "auth-agent@openssh.com"
)

const (
	// PTYRequest asks for a pseudo terminal on a session channel.
	PTYRequest = "pty-req"
	// ShellRequest starts the login shell on a session channel.
	ShellRequest = "shell"
	// ExecRequest runs a single command on a session channel.
	ExecRequest = "exec"
	// SubsystemRequest starts a well-known subsystem (sftp).
	SubsystemRequest = "subsystem"
	// WindowChangeRequest announces a terminal resize.
	WindowChangeRequest = "window-change"
	// EnvRequest sets an environment variable for the session.
	EnvRequest = "env"
	// AgentForwardRequest asks the server to forward the client agent.
	AgentForwardRequest = "auth-agent-req@openssh.com"
	// TCPIPForwardRequest asks the server to listen on a remote port (-R).
	TCPIPForwardRequest = "tcpip-forward"
	// CancelTCPIPForwardRequest stops a previously established -R listener.
	CancelTCPIPForwardRequest = "cancel-tcpip-forward"
	// ExitStatusRequest reports the command exit code back to the client.
	ExitStatusRequest = "exit-status"
)

// DirectTCPIPReq is the payload of a "direct-tcpip" channel open
// request (RFC 4254 §7.2): where the client wants to go and where the
// connection originated.
type DirectTCPIPReq struct {
	Host string
	Port uint32

	Orig     string
	OrigPort uint32
}

// ParseDirectTCPIPReq parses the payload of a "direct-tcpip" channel
// open request.
func ParseDirectTCPIPReq(data []byte) (*DirectTCPIPReq, error) {
	var r DirectTCPIPReq
	if err := ssh.Unmarshal(data, &r); err != nil {
		return nil, trace.BadParameter("failed to parse direct-tcpip request: %v", err)
	}
	return &r, nil
}

// TCPIPForwardReq is the payload of a "tcpip-forward" global request
// (RFC 4254 §7.1): the address and port the client asks the server to
// listen on.
type TCPIPForwardReq struct {
	Addr string
	Port uint32
}

// ParseTCPIPForwardReq parses the payload of a "tcpip-forward" or
// "cancel-tcpip-forward" global request.
func ParseTCPIPForwardReq(data []byte) (*TCPIPForwardReq, error) {
	var r TCPIPForwardReq
	if err := ssh.Unmarshal(data, &r); err != nil {
		return nil, trace.BadParameter("failed to parse tcpip-forward request: %v", err)
	}
	return &r, nil
}

// ForwardedTCPIPReq is the payload of a "forwarded-tcpip" channel
// opened towards the client for a connection arriving on a -R
// listener. Addr/Port name the forward the connection belongs to,
// Orig/OrigPort the TCP peer that connected.
type ForwardedTCPIPReq struct {
	Addr string
	Port uint32

	Orig     string
	OrigPort uint32
}

// PTYReqParams is the payload of a "pty-req" session request. Modes is
// the raw encoded terminal modes blob and is propagated verbatim.
type PTYReqParams struct {
	Env   string
	W     uint32
	H     uint32
	Wpix  uint32
	Hpix  uint32
	Modes string
}

// ParsePTYReq parses a "pty-req" payload.
func ParsePTYReq(data []byte) (*PTYReqParams, error) {
	var r PTYReqParams
	if err := ssh.Unmarshal(data, &r); err != nil {
		return nil, trace.BadParameter("failed to parse pty-req request: %v", err)
	}
	return &r, nil
}

// TerminalModes decodes the Modes blob into the map form the ssh
// client API wants when re-requesting the PTY on the backend.
func (p *PTYReqParams) TerminalModes() ssh.TerminalModes {
	modes := ssh.TerminalModes{}
	raw := []byte(p.Modes)
	for len(raw) >= 5 {
		op := raw[0]
		if op == 0 || op > 159 {
			break
		}
		val := uint32(raw[1])<<24 | uint32(raw[2])<<16 | uint32(raw[3])<<8 | uint32(raw[4])
		modes[op] = val
		raw = raw[5:]
	}
	return modes
}

// WinChangeReqParams is the payload of a "window-change" session request.
type WinChangeReqParams struct {
	W    uint32
	H    uint32
	Wpix uint32
	Hpix uint32
}

// ParseWinChangeReq parses a "window-change" payload.
func ParseWinChangeReq(data []byte) (*WinChangeReqParams, error) {
	var r WinChangeReqParams
	if err := ssh.Unmarshal(data, &r); err != nil {
		return nil, trace.BadParameter("failed to parse window-change request: %v", err)
	}
	return &r, nil
}

// ExecReq is the payload of an "exec" session request.
type ExecReq struct {
	Command string
}

// SubsystemReq is the payload of a "subsystem" session request.
type SubsystemReq struct {
	Name string
}

// EnvReqParams is the payload of an "env" session request.
type EnvReqParams struct {
	Name  string
	Value string
}

// ExitStatusReq is the payload of an "exit-status" request sent back
// to the client when the backend command finishes.
type ExitStatusReq struct {
	Code uint32
}
