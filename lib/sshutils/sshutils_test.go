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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestParseDirectTCPIPReq(t *testing.T) {
	t.Parallel()

	payload := ssh.Marshal(DirectTCPIPReq{
		Host:     "10.30.0.5",
		Port:     5432,
		Orig:     "127.0.0.1",
		OrigPort: 51000,
	})
	req, err := ParseDirectTCPIPReq(payload)
	require.NoError(t, err)
	require.Equal(t, "10.30.0.5", req.Host)
	require.Equal(t, uint32(5432), req.Port)
	require.Equal(t, "127.0.0.1", req.Orig)
	require.Equal(t, uint32(51000), req.OrigPort)

	_, err = ParseDirectTCPIPReq([]byte("garbage"))
	require.Error(t, err)
}

func TestParseTCPIPForwardReq(t *testing.T) {
	t.Parallel()

	payload := ssh.Marshal(TCPIPForwardReq{Addr: "0.0.0.0", Port: 8080})
	req, err := ParseTCPIPForwardReq(payload)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", req.Addr)
	require.Equal(t, uint32(8080), req.Port)
}

func TestPTYReqTerminalModes(t *testing.T) {
	t.Parallel()

	// Opcode 53 (ECHO) = 1, opcode 128 (TTY_OP_ISPEED) = 38400,
	// terminated by TTY_OP_END.
	modes := []byte{
		53, 0, 0, 0, 1,
		128, 0, 0, 0x96, 0x00,
		0,
	}
	params := PTYReqParams{
		Env:   "xterm-256color",
		W:     120,
		H:     40,
		Modes: string(modes),
	}

	parsed, err := ParsePTYReq(ssh.Marshal(params))
	require.NoError(t, err)
	require.Equal(t, "xterm-256color", parsed.Env)
	require.Equal(t, uint32(120), parsed.W)
	require.Equal(t, uint32(40), parsed.H)

	decoded := parsed.TerminalModes()
	require.Equal(t, uint32(1), decoded[53])
	require.Equal(t, uint32(38400), decoded[128])
	require.NotContains(t, decoded, uint8(0))
}

func TestLoadOrGenerateHostKey(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "host_key")

	first, err := LoadOrGenerateHostKey(path, 2048)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// A second load must return the same key, not generate a new one.
	second, err := LoadOrGenerateHostKey(path, 2048)
	require.NoError(t, err)
	require.Equal(t,
		Fingerprint(first.PublicKey()),
		Fingerprint(second.PublicKey()))
}
