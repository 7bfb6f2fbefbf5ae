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

package scp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsSCP(t *testing.T) {
	t.Parallel()

	require.True(t, IsSCP("scp -t /tmp"))
	require.True(t, IsSCP("/usr/bin/scp -f file.txt"))
	require.False(t, IsSCP("ls -la"))
	require.False(t, IsSCP("scpx -t /tmp"))
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cmd      string
		wantSink bool
		target   string
		wantErr  bool
	}{
		{cmd: "scp -t /tmp/upload.bin", wantSink: true, target: "/tmp/upload.bin"},
		{cmd: "scp -f /etc/hosts", wantSink: false, target: "/etc/hosts"},
		{cmd: "scp -v -r -t /var/www", wantSink: true, target: "/var/www"},
		{cmd: "scp -p -f backup.tar.gz", wantSink: false, target: "backup.tar.gz"},
		// Client-side invocation, no remote mode flag.
		{cmd: "scp file.txt host:/tmp/", wantErr: true},
		// Both modes at once is malformed.
		{cmd: "scp -t -f /tmp", wantErr: true},
		{cmd: "ls -la", wantErr: true},
	}

	for _, tt := range tests {
		cmd, err := ParseCommand(tt.cmd)
		if tt.wantErr {
			require.Error(t, err, tt.cmd)
			continue
		}
		require.NoError(t, err, tt.cmd)
		require.Equal(t, tt.wantSink, cmd.Sink, tt.cmd)
		require.Equal(t, !tt.wantSink, cmd.Source, tt.cmd)
		require.Equal(t, tt.target, cmd.Target, tt.cmd)
	}
}
