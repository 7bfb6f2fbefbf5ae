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

// Package scp classifies the remote "scp" command line a client asks
// the backend to run. The proxy never speaks the SCP protocol itself;
// it only needs to know whether the exec is an upload or a download
// and which path it touches, so the transfer can be recorded and the
// binary stream kept out of the transcript.
package scp

import (
	"flag"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
)

// Command is the parsed form of a remote scp invocation.
type Command struct {
	// Sink is set by -t: the backend consumes data, the client uploads.
	Sink bool
	// Source is set by -f: the backend produces data, the client downloads.
	Source bool
	// Verbose is set by -v.
	Verbose bool
	// TargetIsDir is set by -d.
	TargetIsDir bool
	// Recursive is set by -r.
	Recursive bool
	// Preserve is set by -p.
	Preserve bool
	// Quiet is set by -q.
	Quiet bool
	// Target is the file or directory path on the backend.
	Target string
}

// IsSCP reports whether an exec command line invokes scp.
func IsSCP(cmd string) bool {
	args := strings.Split(cmd, " ")
	if len(args) < 1 {
		return false
	}
	_, f := filepath.Split(args[0])
	return f == "scp"
}

// ParseCommand parses the scp command line sent in an exec request.
// Exactly one of -t and -f must be present: the remote side of an scp
// copy always runs in sink or source mode, anything else is the client
// side leaking through and is rejected.
func ParseCommand(arg string) (*Command, error) {
	if !IsSCP(arg) {
		return nil, trace.BadParameter("not an scp command: %q", arg)
	}
	args := strings.Split(arg, " ")

	f := flag.NewFlagSet(args[0], flag.ContinueOnError)
	var cmd Command
	f.BoolVar(&cmd.Sink, "t", false, "sink mode (data consumer)")
	f.BoolVar(&cmd.Source, "f", false, "source mode (data producer)")
	f.BoolVar(&cmd.Verbose, "v", false, "verbose mode")
	f.BoolVar(&cmd.TargetIsDir, "d", false, "target is a directory")
	f.BoolVar(&cmd.Recursive, "r", false, "recursive copy")
	f.BoolVar(&cmd.Preserve, "p", false, "preserve times and modes")
	f.BoolVar(&cmd.Quiet, "q", false, "quiet mode")

	if err := f.Parse(args[1:]); err != nil {
		return nil, trace.Wrap(err)
	}
	cmd.Target = f.Arg(0)

	if cmd.Sink == cmd.Source {
		return nil, trace.BadParameter("scp remote mode requires exactly one of -t or -f: %q", arg)
	}
	return &cmd, nil
}
