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

// Package recorder writes session transcripts to disk. A transcript is
// one JSON document per session; the whole document is rewritten after
// every appended event so readers always find valid JSON, even while
// the session is live or after a crash. Recording failures are logged
// and swallowed: a session must never die because its transcript
// cannot be written.
package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
)

// Event kinds appearing in a transcript.
const (
	EventSessionStart   = "session_start"
	EventClientToServer = "client_to_server"
	EventServerToClient = "server_to_client"
	EventSessionEnd     = "session_end"
)

// truncatedMarker is appended to payloads cut at the recording limit.
const truncatedMarker = "... [truncated]"

// Event is one recorded transcript entry.
type Event struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Data      string `json:"data"`
}

// document is the on-disk shape of a transcript.
type document struct {
	SessionID       string  `json:"session_id"`
	Username        string  `json:"username"`
	Backend         string  `json:"backend"`
	StartTime       string  `json:"start_time"`
	EndTime         string  `json:"end_time,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Events          []Event `json:"events"`
}

// Config holds recorder creation parameters.
type Config struct {
	// Dir is the directory transcripts are written to.
	Dir string
	// SessionID names the transcript file.
	SessionID string
	// Username is the proxied user, recorded in the header.
	Username string
	// Backend is the backend address, recorded in the header.
	Backend string
	// Clock stamps events; defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.SessionID == "" {
		return trace.BadParameter("missing parameter SessionID")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Recorder accumulates the events of one session and keeps the on-disk
// JSON document current. Safe for concurrent use by the two relay
// directions.
type Recorder struct {
	log   *logrus.Entry
	clock clockwork.Clock

	mu        sync.Mutex
	doc       document
	path      string
	startedAt time.Time
	finalized bool
}

// New creates the transcript file and records the session_start event.
func New(cfg Config) (*Recorder, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	now := cfg.Clock.Now()
	r := &Recorder{
		log: logrus.WithFields(logrus.Fields{
			portcullis.Component: portcullis.ComponentRecorder,
			"session_id":         cfg.SessionID,
		}),
		clock:     cfg.Clock,
		path:      filepath.Join(cfg.Dir, cfg.SessionID+".json"),
		startedAt: now,
		doc: document{
			SessionID: cfg.SessionID,
			Username:  cfg.Username,
			Backend:   cfg.Backend,
			StartTime: now.Format(time.RFC3339),
			Events:    []Event{},
		},
	}

	r.Record(EventSessionStart, []byte("User "+cfg.Username+" connecting to "+cfg.Backend))
	r.log.Infof("Recording session to %v.", r.path)
	return r, nil
}

// Path returns the transcript file location.
func (r *Recorder) Path() string {
	return r.path
}

// Record appends one event and rewrites the document. Payloads longer
// than the recording limit are truncated with a marker. Failures are
// logged, never returned.
func (r *Recorder) Record(eventType string, data []byte) {
	payload := string(data)
	if len(payload) > defaults.RecordPayloadLimit {
		payload = payload[:defaults.RecordPayloadLimit] + truncatedMarker
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.doc.Events = append(r.doc.Events, Event{
		Timestamp: r.clock.Now().Format(time.RFC3339),
		Type:      eventType,
		Data:      payload,
	})
	r.flushLocked()
}

// RecordInput records client-to-server bytes. Single keystrokes
// without a CR/LF are dropped; the server echo already captures them.
func (r *Recorder) RecordInput(data []byte) {
	if len(data) < 2 && !containsCRLF(data) {
		return
	}
	r.Record(EventClientToServer, data)
}

// RecordOutput records server-to-client bytes.
func (r *Recorder) RecordOutput(data []byte) {
	r.Record(EventServerToClient, data)
}

// Finalize stamps the end time and duration, records session_end,
// rewrites the document one last time and returns the transcript size
// in bytes for the session row. Subsequent calls are no-ops returning
// the same size.
func (r *Recorder) Finalize() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.finalized {
		now := r.clock.Now()
		r.doc.Events = append(r.doc.Events, Event{
			Timestamp: now.Format(time.RFC3339),
			Type:      EventSessionEnd,
			Data:      "Connection closed",
		})
		r.doc.EndTime = now.Format(time.RFC3339)
		r.doc.DurationSeconds = now.Sub(r.startedAt).Seconds()
		r.flushLocked()
		r.finalized = true
		r.log.Infof("Session recording saved: %v.", r.path)
	}

	info, err := os.Stat(r.path)
	if err != nil {
		r.log.Warnf("Failed to stat transcript: %v.", err)
		return 0
	}
	return info.Size()
}

// flushLocked rewrites the whole document. Callers hold r.mu.
func (r *Recorder) flushLocked() {
	data, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		r.log.Warnf("Failed to encode transcript: %v.", err)
		return
	}
	if err := os.WriteFile(r.path, data, 0600); err != nil {
		r.log.Warnf("Failed to write transcript: %v.", err)
	}
}

func containsCRLF(data []byte) bool {
	for _, b := range data {
		if b == '\r' || b == '\n' {
			return true
		}
	}
	return false
}
