/*
Copyright 2025 Pawel Mojski.

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

// Package audit appends decision and session lifecycle records to the
// audit log. Appends are best-effort: a session must never fail
// because its audit record cannot be written, so sinks log and swallow
// storage errors.
package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/grants"
)

// Sink consumes audit records.
type Sink interface {
	// Emit appends one record. It never fails; storage errors are
	// logged and dropped.
	Emit(ctx context.Context, rec grants.AuditRecord)
}

// StoreSink appends records to the grant store.
type StoreSink struct {
	store grants.Audit
	log   logrus.FieldLogger
}

// NewStoreSink returns a sink writing to the given store.
func NewStoreSink(store grants.Audit) *StoreSink {
	return &StoreSink{
		store: store,
		log:   logrus.WithField(portcullis.Component, portcullis.ComponentAudit),
	}
}

// Emit implements Sink. The append runs on its own context so records
// emitted during connection teardown still reach the store.
func (s *StoreSink) Emit(ctx context.Context, rec grants.AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaults.StoreOpTimeout)
	defer cancel()
	if err := s.store.AppendAudit(ctx, &rec); err != nil {
		s.log.WithError(err).WithField("action", rec.Action).Warn("Failed to append audit record.")
	}
}

// Discard drops every record. Used by tests and by setups that run
// without an audit trail.
type Discard struct{}

// NewDiscard returns a sink that drops everything.
func NewDiscard() Discard { return Discard{} }

// Emit implements Sink.
func (Discard) Emit(context.Context, grants.AuditRecord) {}
