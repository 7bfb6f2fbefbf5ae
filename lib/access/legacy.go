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

package access

import (
	"context"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// resolveLegacy serves grants issued before the policy model existed,
// against the flat access_grants table. It is reached only when the
// source IP has no SourceIP row and legacy grants are enabled. With no
// login the user is identified by the deprecated users.source_ip
// column; with a login the user is looked up by name and the column,
// when set, must match.
func (e *Engine) resolveLegacy(ctx context.Context, req Request, now time.Time) (*Decision, error) {
	d := &Decision{}

	if req.Login == "" {
		user, err := e.store.LegacyUserBySourceIP(ctx, req.SourceIP)
		if err != nil {
			if !trace.IsNotFound(err) {
				return nil, trace.Wrap(err)
			}
			d.Reason = ReasonUnknownSourceIP
			d.Message = fmt.Sprintf("No user found for source IP %s", req.SourceIP)
			return d, nil
		}
		d.User = user
	} else {
		user, err := e.store.LegacyUserByUsername(ctx, req.Login)
		if err != nil {
			if !trace.IsNotFound(err) {
				return nil, trace.Wrap(err)
			}
			d.Reason = ReasonUserInactive
			d.Message = fmt.Sprintf("User %s not found or inactive", req.Login)
			return d, nil
		}
		if user.LegacySourceIP != "" && user.LegacySourceIP != req.SourceIP {
			e.log.WithFields(logrus.Fields{
				"user":      user.Username,
				"expected":  user.LegacySourceIP,
				"source_ip": req.SourceIP,
			}).Warn("Legacy source IP mismatch.")
			d.Reason = ReasonUnknownSourceIP
			d.Message = fmt.Sprintf("Source IP %s not authorized for user %s", req.SourceIP, req.Login)
			return d, nil
		}
		d.User = user
	}

	grant, err := e.store.ActiveLegacyGrant(ctx, d.User.ID, now)
	if err != nil {
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		d.Reason = ReasonNoMatchingPolicy
		d.Message = "No active access grant"
		return d, nil
	}

	backend, err := e.store.BackendByID(ctx, grant.BackendID)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if err != nil || !backend.Active {
		d.Reason = ReasonUnknownBackend
		d.Message = "Server not found or inactive"
		return d, nil
	}

	end := grant.EndTime.UTC()
	d.Granted = true
	d.Reason = ReasonGranted
	d.Message = "Access granted (legacy)"
	d.Backend = backend
	d.EffectiveEnd = &end
	return d, nil
}
