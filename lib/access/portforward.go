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

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/grants"
)

// PortForwardingAllowed reports whether the source may open forwarded
// TCP channels through the backend behind destIP. The flag can come
// from any surviving policy, from the user, or from any group the user
// belongs to, directly or through a parent. Any failure denies.
func (e *Engine) PortForwardingAllowed(ctx context.Context, sourceIP, destIP string) bool {
	d, err := e.resolve(ctx, Request{
		SourceIP: sourceIP,
		DestIP:   destIP,
		Protocol: portcullis.ProtocolSSH,
	})
	if err != nil {
		e.log.WithError(err).Warn("Port forwarding check failed.")
		return false
	}
	if !d.Granted {
		return false
	}
	for _, p := range d.Policies {
		if p.PortForwardingAllowed {
			return true
		}
	}
	if d.User == nil {
		return false
	}
	if d.User.PortForwardingAllowed {
		return true
	}

	set, err := grants.ExpandUserGroups(ctx, e.store, d.User.ID)
	if err != nil {
		e.log.WithError(err).Warn("Port forwarding check failed.")
		return false
	}
	if len(set) == 0 {
		return false
	}
	groups, err := e.store.UserGroups(ctx)
	if err != nil {
		e.log.WithError(err).Warn("Port forwarding check failed.")
		return false
	}
	for _, g := range groups {
		if set[g.ID] && g.PortForwardingAllowed {
			return true
		}
	}
	return false
}
