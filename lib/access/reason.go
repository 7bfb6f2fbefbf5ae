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

// Reason classifies the outcome of a policy decision. The set is
// closed: every denial carries exactly one of these, and the data
// plane, the audit log and the metrics all key off it.
type Reason string

const (
	// ReasonGranted marks a successful decision.
	ReasonGranted Reason = "granted"

	// ReasonUnknownSourceIP means no active SourceIP row matches the
	// client address, so the user cannot be identified.
	ReasonUnknownSourceIP Reason = "unknown_source_ip"

	// ReasonUserInactive means the source IP resolved to a user that
	// is disabled or has been deleted.
	ReasonUserInactive Reason = "user_inactive"

	// ReasonUnknownBackend means no active allocation binds the
	// destination IP to an active backend.
	ReasonUnknownBackend Reason = "unknown_backend"

	// ReasonNoMatchingPolicy means the user was identified but no
	// policy covers this backend.
	ReasonNoMatchingPolicy Reason = "no_matching_policy"

	// ReasonLoginNotAllowed means policies cover the backend but none
	// whitelists the requested SSH login.
	ReasonLoginNotAllowed Reason = "login_not_allowed"

	// ReasonScheduleClosed means every otherwise-matching policy is
	// outside its schedule window right now.
	ReasonScheduleClosed Reason = "schedule_closed"

	// ReasonInternalError means resolution itself failed. Treated as
	// a denial.
	ReasonInternalError Reason = "internal_error"
)

// Reasons lists every member of the taxonomy, in resolution order.
func Reasons() []Reason {
	return []Reason{
		ReasonGranted,
		ReasonUnknownSourceIP,
		ReasonUserInactive,
		ReasonUnknownBackend,
		ReasonNoMatchingPolicy,
		ReasonLoginNotAllowed,
		ReasonScheduleClosed,
		ReasonInternalError,
	}
}
