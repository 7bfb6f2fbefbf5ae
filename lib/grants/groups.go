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

package grants

import (
	"context"

	"github.com/gravitational/trace"
)

// Parents maps a group id to its parent group id, nil for roots. Both
// group forests (user and server) are walked through this shape.
type Parents map[int64]*int64

// AncestorClosure returns startID plus all its ancestors, walking the
// parent pointers until a root. A node seen twice means the forest
// invariant is broken and the walk fails instead of looping.
func AncestorClosure(startID int64, parents Parents) ([]int64, error) {
	var closure []int64
	seen := make(map[int64]bool)

	current := &startID
	for current != nil {
		id := *current
		if seen[id] {
			return nil, trace.BadParameter("cycle detected in group hierarchy at group %v", id)
		}
		seen[id] = true
		closure = append(closure, id)
		current = parents[id]
	}
	return closure, nil
}

// ValidateNoCycle checks that re-parenting nodeID under newParentID
// keeps the forest acyclic. It walks up from the new parent; reaching
// nodeID means the edge would close a cycle.
func ValidateNoCycle(nodeID int64, newParentID *int64, parents Parents) error {
	if newParentID == nil {
		return nil
	}
	if *newParentID == nodeID {
		return trace.BadParameter("group %v cannot be its own parent", nodeID)
	}
	seen := map[int64]bool{nodeID: true}
	current := newParentID
	for current != nil {
		id := *current
		if seen[id] {
			return trace.BadParameter("setting parent %v on group %v would create a cycle", *newParentID, nodeID)
		}
		seen[id] = true
		current = parents[id]
	}
	return nil
}

// userGroupParents loads the user group forest as a parent map.
func userGroupParents(ctx context.Context, r Reader) (Parents, error) {
	groups, err := r.UserGroups(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	parents := make(Parents, len(groups))
	for _, g := range groups {
		parents[g.ID] = g.ParentID
	}
	return parents, nil
}

// backendGroupParents loads the server group forest as a parent map.
func backendGroupParents(ctx context.Context, r Reader) (Parents, error) {
	groups, err := r.BackendGroups(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	parents := make(Parents, len(groups))
	for _, g := range groups {
		parents[g.ID] = g.ParentID
	}
	return parents, nil
}

// ExpandUserGroups returns the union of the ancestor closures of every
// group the user is a direct member of. A policy bound to any group in
// the result applies to the user.
func ExpandUserGroups(ctx context.Context, r Reader, userID int64) (map[int64]bool, error) {
	memberships, err := r.UserGroupMemberships(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(memberships) == 0 {
		return map[int64]bool{}, nil
	}
	parents, err := userGroupParents(ctx, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return expand(memberships, parents)
}

// ExpandBackendGroups returns the union of the ancestor closures of
// every group the backend is a direct member of.
func ExpandBackendGroups(ctx context.Context, r Reader, backendID int64) (map[int64]bool, error) {
	memberships, err := r.BackendGroupMemberships(ctx, backendID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(memberships) == 0 {
		return map[int64]bool{}, nil
	}
	parents, err := backendGroupParents(ctx, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return expand(memberships, parents)
}

func expand(startIDs []int64, parents Parents) (map[int64]bool, error) {
	set := make(map[int64]bool)
	for _, id := range startIDs {
		closure, err := AncestorClosure(id, parents)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, gid := range closure {
			set[gid] = true
		}
	}
	return set, nil
}
