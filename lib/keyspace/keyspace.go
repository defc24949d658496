// Vectra
// Copyright (C) 2025 Vectra Labs, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package keyspace defines the cache key naming scheme shared by the
// authorization facade and the warming strategies. Nothing outside this
// package builds raw keys by hand.
package keyspace

import "fmt"

// Verdict is the key for an authorization verdict:
// auth:{resource_kind}:{user_id}:{resource_id}:{action}.
func Verdict(resourceKind, userID, resourceID, action string) string {
	return fmt.Sprintf("auth:%s:%s:%s:%s", resourceKind, userID, resourceID, action)
}

// MediaAccess is the verdict key for media permissions on a generation.
func MediaAccess(userID, generationID string) string {
	return Verdict("generation", userID, generationID, "media")
}

// TeamMember is the key for a user's membership in a team:
// auth:team_member:{user_id}:{team_id}.
func TeamMember(userID, teamID string) string {
	return fmt.Sprintf("auth:team_member:%s:%s", userID, teamID)
}

// UserProfile is the key for a user profile: auth:user_profile:{user_id}.
func UserProfile(userID string) string {
	return fmt.Sprintf("auth:user_profile:%s", userID)
}

// DirectOwnership is the key for the direct ownership predicate.
func DirectOwnership(ownerID, userID, context string) string {
	return Verdict("ownership", userID, ownerID, context)
}

// GenerationMetadata is the key for generation metadata:
// gen:{generation_id}:metadata.
func GenerationMetadata(generationID string) string {
	return fmt.Sprintf("gen:%s:metadata", generationID)
}

// RecentVerdicts is the key under which a user's recent authorization
// verdicts for one resource kind are cached for predictive warming.
func RecentVerdicts(userID, resourceKind string) string {
	return fmt.Sprintf("auth:recent_verdicts:%s:%s", userID, resourceKind)
}

// UserPatterns matches every key scoped to a user, for invalidation. The
// profile key carries the user as its final segment, so it needs its own
// pattern; redis MATCH globs have no alternation that could fold the two.
func UserPatterns(userID string) []string {
	return []string{
		fmt.Sprintf("auth:*:%s:*", userID),
		UserProfile(userID),
	}
}

// ResourcePattern matches every verdict key scoped to a resource.
func ResourcePattern(resourceID string) string {
	return fmt.Sprintf("auth:*:*:%s:*", resourceID)
}
