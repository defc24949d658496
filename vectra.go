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

// Package vectra holds constants shared across the authorization cache core.
package vectra

const (
	// MetricNamespace is the prometheus namespace for all cache core metrics.
	MetricNamespace = "vectra"

	// Component is the log attribute key identifying a subsystem.
	Component = "component"

	// ComponentTierCache is the tiered cache manager and its stores.
	ComponentTierCache = "tiercache"

	// ComponentBreaker is the circuit breaker guarding remote tiers.
	ComponentBreaker = "breaker"

	// ComponentWarming is the warming queue, pool and orchestrator.
	ComponentWarming = "warming"

	// ComponentAuthzCache is the domain-shaped authorization facade.
	ComponentAuthzCache = "authzcache"

	// ComponentPerfMon is the performance monitor.
	ComponentPerfMon = "perfmon"

	// ComponentRuntime is the top-level cache runtime container.
	ComponentRuntime = "runtime"
)

// Cache tiers in probe order.
const (
	// TierL1 is the in-process store.
	TierL1 = "l1"
	// TierL2 is the remote key-value store.
	TierL2 = "l2"
	// TierL3 is the materialized projection reader.
	TierL3 = "l3"
)
