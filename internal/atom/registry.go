// Package atom is the one genuinely immutable global in this system (§9):
// a static map from atom id to endpoint URL and capability metadata,
// generalizing the teacher's job_executor.go Job enum + executor dispatch
// from a closed 3-job set to an open, registry-driven one.
package atom

import "github.com/basegraph-relay/reactor/internal/domain"

// Registry is an immutable atom id → capability lookup, built once at
// startup and shared by every session.
type Registry struct {
	atoms map[string]domain.AtomCapability
}

// NewRegistry builds a Registry from the given capability list. Unknown
// atom ids seen later at runtime are treated as a Lookup miss, not a panic.
func NewRegistry(atoms []domain.AtomCapability) *Registry {
	m := make(map[string]domain.AtomCapability, len(atoms))
	for _, a := range atoms {
		m[a.AtomID] = a
	}
	return &Registry{atoms: m}
}

// Lookup returns the capability for an atom id, and whether it is known.
func (r *Registry) Lookup(atomID string) (domain.AtomCapability, bool) {
	cap, ok := r.atoms[atomID]
	return cap, ok
}

// Endpoint returns the atom's endpoint URL, or "" if unknown.
func (r *Registry) Endpoint(atomID string) string {
	return r.atoms[atomID].Endpoint
}

// ProducesDataset reports whether the atom id produces a dataset output.
func (r *Registry) ProducesDataset(atomID string) bool {
	return r.atoms[atomID].ProducesDataset
}

// PrefersLatestDataset reports the atom's "prefers latest dataset" hint.
func (r *Registry) PrefersLatestDataset(atomID string) bool {
	return r.atoms[atomID].PrefersLatestDataset
}

// DefaultAtoms is the capability enumeration observed in original_source/,
// preserved verbatim per the §9 open-question decision: produces-dataset
// and prefers-latest-dataset are independent booleans, not derived from one
// another.
func DefaultAtoms(baseURL string) []domain.AtomCapability {
	return []domain.AtomCapability{
		{AtomID: "data-upload-validate", Endpoint: baseURL + "/atoms/data-upload-validate", RequiresInput: false, ProducesDataset: true, PrefersLatestDataset: false},
		{AtomID: "merge", Endpoint: baseURL + "/atoms/merge", RequiresInput: true, ProducesDataset: true, PrefersLatestDataset: true},
		{AtomID: "concat", Endpoint: baseURL + "/atoms/concat", RequiresInput: true, ProducesDataset: true, PrefersLatestDataset: true},
		{AtomID: "groupby-wtg-avg", Endpoint: baseURL + "/atoms/groupby-wtg-avg", RequiresInput: true, ProducesDataset: true, PrefersLatestDataset: true},
		{AtomID: "pivot", Endpoint: baseURL + "/atoms/pivot", RequiresInput: true, ProducesDataset: true, PrefersLatestDataset: true},
		{AtomID: "filter", Endpoint: baseURL + "/atoms/filter", RequiresInput: true, ProducesDataset: true, PrefersLatestDataset: true},
		{AtomID: "chart-maker", Endpoint: baseURL + "/atoms/chart-maker", RequiresInput: true, ProducesDataset: false, PrefersLatestDataset: true},
		{AtomID: "scenario-planner", Endpoint: baseURL + "/atoms/scenario-planner", RequiresInput: true, ProducesDataset: true, PrefersLatestDataset: false},
	}
}
