package registry

import (
	"slices"
	"sync/atomic"

	"github.com/AnatolyTseytsey/forward-webhook/internal/config"
	"github.com/AnatolyTseytsey/forward-webhook/internal/event"
)

// Destination is one forwarding target with its delivery policy.
type Destination struct {
	ID             string  `json:"id"`
	URL            string  `json:"url"`
	Enabled        bool    `json:"enabled"`
	MaxConcurrency int     `json:"max_concurrency"`
	RateLimit      float64 `json:"rate_limit"`
	Rule           Rule    `json:"match"`
}

// Rule is a tagged routing predicate: match everything, match a set of
// event types, or match a top-level payload field value.
type Rule struct {
	Kind   string   `json:"kind"`
	Types  []string `json:"types,omitempty"`
	Field  string   `json:"field,omitempty"`
	Equals string   `json:"equals,omitempty"`
}

// Matches reports whether the rule selects ev.
func (r Rule) Matches(ev *event.Event) bool {
	switch r.Kind {
	case "event_type":
		return slices.Contains(r.Types, ev.Type)
	case "field":
		v, ok := ev.Field(r.Field)
		return ok && v == r.Equals
	default: // "all"
		return true
	}
}

// Registry holds the current destination set as an immutable snapshot,
// swapped atomically on hot-reload.
type Registry struct {
	snapshot atomic.Pointer[[]Destination]
}

// New creates a Registry from the configured destinations.
func New(defs []config.DestinationDef) *Registry {
	r := &Registry{}
	r.Swap(defs)
	return r
}

// Swap atomically replaces the destination set (used on hot-reload).
func (r *Registry) Swap(defs []config.DestinationDef) {
	dests := make([]Destination, 0, len(defs))
	for _, d := range defs {
		dests = append(dests, Destination{
			ID:             d.ID,
			URL:            d.URL,
			Enabled:        d.Enabled,
			MaxConcurrency: d.MaxConcurrency,
			RateLimit:      d.RateLimit,
			Rule: Rule{
				Kind:   d.Match.Kind,
				Types:  d.Match.Types,
				Field:  d.Match.Field,
				Equals: d.Match.Equals,
			},
		})
	}
	r.snapshot.Store(&dests)
}

// All returns every configured destination, enabled or not.
func (r *Registry) All() []Destination {
	return *r.snapshot.Load()
}

// Enabled returns the currently enabled destinations.
func (r *Registry) Enabled() []Destination {
	all := r.All()
	out := make([]Destination, 0, len(all))
	for _, d := range all {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Get returns the destination with the given id.
func (r *Registry) Get(id string) (Destination, bool) {
	for _, d := range r.All() {
		if d.ID == id {
			return d, true
		}
	}
	return Destination{}, false
}

// Match returns the enabled destinations whose rule selects ev.
func (r *Registry) Match(ev *event.Event) []Destination {
	var out []Destination
	for _, d := range r.Enabled() {
		if d.Rule.Matches(ev) {
			out = append(out, d)
		}
	}
	return out
}
