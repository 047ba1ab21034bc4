package agents

import (
	"context"
	"fmt"

	"github.com/regsentinel/regsentinel/core/infra/logging"
	"github.com/regsentinel/regsentinel/core/policy"
)

// Request is everything a generator sees when proposing patches. Prior holds
// the patches from earlier rounds so later rounds can critique them.
type Request struct {
	Clause     policy.Clause
	Policy     policy.Record
	Assessment policy.Assessment
	Round      int
	Prior      []policy.Patch
}

// Generator proposes patches for one clause/policy pair. Returning no patches
// is a valid outcome for any round.
type Generator interface {
	Name() string
	Propose(ctx context.Context, req Request) ([]policy.Patch, error)
}

// Registry holds generators in priority order. The order feeds conflict
// resolution tie-breaks, so it is fixed at construction.
type Registry struct {
	ordered []Generator
	byName  map[string]Generator
}

// NewRegistry builds a registry from generators in priority order.
func NewRegistry(gens ...Generator) (*Registry, error) {
	r := &Registry{byName: map[string]Generator{}}
	for _, g := range gens {
		if g == nil {
			continue
		}
		name := g.Name()
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate generator %q", name)
		}
		r.byName[name] = g
		r.ordered = append(r.ordered, g)
	}
	if len(r.ordered) == 0 {
		return nil, fmt.Errorf("at least one generator required")
	}
	return r, nil
}

// Generators returns the generators in priority order.
func (r *Registry) Generators() []Generator {
	return r.ordered
}

// Rank returns the priority index of an agent, unknown agents sort last.
func (r *Registry) Rank(name string) int {
	for i, g := range r.ordered {
		if g.Name() == name {
			return i
		}
	}
	return len(r.ordered)
}

// Panel runs the generators for a bounded number of rounds. Round one is the
// initial proposal; later rounds let each generator react to the accumulated
// patch set. A generator error skips that generator for the round rather than
// aborting the panel.
type Panel struct {
	registry  *Registry
	maxRounds int
}

// NewPanel wraps a registry with a bounded round count.
func NewPanel(registry *Registry, maxRounds int) *Panel {
	if maxRounds <= 0 {
		maxRounds = 1
	}
	return &Panel{registry: registry, maxRounds: maxRounds}
}

// Collect gathers every patch the panel produces for the request. A round
// that contributes no patches is a fixed point: later rounds are skipped.
func (p *Panel) Collect(ctx context.Context, req Request) ([]policy.Patch, error) {
	var all []policy.Patch
	for round := 1; round <= p.maxRounds; round++ {
		req.Round = round
		req.Prior = append([]policy.Patch(nil), all...)
		added := 0
		for _, gen := range p.registry.Generators() {
			patches, err := gen.Propose(ctx, req)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				logging.Warn("panel", "generator failed", "agent", gen.Name(), "round", round, "error", err)
				continue
			}
			for i := range patches {
				patches[i].Agent = gen.Name()
				patches[i].Round = round
			}
			all = append(all, patches...)
			added += len(patches)
		}
		if added == 0 {
			break
		}
	}
	return all, nil
}
