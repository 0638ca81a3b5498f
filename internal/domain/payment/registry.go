package payment

import (
	"sort"

	"github.com/go-faster/errors"
)

// Registry resolves gateways by id.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry creates a Registry from the given gateways.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.ID()] = g
	}
	return r
}

// Get returns the gateway registered under id.
func (r *Registry) Get(id string) (Gateway, error) {
	g, ok := r.gateways[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownGateway, "%q", id)
	}
	return g, nil
}

// RequiresEvidence reports whether gateway id needs a receipt.
func (r *Registry) RequiresEvidence(id string) (bool, error) {
	g, err := r.Get(id)
	if err != nil {
		return false, err
	}
	return g.RequiresEvidence(), nil
}

// IDs lists the registered gateway ids in order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.gateways))
	for id := range r.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
