// Package chains holds the catalogue of EVM networks the auditor can scan.
//
// A Registry is built once at startup and is read-only afterwards, so it can
// be shared by any number of concurrent audits without locking.
package chains

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnknownChain is returned when a chain id is not in the registry.
var ErrUnknownChain = errors.New("chains: unknown chain")

// Descriptor describes one supported network.
type Descriptor struct {
	ID           int64  `json:"chain_id"`
	Name         string `json:"name"`
	NativeSymbol string `json:"symbol"`
	RPCURL       string `json:"-"`
	ExplorerURL  string `json:"explorer,omitempty"`
}

// TxURL returns the explorer link for a transaction hash, or "" if the chain
// has no explorer configured.
func (d Descriptor) TxURL(txHash string) string {
	if d.ExplorerURL == "" || txHash == "" {
		return ""
	}
	return strings.TrimRight(d.ExplorerURL, "/") + "/tx/" + txHash
}

// Registry maps chain ids to descriptors.
type Registry struct {
	ordered []Descriptor
	byID    map[int64]int
}

// NewRegistry validates descriptors and builds a registry that preserves
// their order.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, errors.New("chains: at least one chain is required")
	}

	r := &Registry{
		ordered: make([]Descriptor, 0, len(descriptors)),
		byID:    make(map[int64]int, len(descriptors)),
	}
	for _, d := range descriptors {
		if d.ID <= 0 {
			return nil, fmt.Errorf("chains: chain id must be positive, got %d", d.ID)
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("chains: duplicate chain id %d", d.ID)
		}
		if d.Name == "" {
			return nil, fmt.Errorf("chains: chain %d has no name", d.ID)
		}
		if _, err := url.ParseRequestURI(d.RPCURL); err != nil {
			return nil, fmt.Errorf("chains: chain %d has invalid rpc url: %w", d.ID, err)
		}
		r.byID[d.ID] = len(r.ordered)
		r.ordered = append(r.ordered, d)
	}
	return r, nil
}

// Resolve returns the descriptor for id.
func (r *Registry) Resolve(id int64) (Descriptor, error) {
	i, ok := r.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %d", ErrUnknownChain, id)
	}
	return r.ordered[i], nil
}

// All returns a copy of every descriptor in catalogue order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// IDs returns every chain id in catalogue order.
func (r *Registry) IDs() []int64 {
	ids := make([]int64, len(r.ordered))
	for i, d := range r.ordered {
		ids[i] = d.ID
	}
	return ids
}

// Len returns the number of chains.
func (r *Registry) Len() int { return len(r.ordered) }
