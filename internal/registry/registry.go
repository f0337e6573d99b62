// Package registry holds one entry per configured model backend. It is built
// once at startup and read-only afterwards, so lookups take no locks.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llmhub/internal/config"
	"github.com/nulpointcorp/llmhub/internal/providers"
)

// pricePrecision is the decimal exponent of "per million tokens".
const pricePrecision = 6

// Entry is an immutable backend description.
type Entry struct {
	Label         string
	Provider      providers.Provider
	ProviderModel string
	// Prices are per million tokens.
	PriceInput  decimal.Decimal
	PriceOutput decimal.Decimal
	Intent      string
	OwnedBy     string
	Internal    bool
	Created     int64
}

// InputPricePerToken is PriceInput / 1e6, exact.
func (e *Entry) InputPricePerToken() decimal.Decimal { return e.PriceInput.Shift(-pricePrecision) }

// OutputPricePerToken is PriceOutput / 1e6, exact.
func (e *Entry) OutputPricePerToken() decimal.Decimal { return e.PriceOutput.Shift(-pricePrecision) }

// Price returns the exact cost of prompt and completion tokens.
func (e *Entry) Price(prompt, completion int) decimal.Decimal {
	in := decimal.NewFromInt(int64(prompt)).Mul(e.PriceInput)
	out := decimal.NewFromInt(int64(completion)).Mul(e.PriceOutput)
	return in.Add(out).Shift(-pricePrecision)
}

// Intent pairs a classifier intent with the label it routes to.
type Intent struct {
	Intent string
	Label  string
}

type Pricing struct {
	Input  decimal.Decimal `json:"input"`
	Output decimal.Decimal `json:"output"`
}

// PublicModel is one item of GET /v1/models.
type PublicModel struct {
	ID      string  `json:"id"`
	Object  string  `json:"object"`
	Created int64   `json:"created"`
	OwnedBy string  `json:"owned_by"`
	Pricing Pricing `json:"pricing"`
}

type Registry struct {
	entries    map[string]*Entry
	order      []string
	classifier string
}

// New validates entries and returns a registry. classifier must name one of
// the entries.
func New(entries []Entry, classifier string) (*Registry, error) {
	r := &Registry{
		entries:    make(map[string]*Entry, len(entries)),
		order:      make([]string, 0, len(entries)),
		classifier: classifier,
	}
	for i := range entries {
		e := entries[i]
		if e.Label == "" {
			return nil, fmt.Errorf("registry: entry %d has no label", i)
		}
		if e.Provider == nil {
			return nil, fmt.Errorf("registry: %s has no provider", e.Label)
		}
		if _, dup := r.entries[e.Label]; dup {
			return nil, fmt.Errorf("registry: duplicate label %q", e.Label)
		}
		r.entries[e.Label] = &e
		r.order = append(r.order, e.Label)
	}
	if _, ok := r.entries[classifier]; !ok {
		return nil, fmt.Errorf("registry: classifier %q is not a configured backend", classifier)
	}
	return r, nil
}

// Lookup returns the entry for label. An unknown label resolves to the
// classifier entry.
func (r *Registry) Lookup(label string) *Entry {
	if e, ok := r.entries[label]; ok {
		return e
	}
	return r.entries[r.classifier]
}

// Get returns the entry for label without the classifier fallback.
func (r *Registry) Get(label string) (*Entry, bool) {
	e, ok := r.entries[label]
	return e, ok
}

// Has reports whether label names a public backend a caller may select.
func (r *Registry) Has(label string) bool {
	e, ok := r.entries[label]
	return ok && r.public(e)
}

func (r *Registry) Classifier() *Entry { return r.entries[r.classifier] }

// Labels returns the public labels in configuration order.
func (r *Registry) Labels() []string {
	out := make([]string, 0, len(r.order))
	for _, l := range r.order {
		if r.public(r.entries[l]) {
			out = append(out, l)
		}
	}
	return out
}

// Intents returns the routable intents in configuration order.
func (r *Registry) Intents() []Intent {
	var out []Intent
	for _, l := range r.order {
		e := r.entries[l]
		if e.Intent != "" && r.public(e) {
			out = append(out, Intent{Intent: e.Intent, Label: l})
		}
	}
	return out
}

// Entries returns every entry, classifier included, in configuration order.
func (r *Registry) Entries() []*Entry {
	out := make([]*Entry, 0, len(r.order))
	for _, l := range r.order {
		out = append(out, r.entries[l])
	}
	return out
}

// Models lists public backends with per-token pricing.
func (r *Registry) Models() []PublicModel {
	out := make([]PublicModel, 0, len(r.order))
	for _, l := range r.order {
		e := r.entries[l]
		if !r.public(e) {
			continue
		}
		owner := e.OwnedBy
		if owner == "" {
			owner = "llmhub"
		}
		out = append(out, PublicModel{
			ID:      e.Label,
			Object:  "model",
			Created: e.Created,
			OwnedBy: owner,
			Pricing: Pricing{
				Input:  e.InputPricePerToken(),
				Output: e.OutputPricePerToken(),
			},
		})
	}
	return out
}

func (r *Registry) public(e *Entry) bool {
	return !e.Internal && e.Label != r.classifier
}

// ProviderFactory builds the provider handle for one backend.
type ProviderFactory func(ctx context.Context, b config.BackendConfig) (providers.Provider, error)

// Builder constructs the registry at most once. Concurrent Get calls block
// until the first build finishes and then share its result.
type Builder struct {
	backends   []config.BackendConfig
	classifier string
	factory    ProviderFactory

	once sync.Once
	reg  *Registry
	err  error
}

func NewBuilder(backends []config.BackendConfig, classifier string, factory ProviderFactory) *Builder {
	if factory == nil {
		factory = NewProvider
	}
	return &Builder{backends: backends, classifier: classifier, factory: factory}
}

func (b *Builder) Get(ctx context.Context) (*Registry, error) {
	b.once.Do(func() {
		b.reg, b.err = b.build(ctx)
	})
	return b.reg, b.err
}

func (b *Builder) build(ctx context.Context) (*Registry, error) {
	created := time.Now().Unix()
	entries := make([]Entry, 0, len(b.backends))
	for _, bc := range b.backends {
		p, err := b.factory(ctx, bc)
		if err != nil {
			return nil, fmt.Errorf("registry: %s: %w", bc.Label, err)
		}
		entries = append(entries, Entry{
			Label:         bc.Label,
			Provider:      p,
			ProviderModel: bc.Model,
			PriceInput:    bc.PriceInput,
			PriceOutput:   bc.PriceOutput,
			Intent:        bc.Intent,
			OwnedBy:       bc.OwnedBy,
			Internal:      bc.Internal,
			Created:       created,
		})
	}
	return New(entries, b.classifier)
}
