package observable

import (
	"context"
	"sync"

	"github.com/labrun/photonrun/internal/daqerr"
)

// ParameterSet is a mapping from name to Observable-of-any-type,
// accessed either by typed handle (the caller calls Observable methods
// directly after a type assertion it controls) or by the erased JSON
// path (spec §3). A device actor owns exactly one ParameterSet.
type ParameterSet struct {
	mu     sync.RWMutex
	byName map[string]Erased
}

// NewParameterSet returns an empty set.
func NewParameterSet() *ParameterSet {
	return &ParameterSet{byName: make(map[string]Erased)}
}

// Register installs an Erased handle under name, replacing any prior
// registration (used at device-actor construction time from a driver
// descriptor's declared parameters; not meant for steady-state use).
func (p *ParameterSet) Register(name string, e Erased) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byName[name] = e
}

// Get returns the erased handle for name, if present.
func (p *ParameterSet) Get(name string) (Erased, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byName[name]
	return e, ok
}

// Names returns the set of declared parameter names.
func (p *ParameterSet) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.byName))
	for n := range p.byName {
		names = append(names, n)
	}
	return names
}

// GetJSON reads a parameter's current value as JSON.
func (p *ParameterSet) GetJSON(name string) ([]byte, error) {
	e, ok := p.Get(name)
	if !ok {
		return nil, daqerr.New(daqerr.ValidationError, "ParameterSet.GetJSON", "no such parameter: "+name)
	}
	return e.GetJSON()
}

// SetJSON writes a parameter from a JSON-encoded value; validation is
// performed by the typed Observable behind the erased handle.
func (p *ParameterSet) SetJSON(ctx context.Context, name string, raw []byte) error {
	e, ok := p.Get(name)
	if !ok {
		return daqerr.New(daqerr.ValidationError, "ParameterSet.SetJSON", "no such parameter: "+name)
	}
	return e.SetJSON(ctx, raw)
}
