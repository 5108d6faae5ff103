package plan

import (
	"fmt"

	"github.com/labrun/photonrun/internal/types"
)

// Diagnostic is one validation failure, anchored to the node that
// produced it (spec §7: the concrete shape behind ValidationError's
// "list of per-node diagnostics").
type Diagnostic struct {
	NodeID  NodeID
	Message string
}

// CatalogEntry is the capability/parameter surface Validate needs for
// one device; the caller (the control layer, which does talk to the
// registry) supplies this so plan itself stays pure and side-effect
// free, per spec §4.F ("the translator is pure").
type CatalogEntry struct {
	Capabilities []types.Capability
	Parameters   []string
}

func (c CatalogEntry) hasCapability(want types.Capability) bool {
	for _, have := range c.Capabilities {
		if have == want {
			return true
		}
	}
	return false
}

func (c CatalogEntry) hasParameter(name string) bool {
	for _, p := range c.Parameters {
		if p == name {
			return true
		}
	}
	return false
}

// Catalog maps device id to its known capability/parameter surface.
type Catalog map[types.DeviceID]CatalogEntry

// Validate runs the four ordered checks of spec §4.F, collecting
// every diagnostic rather than stopping at the first (the same
// aggregate idiom as driver.Validate / drivers/ltc4015/validate.go).
func Validate(p *Plan, catalog Catalog) []Diagnostic {
	var diags []Diagnostic

	diags = append(diags, checkDevicesAndCapabilities(p, catalog)...)
	diags = append(diags, checkTypedProperties(p)...)
	diags = append(diags, checkStructure(p)...)
	diags = append(diags, checkParameterWrites(p, catalog)...)

	return diags
}

func requiredCapability(k NodeKind) (types.Capability, bool) {
	switch k {
	case KindMove, KindScan:
		return types.Movable, true
	case KindAcquire:
		return types.FrameProducer, true
	case KindSetParameter:
		return types.Parameterized, true
	default:
		return "", false
	}
}

// checkDevicesAndCapabilities is validation order step 1.
func checkDevicesAndCapabilities(p *Plan, catalog Catalog) []Diagnostic {
	var diags []Diagnostic
	for id, n := range p.Nodes {
		wantCap, needed := requiredCapability(n.Kind)
		if !needed {
			continue
		}
		entry, ok := catalog[n.Device]
		if !ok {
			diags = append(diags, Diagnostic{NodeID: id, Message: fmt.Sprintf("unknown device %q", n.Device)})
			continue
		}
		if !entry.hasCapability(wantCap) {
			diags = append(diags, Diagnostic{NodeID: id, Message: fmt.Sprintf("device %q does not expose capability %s", n.Device, wantCap)})
		}
	}
	return diags
}

// checkTypedProperties is validation order step 2.
func checkTypedProperties(p *Plan) []Diagnostic {
	var diags []Diagnostic
	for id, n := range p.Nodes {
		switch n.Kind {
		case KindWait:
			if n.WaitDuration <= 0 {
				diags = append(diags, Diagnostic{NodeID: id, Message: "wait duration must be positive"})
			}
		case KindAcquire:
			if n.AcquireDuration <= 0 {
				diags = append(diags, Diagnostic{NodeID: id, Message: "acquire duration must be positive"})
			}
		case KindCheckpoint:
			if n.Label == "" {
				diags = append(diags, Diagnostic{NodeID: id, Message: "checkpoint label must be non-empty"})
			}
		case KindSetParameter:
			if n.ParamName == "" {
				diags = append(diags, Diagnostic{NodeID: id, Message: "parameter name must be non-empty"})
			}
		case KindLoop:
			if n.LoopIterations <= 0 {
				diags = append(diags, Diagnostic{NodeID: id, Message: "loop iterations must be positive"})
			}
		case KindScan:
			if len(n.ScanPoints) == 0 {
				diags = append(diags, Diagnostic{NodeID: id, Message: "scan must declare at least one point"})
			}
		}
	}
	return diags
}

// checkStructure is validation order step 3.
func checkStructure(p *Plan) []Diagnostic {
	var diags []Diagnostic

	entryCount := 0
	for id, n := range p.Nodes {
		if n.Kind == KindEntry {
			entryCount++
		}
		if n.Kind != KindEntry && id == p.Entry {
			diags = append(diags, Diagnostic{NodeID: id, Message: "plan entry must reference an entry node"})
		}
		if n.Next != "" {
			if _, ok := p.Nodes[n.Next]; !ok {
				diags = append(diags, Diagnostic{NodeID: id, Message: fmt.Sprintf("successor %q does not exist", n.Next)})
			}
		}
		if n.Kind == KindLoop && len(n.LoopBody) == 0 {
			diags = append(diags, Diagnostic{NodeID: id, Message: "loop body must be non-empty"})
		}
		for _, bodyID := range n.LoopBody {
			if _, ok := p.Nodes[bodyID]; !ok {
				diags = append(diags, Diagnostic{NodeID: id, Message: fmt.Sprintf("loop body references unknown node %q", bodyID)})
			}
		}
		for _, bodyID := range n.ScanBody {
			if _, ok := p.Nodes[bodyID]; !ok {
				diags = append(diags, Diagnostic{NodeID: id, Message: fmt.Sprintf("scan body references unknown node %q", bodyID)})
			}
		}
	}
	if entryCount != 1 {
		diags = append(diags, Diagnostic{NodeID: p.Entry, Message: fmt.Sprintf("plan must have exactly one entry node, found %d", entryCount)})
	}

	if cyc := findCycle(p); cyc != "" {
		diags = append(diags, Diagnostic{NodeID: cyc, Message: "cycle detected outside of a loop body back-edge"})
	}

	return diags
}

// findCycle walks the sequential Next chain from Entry (descending
// into loop/scan bodies as independent sub-chains) looking for a
// revisit; the loop body's own back-edge to its owning Loop node is
// not followed (it is not part of Next), so it cannot trip this check.
func findCycle(p *Plan) NodeID {
	visited := map[NodeID]bool{}
	var walk func(id NodeID, onPath map[NodeID]bool) NodeID
	walk = func(id NodeID, onPath map[NodeID]bool) NodeID {
		if id == "" {
			return ""
		}
		if onPath[id] {
			return id
		}
		n, ok := p.Nodes[id]
		if !ok {
			return ""
		}
		onPath[id] = true
		visited[id] = true
		defer delete(onPath, id)

		for _, bodyID := range n.LoopBody {
			if c := walk(bodyID, onPath); c != "" {
				return c
			}
		}
		for _, bodyID := range n.ScanBody {
			if c := walk(bodyID, onPath); c != "" {
				return c
			}
		}
		return walk(n.Next, onPath)
	}
	if c := walk(p.Entry, map[NodeID]bool{}); c != "" {
		return c
	}
	return ""
}

// checkParameterWrites is validation order step 4.
func checkParameterWrites(p *Plan, catalog Catalog) []Diagnostic {
	var diags []Diagnostic
	for id, n := range p.Nodes {
		if n.Kind != KindSetParameter {
			continue
		}
		entry, ok := catalog[n.Device]
		if !ok {
			continue // already reported by step 1
		}
		if n.ParamName != "" && !entry.hasParameter(n.ParamName) {
			diags = append(diags, Diagnostic{NodeID: id, Message: fmt.Sprintf("device %q has no parameter %q", n.Device, n.ParamName)})
		}
	}
	return diags
}
