package wasm

import (
	"context"
	"fmt"
)

// Process adapts one loaded WASM module into the internal/pool.Process
// contract, so an agent configured with a "wasm:<module>" backend runs
// through the same lane/pool dispatch path as a local subprocess or a
// docker-sandboxed container (internal/sandbox.Process).
type Process struct {
	host       *Host
	agentID    string
	moduleName string
}

// NewProcess returns a Process bound to moduleName, which must already be
// loaded into host (via LoadModuleFromFile/LoadModuleFromBytes).
func NewProcess(host *Host, agentID, moduleName string) *Process {
	return &Process{host: host, agentID: agentID, moduleName: moduleName}
}

// SendMessage invokes the guest module's handle() export with prompt and
// returns its response text.
func (p *Process) SendMessage(ctx context.Context, prompt string) (string, error) {
	out, err := p.host.Invoke(ctx, p.moduleName, prompt)
	if err != nil {
		return "", fmt.Errorf("wasm process %s: %w", p.agentID, err)
	}
	return out, nil
}

// IsReady reports whether the backing module is loaded and not quarantined.
func (p *Process) IsReady() bool {
	p.host.modulesMu.Lock()
	defer p.host.modulesMu.Unlock()
	if p.host.moduleQuarantined[p.moduleName] {
		return false
	}
	_, ok := p.host.modules[p.moduleName]
	return ok
}
