// Package pack hosts the executor registry. An executor turns validated run
// inputs into result data and an actual cost; everything around it (leases,
// timeboxes, uploads, settlement) belongs to the worker.
package pack

import (
	"context"
	"encoding/json"
	"sync"
)

// Input is what an executor receives for one run.
type Input struct {
	RunID    string
	TenantID string
	PackType string
	Inputs   json.RawMessage
}

// Result is what a successful execution produces. ActualMicros is the
// executor's metered cost; the ledger clips it to the reservation at
// settlement.
type Result struct {
	Data         json.RawMessage
	Artifacts    json.RawMessage
	ActualMicros int64
}

// Executor runs one pack type. Implementations must honor ctx cancellation:
// the worker cancels on timebox expiry and on lost leases.
type Executor interface {
	Execute(ctx context.Context, in Input) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, in Input) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, in Input) (*Result, error) {
	return f(ctx, in)
}

// Registry maps pack types to executors. Registration happens at startup;
// lookups happen on every dequeued message.
type Registry struct {
	mu    sync.RWMutex
	packs map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{packs: make(map[string]Executor)}
}

// Register installs an executor for a pack type, replacing any previous one.
func (r *Registry) Register(packType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packs[packType] = e
}

// Get returns the executor for a pack type.
func (r *Registry) Get(packType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.packs[packType]
	return e, ok
}

// Types returns the registered pack types, for startup logging.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.packs))
	for t := range r.packs {
		out = append(out, t)
	}
	return out
}
