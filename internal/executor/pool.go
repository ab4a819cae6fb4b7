package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"binance-futures-engine/internal/logging"
)

// RunnerStatus is one row of the pool's status report.
type RunnerStatus struct {
	StrategyID string `json:"strategy_id"`
	Symbol     string `json:"symbol"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
}

// Pool holds all strategy runners and fans lifecycle and parameter
// operations out to them. One runner failing fatally does not affect the
// others.
type Pool struct {
	log zerolog.Logger

	mu      sync.Mutex
	runners map[string]*Runner
	started bool
}

// NewPool creates an empty runner pool.
func NewPool() *Pool {
	return &Pool{
		log:     logging.Component("pool"),
		runners: make(map[string]*Runner),
	}
}

// Add registers a runner under its strategy ID. Adding after Start also
// launches it.
func (p *Pool) Add(ctx context.Context, r *Runner) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := r.ID()
	if _, exists := p.runners[id]; exists {
		return fmt.Errorf("runner %q already registered", id)
	}
	p.runners[id] = r
	if p.started {
		r.Start(ctx)
	}
	return nil
}

// Start launches every registered runner.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.started = true
	for _, r := range p.runners {
		r.Start(ctx)
	}
	p.log.Info().Int("runners", len(p.runners)).Msg("runner pool started")
}

// Stop shuts every runner down and waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	runners := make([]*Runner, 0, len(p.runners))
	for _, r := range p.runners {
		runners = append(runners, r)
	}
	p.started = false
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			r.Stop()
		}(r)
	}
	wg.Wait()
	p.log.Info().Msg("runner pool stopped")
}

// UpdateParams forwards new parameters to the named runner.
func (p *Pool) UpdateParams(strategyID string, params map[string]string) error {
	p.mu.Lock()
	r, ok := p.runners[strategyID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no runner registered for strategy %q", strategyID)
	}
	return r.UpdateParams(params)
}

// Statuses reports every runner's state, sorted by strategy ID.
func (p *Pool) Statuses() []RunnerStatus {
	p.mu.Lock()
	runners := make([]*Runner, 0, len(p.runners))
	for _, r := range p.runners {
		runners = append(runners, r)
	}
	p.mu.Unlock()

	out := make([]RunnerStatus, 0, len(runners))
	for _, r := range runners {
		status, err := r.Status()
		row := RunnerStatus{
			StrategyID: r.ID(),
			Symbol:     r.cfg.Context.Symbol,
			Status:     status,
		}
		if err != nil {
			row.Error = err.Error()
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}
