package syncer

import "sync"

// pageSizer adapts a historical worker's page size within [min, max]:
// halved immediately on a rate-limit signal, doubled after a streak of
// consecutive successful pages, per spec §4.G ("default 2000 blocks,
// halved on rate-limit signals, doubled after N consecutive successes
// up to a ceiling").
type pageSizer struct {
	mu      sync.Mutex
	current uint64
	min     uint64
	max     uint64
	streak  int
}

const successesBeforeDoubling = 5

func newPageSizer(initial, min, max uint64) *pageSizer {
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	return &pageSizer{current: initial, min: min, max: max}
}

func (p *pageSizer) Current() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *pageSizer) OnSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streak++
	if p.streak >= successesBeforeDoubling {
		p.streak = 0
		p.current *= 2
		if p.current > p.max {
			p.current = p.max
		}
	}
}

func (p *pageSizer) OnRateLimit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streak = 0
	p.current /= 2
	if p.current < p.min {
		p.current = p.min
	}
}
