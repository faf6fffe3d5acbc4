package handlepool

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Keys         int `json:"keys"`
	Idle         int `json:"idle"`
	OnLoan       int `json:"onLoan"`
	Constructing int `json:"constructing"`

	Created              uint64 `json:"created"`
	Destroyed            uint64 `json:"destroyed"`
	Hits                 uint64 `json:"hits"`
	Misses               uint64 `json:"misses"`
	ConstructionFailures uint64 `json:"constructionFailures"`
	Evicted              uint64 `json:"evicted"`
}

// Live returns the number of handles the pool currently owns.
func (s Stats) Live() int {
	return s.Idle + s.OnLoan
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[K, H]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := len(p.loanCount)
	idle := 0
	for key, stack := range p.idle {
		idle += len(stack)
		if _, loaned := p.loanCount[key]; !loaned {
			keys++
		}
	}

	return Stats{
		Keys:                 keys,
		Idle:                 idle,
		OnLoan:               p.loaned,
		Constructing:         p.pending,
		Created:              p.stats.created,
		Destroyed:            p.stats.destroyed,
		Hits:                 p.stats.hits,
		Misses:               p.stats.misses,
		ConstructionFailures: p.stats.failures,
		Evicted:              p.stats.evicted,
	}
}

// KeyStats returns the number of idle and on-loan handles for key.
func (p *Pool[K, H]) KeyStats(key K) (idle, onLoan int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[key]), p.loanCount[key]
}
