package cloudguard

import (
	"sync"
)

// Baseline is the rolling historical reference for one provider scope: a
// bounded FIFO window of past traffic feature vectors plus the allow-listed
// config values the rule checker compares against.
type Baseline struct {
	mu       sync.Mutex
	capacity int
	window   [][]float64
	head     int
	size     int
	frozen   bool

	allowedInstanceTypes  map[string]struct{}
	allowedSecurityGroups map[string]struct{}
	maxInstances          int
}

// NewBaseline builds an empty baseline with the given window capacity and
// allow-lists.
func NewBaseline(cfg BaselineConfig) *Baseline {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 512
	}
	b := &Baseline{
		capacity:              capacity,
		window:                make([][]float64, capacity),
		allowedInstanceTypes:  make(map[string]struct{}, len(cfg.AllowedInstanceTypes)),
		allowedSecurityGroups: make(map[string]struct{}, len(cfg.AllowedSecurityGroups)),
		maxInstances:          cfg.MaxInstances,
	}
	for _, t := range cfg.AllowedInstanceTypes {
		b.allowedInstanceTypes[t] = struct{}{}
	}
	for _, g := range cfg.AllowedSecurityGroups {
		b.allowedSecurityGroups[g] = struct{}{}
	}
	return b
}

// Freeze stops Append from mutating the window, for deterministic evaluation
// against a seeded history.
func (b *Baseline) Freeze() {
	b.mu.Lock()
	b.frozen = true
	b.mu.Unlock()
}

// Seed loads observations regardless of the frozen flag, so tests and warm
// starts can install a known history before serving traffic.
func (b *Baseline) Seed(observations ...[]float64) {
	b.mu.Lock()
	frozen := b.frozen
	b.frozen = false
	b.mu.Unlock()
	for _, obs := range observations {
		b.Append(obs)
	}
	b.mu.Lock()
	b.frozen = frozen
	b.mu.Unlock()
}

// Append records one observation, evicting the oldest when the window is full.
// Frozen baselines ignore appends.
func (b *Baseline) Append(features []float64) {
	if len(features) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return
	}
	idx := (b.head + b.size) % b.capacity
	if b.size == b.capacity {
		// Window full: overwrite the oldest slot and advance the head.
		idx = b.head
		b.head = (b.head + 1) % b.capacity
	} else {
		b.size++
	}
	b.window[idx] = append([]float64(nil), features...)
}

// Len reports the number of observations currently held.
func (b *Baseline) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Window returns the observations oldest-first as a copied slice.
func (b *Baseline) Window() [][]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]float64, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.window[(b.head+i)%b.capacity])
	}
	return out
}

// Series returns a single feature dimension oldest-first.
func (b *Baseline) Series(dim int) []float64 {
	window := b.Window()
	out := make([]float64, 0, len(window))
	for _, features := range window {
		if dim < len(features) {
			out = append(out, features[dim])
		}
	}
	return out
}

// AllowsInstanceType reports whether the instance type is allow-listed.
func (b *Baseline) AllowsInstanceType(t string) bool {
	_, ok := b.allowedInstanceTypes[t]
	return ok
}

// AllowsSecurityGroup reports whether the security group is allow-listed.
func (b *Baseline) AllowsSecurityGroup(g string) bool {
	_, ok := b.allowedSecurityGroups[g]
	return ok
}

// MaxInstances is the quota ceiling for requested instance counts.
func (b *Baseline) MaxInstances() int {
	return b.maxInstances
}

// BaselineRegistry hands out one Baseline per provider scope. Writers to the
// same scope serialize on that baseline's own mutex; different scopes never
// contend.
type BaselineRegistry struct {
	mu        sync.RWMutex
	cfg       BaselineConfig
	freeze    bool
	baselines map[string]*Baseline
}

func NewBaselineRegistry(cfg BaselineConfig, freeze bool) *BaselineRegistry {
	return &BaselineRegistry{
		cfg:       cfg,
		freeze:    freeze,
		baselines: make(map[string]*Baseline),
	}
}

// For returns the baseline for a provider scope, creating it on first use.
func (r *BaselineRegistry) For(scope string) *Baseline {
	r.mu.RLock()
	b, ok := r.baselines[scope]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.baselines[scope]; ok {
		return b
	}
	b = NewBaseline(r.cfg)
	if r.freeze {
		b.Freeze()
	}
	r.baselines[scope] = b
	return b
}
