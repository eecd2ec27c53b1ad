package cloudguard

import (
	"sync"
	"time"
)

// FindingLedger keeps recent findings per origin with a TTL so the read
// endpoints reflect a rolling window of activity rather than all history.
type FindingLedger struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*LedgerEntry
}

type LedgerEntry struct {
	OriginID string     `json:"origin_id"`
	Findings []*Finding `json:"findings"`
	Recorded time.Time  `json:"recorded"`
}

type LedgerSummary struct {
	ActiveFindings map[string]int `json:"active_findings"`
	ActiveOrigins  int            `json:"active_origins"`
	TotalFindings  int            `json:"total_findings"`
	LastUpdated    time.Time      `json:"last_updated"`
}

func NewFindingLedger(ttl time.Duration) *FindingLedger {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FindingLedger{
		ttl:     ttl,
		entries: make(map[string]*LedgerEntry),
	}
}

func (l *FindingLedger) Record(originID string, findings []*Finding) {
	if originID == "" || len(findings) == 0 {
		return
	}
	entry := &LedgerEntry{
		OriginID: originID,
		Findings: findings,
		Recorded: time.Now(),
	}
	l.mu.Lock()
	l.entries[originID] = entry
	l.mu.Unlock()
}

func (l *FindingLedger) Snapshot() []LedgerEntry {
	now := time.Now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	var entries []LedgerEntry
	for _, entry := range l.entries {
		if now.Sub(entry.Recorded) > l.ttl {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries
}

func (l *FindingLedger) Cleanup() {
	now := time.Now()
	l.mu.Lock()
	for origin, entry := range l.entries {
		if now.Sub(entry.Recorded) > l.ttl {
			delete(l.entries, origin)
		}
	}
	l.mu.Unlock()
}

func (l *FindingLedger) Summary() LedgerSummary {
	summary := LedgerSummary{
		ActiveFindings: make(map[string]int),
	}
	entries := l.Snapshot()
	summary.ActiveOrigins = len(entries)
	for _, entry := range entries {
		for _, finding := range entry.Findings {
			summary.ActiveFindings[string(finding.Kind)]++
			summary.TotalFindings++
		}
		if entry.Recorded.After(summary.LastUpdated) {
			summary.LastUpdated = entry.Recorded
		}
	}
	return summary
}
