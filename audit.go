package cloudguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS remediation_records (
	finding_id   TEXT NOT NULL,
	provider     TEXT NOT NULL,
	action_taken TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	timestamp    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_remediation_key ON remediation_records (finding_id, provider);

CREATE TABLE IF NOT EXISTS security_events (
	id          TEXT PRIMARY KEY,
	event_type  TEXT NOT NULL,
	description TEXT NOT NULL,
	timestamp   DATETIME NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending'
);

CREATE TABLE IF NOT EXISTS alerts (
	id          TEXT PRIMARY KEY,
	alert_type  TEXT NOT NULL,
	description TEXT NOT NULL,
	timestamp   DATETIME NOT NULL,
	status      TEXT NOT NULL DEFAULT 'active'
);
`

// SQLAuditStore persists the audit trail in SQLite. Remediation records are
// append-only; nothing in the store ever updates or deletes a row.
type SQLAuditStore struct {
	db *sqlx.DB
}

// NewSQLAuditStore opens (and if needed initializes) the audit database.
func NewSQLAuditStore(dsn string) (*SQLAuditStore, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) AppendRemediation(ctx context.Context, rec RemediationRecord) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO remediation_records (finding_id, provider, action_taken, outcome, timestamp)
		 VALUES (:finding_id, :provider, :action_taken, :outcome, :timestamp)`, rec)
	if err != nil {
		return fmt.Errorf("%w: append remediation record: %v", ErrPersistence, err)
	}
	return nil
}

func (s *SQLAuditStore) HasRecord(ctx context.Context, findingID string, provider Provider) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM remediation_records WHERE finding_id = ? AND provider = ?`,
		findingID, provider)
	if err != nil {
		return false, fmt.Errorf("lookup remediation record: %w", err)
	}
	return count > 0, nil
}

func (s *SQLAuditStore) Remediations(ctx context.Context, limit int) ([]RemediationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []RemediationRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT finding_id, provider, action_taken, outcome, timestamp
		 FROM remediation_records ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list remediation records: %w", err)
	}
	return records, nil
}

func (s *SQLAuditStore) AppendEvent(ctx context.Context, ev SecurityEvent) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO security_events (id, event_type, description, timestamp, status)
		 VALUES (:id, :event_type, :description, :timestamp, :status)`, ev)
	if err != nil {
		return fmt.Errorf("%w: append security event: %v", ErrPersistence, err)
	}
	return nil
}

func (s *SQLAuditStore) Events(ctx context.Context, limit int) ([]SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []SecurityEvent
	err := s.db.SelectContext(ctx, &events,
		`SELECT id, event_type, description, timestamp, status
		 FROM security_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	return events, nil
}

func (s *SQLAuditStore) AppendAlert(ctx context.Context, al Alert) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO alerts (id, alert_type, description, timestamp, status)
		 VALUES (:id, :alert_type, :description, :timestamp, :status)`, al)
	if err != nil {
		return fmt.Errorf("%w: append alert: %v", ErrPersistence, err)
	}
	return nil
}

func (s *SQLAuditStore) Alerts(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	var alerts []Alert
	err := s.db.SelectContext(ctx, &alerts,
		`SELECT id, alert_type, description, timestamp, status
		 FROM alerts ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

func (s *SQLAuditStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLAuditStore) Close() error {
	return s.db.Close()
}

// InMemoryAuditStore keeps the audit trail in process memory. Used by tests
// and by deployments that delegate persistence entirely to the dashboard.
type InMemoryAuditStore struct {
	mu           sync.RWMutex
	remediations []RemediationRecord
	events       []SecurityEvent
	alerts       []Alert
}

func NewInMemoryAuditStore() *InMemoryAuditStore {
	return &InMemoryAuditStore{}
}

func (s *InMemoryAuditStore) AppendRemediation(ctx context.Context, rec RemediationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remediations = append(s.remediations, rec)
	return nil
}

func (s *InMemoryAuditStore) HasRecord(ctx context.Context, findingID string, provider Provider) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.remediations {
		if rec.FindingID == findingID && rec.Provider == provider {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryAuditStore) Remediations(ctx context.Context, limit int) ([]RemediationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastN(s.remediations, limit), nil
}

func (s *InMemoryAuditStore) AppendEvent(ctx context.Context, ev SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *InMemoryAuditStore) Events(ctx context.Context, limit int) ([]SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastN(s.events, limit), nil
}

func (s *InMemoryAuditStore) AppendAlert(ctx context.Context, al Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, al)
	return nil
}

func (s *InMemoryAuditStore) Alerts(ctx context.Context, limit int) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastN(s.alerts, limit), nil
}

func (s *InMemoryAuditStore) HealthCheck(ctx context.Context) error {
	return nil
}

// lastN copies the newest limit entries, newest first.
func lastN[T any](items []T, limit int) []T {
	if limit <= 0 {
		limit = 100
	}
	out := make([]T, 0, limit)
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, items[i])
	}
	return out
}

// newTimestamp truncates to millisecond precision so values survive a
// round-trip through the SQLite DATETIME column unchanged.
func newTimestamp() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
