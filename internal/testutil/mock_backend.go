package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/developingchet/cascade-guard/internal/audit"
	"github.com/developingchet/cascade-guard/internal/backend"
)

// ExecuteCall records one ExecuteDeletion invocation.
type ExecuteCall struct {
	EntityID    string
	Options     backend.ExecuteOptions
	OperationID string
}

// MockBackend implements backend.API for testing.
// All methods are safe for concurrent use.
type MockBackend struct {
	mu sync.Mutex

	// Preset responses
	previews  map[string]backend.Preview
	session   backend.Session
	passwords map[string]string // subject -> accepted password
	features  map[string]bool
	statuses  map[string]backend.DeletionStatus

	// Recorded side effects
	executed  []ExecuteCall
	cancelled []string
	audit     []audit.Event

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Call counts per method
	calls map[string]int

	// Auto-increment counter for operation ids
	nextID int
}

// NewMockBackend returns a zero-state MockBackend ready for use.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		previews:  make(map[string]backend.Preview),
		passwords: make(map[string]string),
		features:  make(map[string]bool),
		statuses:  make(map[string]backend.DeletionStatus),
		errors:    make(map[string]error),
		calls:     make(map[string]int),
	}
}

// SetPreview presets the preview returned for an entity.
func (m *MockBackend) SetPreview(p backend.Preview) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.previews[p.EntityID] = p
}

// SetSession presets the session returned by RefreshSession.
func (m *MockBackend) SetSession(s backend.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
}

// SetDeletionStatus presets the status reported for st.OperationID.
// Unknown operations report running.
func (m *MockBackend) SetDeletionStatus(st backend.DeletionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[st.OperationID] = st
}

// SetPassword registers the password VerifyPassword accepts for subject.
func (m *MockBackend) SetPassword(subject, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passwords[subject] = password
}

// SetHasFeature presets a feature flag.
func (m *MockBackend) SetHasFeature(feature string, val bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features[feature] = val
}

// SetError injects an error to be returned on the next call to the named method.
// The error is consumed (returned once) and then cleared.
func (m *MockBackend) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Calls returns the total number of times the named method was called.
func (m *MockBackend) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Executed returns every ExecuteDeletion call in order.
func (m *MockBackend) Executed() []ExecuteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecuteCall(nil), m.executed...)
}

// Cancelled returns every cancelled operation id in order.
func (m *MockBackend) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

// AuditEvents returns every event posted to the audit endpoint.
func (m *MockBackend) AuditEvents() []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Event(nil), m.audit...)
}

// popError returns and clears any pending error for the given method.
func (m *MockBackend) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- API interface implementation -------------------------------------------

func (m *MockBackend) PreviewDeletion(ctx context.Context, entityID string) (backend.Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["PreviewDeletion"]++
	if err := m.popError("PreviewDeletion"); err != nil {
		return backend.Preview{}, err
	}
	p, ok := m.previews[entityID]
	if !ok {
		return backend.Preview{}, &backend.ErrNotFound{ID: entityID}
	}
	return p, nil
}

func (m *MockBackend) ExecuteDeletion(ctx context.Context, entityID string, opts backend.ExecuteOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["ExecuteDeletion"]++
	if err := m.popError("ExecuteDeletion"); err != nil {
		return "", err
	}
	m.nextID++
	id := fmt.Sprintf("op-%d", m.nextID)
	m.executed = append(m.executed, ExecuteCall{EntityID: entityID, Options: opts, OperationID: id})
	return id, nil
}

func (m *MockBackend) CancelDeletion(ctx context.Context, operationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CancelDeletion"]++
	if err := m.popError("CancelDeletion"); err != nil {
		return err
	}
	m.cancelled = append(m.cancelled, operationID)
	return nil
}

func (m *MockBackend) DeletionStatus(ctx context.Context, operationID string) (backend.DeletionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["DeletionStatus"]++
	if err := m.popError("DeletionStatus"); err != nil {
		return backend.DeletionStatus{}, err
	}
	if st, ok := m.statuses[operationID]; ok {
		return st, nil
	}
	return backend.DeletionStatus{OperationID: operationID, Status: backend.DeletionRunning}, nil
}

func (m *MockBackend) RefreshSession(ctx context.Context) (backend.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["RefreshSession"]++
	if err := m.popError("RefreshSession"); err != nil {
		return backend.Session{}, err
	}
	s := m.session
	s.OwnedEntities = append([]string(nil), m.session.OwnedEntities...)
	return s, nil
}

func (m *MockBackend) VerifyPassword(ctx context.Context, subject, password string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["VerifyPassword"]++
	if err := m.popError("VerifyPassword"); err != nil {
		return false, err
	}
	want, ok := m.passwords[subject]
	return ok && want == password, nil
}

func (m *MockBackend) PostAuditEvents(ctx context.Context, events []audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["PostAuditEvents"]++
	if err := m.popError("PostAuditEvents"); err != nil {
		return err
	}
	m.audit = append(m.audit, events...)
	return nil
}

func (m *MockBackend) HasFeature(ctx context.Context, feature string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["HasFeature"]++
	if err := m.popError("HasFeature"); err != nil {
		return false, err
	}
	return m.features[feature], nil
}

func (m *MockBackend) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Ping"]++
	return m.popError("Ping")
}

func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Close"]++
	return nil
}
