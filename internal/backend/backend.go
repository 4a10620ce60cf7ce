// Package backend is the HTTP client for the deletion execution API.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/developingchet/cascade-guard/internal/audit"
)

// Preview is the impact summary returned before a deletion.
type Preview struct {
	EntityID            string         `json:"entityId"`
	DisplayName         string         `json:"displayName"`
	ImpactedCollections []string       `json:"impactedCollections"`
	Counts              map[string]int `json:"counts"`
	Warnings            []string       `json:"warnings,omitempty"`
}

// ImpactItems renders one acknowledgement line per impacted collection.
func (p Preview) ImpactItems() []string {
	items := make([]string, 0, len(p.ImpactedCollections))
	for _, name := range p.ImpactedCollections {
		if n, ok := p.Counts[name]; ok {
			items = append(items, fmt.Sprintf("%s (%d)", name, n))
			continue
		}
		items = append(items, name)
	}
	return items
}

// ExecuteOptions accompany a deletion request.
type ExecuteOptions struct {
	Kind              string `json:"kind"`
	VerificationToken string `json:"verificationToken"`
	Reason            string `json:"reason,omitempty"`
	DryRun            bool   `json:"dryRun,omitempty"`
}

// Server-side deletion states reported by DeletionStatus.
const (
	DeletionRunning   = "running"
	DeletionCompleted = "completed"
	DeletionFailed    = "failed"
	DeletionCancelled = "cancelled"
)

// DeletionStatus is the server's record of a submitted deletion.
type DeletionStatus struct {
	OperationID string         `json:"operationId"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Summary     map[string]any `json:"summary,omitempty"`
}

// Session is the server's view of the caller after a refresh.
type Session struct {
	UserID        string    `json:"userId"`
	Role          string    `json:"role"`
	ValidUntil    time.Time `json:"validUntil"`
	OwnedEntities []string  `json:"ownedEntities,omitempty"`
}

// API is the backend seam. All methods accept context for deadline control.
type API interface {
	PreviewDeletion(ctx context.Context, entityID string) (Preview, error)
	ExecuteDeletion(ctx context.Context, entityID string, opts ExecuteOptions) (string, error)
	CancelDeletion(ctx context.Context, operationID string) error
	DeletionStatus(ctx context.Context, operationID string) (DeletionStatus, error)

	RefreshSession(ctx context.Context) (Session, error)
	VerifyPassword(ctx context.Context, subject, password string) (bool, error)
	PostAuditEvents(ctx context.Context, events []audit.Event) error

	HasFeature(ctx context.Context, feature string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// --- Typed errors -----------------------------------------------------------

// ErrUnauthorized is returned on HTTP 401 responses.
type ErrUnauthorized struct {
	Msg string
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Msg)
}

// ErrNotFound is returned when an entity or operation does not exist.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.ID)
}

// ErrRateLimit is returned when the server signals rate limiting.
type ErrRateLimit struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// ErrConflict is returned when the entity is already being deleted or the
// operation has already finished.
type ErrConflict struct {
	Msg string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("conflict: %s", e.Msg)
}

// ErrForbidden is returned on HTTP 403, typically a rejected verification token.
type ErrForbidden struct {
	Msg string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Msg)
}
