package crmsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")

	// CRM error taxonomy. Every facade operation fails with exactly one of
	// these kinds, wrapped in a *CRMError.
	ErrNotFound     = errors.New("crm object not found")
	ErrRateLimited  = errors.New("crm rate limited")
	ErrUnauthorized = errors.New("crm unauthorized")
	ErrUnavailable  = errors.New("crm unavailable")
)

// CRMError carries the taxonomy kind plus the failing operation and the
// upstream HTTP status when one exists.
type CRMError struct {
	Kind    error
	Op      string
	Status  int
	Message string
}

func (e *CRMError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *CRMError) Is(target error) bool {
	return target == e.Kind
}

func (e *CRMError) Unwrap() error {
	return e.Kind
}

// Contact is the CRM-side audience member record. The CRM has no notion of a
// platform member id, so the lowercased email address is the natural key.
type Contact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Tag is the CRM-side grouping construct mirroring a platform space.
// The id is CRM-assigned; the name is not a stable key (spaces rename).
type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Audience is a CRM contact list a tenant can bind the integration to.
type Audience struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TimelineEvent is a dated activity entry attached to a CRM contact.
type TimelineEvent struct {
	Name       string            `json:"name"`
	OccurredAt time.Time         `json:"occurredAt"`
	Properties map[string]string `json:"properties,omitempty"`
}

// CRMClient is the typed facade over the CRM's REST surface, bound to one
// tenant's credentials and audience. Implementations do not retry; retry
// policy belongs to the caller, which in this engine means relying on
// at-least-once webhook redelivery over idempotent handlers.
type CRMClient interface {
	ListAudiences(ctx context.Context) ([]Audience, error)
	FindContactByEmail(ctx context.Context, email string) (Contact, error)
	CreateContact(ctx context.Context, contact Contact) error
	UpdateContact(ctx context.Context, contact Contact) error
	CreateTag(ctx context.Context, name string) (Tag, error)
	RenameTag(ctx context.Context, id, name string) error
	GetTag(ctx context.Context, id string) (Tag, error)
	AddTagMembers(ctx context.Context, id string, emails []string) error
	RemoveTagMembers(ctx context.Context, id string, emails []string) error
	PostTimelineEvent(ctx context.Context, email string, event TimelineEvent) error
}

// CRMClientFactory builds a facade bound to one tenant's connection.
type CRMClientFactory func(conn *Connection) CRMClient
