// Package audit provides the append-only recorder for access-relevant
// events. Audit durability is deliberately decoupled from the guarded
// operation: a failed write degrades observability, it never blocks the
// caller.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"sitegrid.org/internal/ids"
	"sitegrid.org/internal/obs"
)

// Event types recorded by the authorization core.
const (
	EventRoleDefinitionChanged = "role_definition_changed"
	EventRoleAssigned          = "role_assigned"
	EventRoleRemoved           = "role_removed"
	EventRoleUpdated           = "role_updated"
	EventAssignmentSweep       = "assignment_sweep"
	EventAccessDenied          = "access_denied"
	EventInvitationCreated     = "invitation_created"
	EventInvitationAccepted    = "invitation_accepted"
	EventInvitationCancelled   = "invitation_cancelled"
	EventInvitationSweep       = "invitation_sweep"
	EventMFAEnabled            = "mfa_enabled"
	EventBackupCodeConsumed    = "backup_code_consumed"
	EventTokenIssued           = "token_issued"
)

// Status of the observed operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// Draft is the caller-supplied portion of an entry.
type Draft struct {
	ActorUserID    string         `json:"actor_user_id,omitempty"` // empty = system-initiated
	EventType      string         `json:"event_type"`
	TargetUserID   string         `json:"target_user_id,omitempty"`
	TargetResource string         `json:"target_resource,omitempty"`
	OldValues      map[string]any `json:"old_values,omitempty"`
	NewValues      map[string]any `json:"new_values,omitempty"`
	Status         Status         `json:"status"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Entry is an immutable audit record. Created exactly once per observed
// event, never mutated or deleted.
type Entry struct {
	ID string `json:"id"`
	Draft
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	ActorUserID  string
	EventType    string
	Status       Status
	TargetUserID string
	DateFrom     time.Time
	DateTo       time.Time
	Limit        int
}

// DefaultLimit bounds unfiltered listings.
const DefaultLimit = 100

// Store persists entries. List returns newest-first.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// Recorder writes entries and fans them out to live subscribers.
type Recorder struct {
	store  Store
	stream *Stream
	logger zerolog.Logger
	now    func() time.Time
}

// NewRecorder constructs a Recorder over the given store.
func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		stream: NewStream(),
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (r *Recorder) WithClock(fn func() time.Time) *Recorder {
	if fn != nil {
		r.now = fn
	}
	return r
}

// Record persists the draft as a new entry. It always returns an entry:
// when the store is unavailable the gap is logged and counted, and the
// triggering operation proceeds.
func (r *Recorder) Record(ctx context.Context, d Draft) Entry {
	if d.Status == "" {
		d.Status = StatusSuccess
	}
	entry := Entry{
		ID:        ids.New(),
		Draft:     d,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.Append(ctx, &entry); err != nil {
		obs.ObserveAuditFailure()
		r.logger.Error().
			Err(err).
			Str("event_type", d.EventType).
			Str("actor_user_id", d.ActorUserID).
			Msg("observability_gap: audit write dropped")
		return entry
	}
	r.stream.Publish(entry)
	return entry
}

// List returns entries newest-first, applying the default limit when the
// filter leaves it unset.
func (r *Recorder) List(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	return r.store.List(ctx, f)
}

// Subscribe attaches a live subscriber; see Stream.Subscribe.
func (r *Recorder) Subscribe(ctx context.Context) <-chan Entry {
	return r.stream.Subscribe(ctx)
}

func (f Filter) matches(e Entry) bool {
	if f.ActorUserID != "" && e.ActorUserID != f.ActorUserID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.TargetUserID != "" && e.TargetUserID != f.TargetUserID {
		return false
	}
	if !f.DateFrom.IsZero() && e.CreatedAt.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && e.CreatedAt.After(f.DateTo) {
		return false
	}
	return true
}

// Matches reports whether the entry satisfies the filter. Exported for
// store implementations that filter in memory.
func (f Filter) Matches(e Entry) bool { return f.matches(e) }
