// Package memory implements the repository interfaces in process memory. It is
// used for single-node development and by service tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/repository"
)

// Repository keeps applications, queue entries, rollback events and journal lines in maps.
type Repository struct {
	mu           sync.RWMutex
	applications map[string]domain.Application
	entries      map[string]domain.QueueEntry
	rollbacks    map[string]domain.RollbackEvent
	events       []domain.DeploymentEvent

	slots slotLocks
}

var (
	_ repository.ApplicationRepository = (*Repository)(nil)
	_ repository.QueueRepository       = (*Repository)(nil)
	_ repository.RollbackRepository    = (*Repository)(nil)
	_ repository.EventRepository       = (*Repository)(nil)
)

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		applications: make(map[string]domain.Application),
		entries:      make(map[string]domain.QueueEntry),
		rollbacks:    make(map[string]domain.RollbackEvent),
		slots:        slotLocks{locks: make(map[string]*slotLock)},
	}
}

// slotLocks hands out one mutex per (application, pull request) key and drops
// it once no caller holds or waits on it.
type slotLocks struct {
	mu    sync.Mutex
	locks map[string]*slotLock
}

type slotLock struct {
	mu   sync.Mutex
	refs int
}

func (s *slotLocks) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &slotLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// CreateApplication registers an application.
func (r *Repository) CreateApplication(ctx context.Context, app *domain.Application) error {
	if app == nil || strings.TrimSpace(app.ID) == "" {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.applications[app.ID]; exists {
		return repository.ErrConflict
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now().UTC()
	}
	r.applications[app.ID] = *app
	return nil
}

// GetApplicationByID fetches an application.
func (r *Repository) GetApplicationByID(ctx context.Context, id string) (*domain.Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.applications[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &app, nil
}

// Admit runs decide under the slot lock and stores the entry it returns.
func (r *Repository) Admit(ctx context.Context, slot domain.Slot, decide repository.AdmitFunc) (*domain.QueueEntry, error) {
	unlock := r.slots.lock(slot.Key())
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	active := r.activeLocked(slot)
	r.mu.RUnlock()

	entry, err := decide(active)
	if err != nil || entry == nil {
		return nil, err
	}
	if entry.Slot() != slot {
		return nil, repository.ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[entry.ID]; exists {
		return nil, repository.ErrConflict
	}
	if entry.Status.Active() && r.activeLocked(slot) != nil {
		return nil, repository.ErrConflict
	}
	r.entries[entry.ID] = cloneEntry(*entry)
	stored := cloneEntry(*entry)
	return &stored, nil
}

func (r *Repository) activeLocked(slot domain.Slot) *domain.QueueEntry {
	for _, entry := range r.entries {
		if entry.Slot() == slot && entry.Status.Active() {
			found := cloneEntry(entry)
			return &found
		}
	}
	return nil
}

// GetQueueEntry fetches an entry by identifier.
func (r *Repository) GetQueueEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	found := cloneEntry(entry)
	return &found, nil
}

// UpdateQueueEntry applies mutate atomically; the entry is left untouched when mutate fails.
func (r *Repository) UpdateQueueEntry(ctx context.Context, id string, mutate repository.QueueEntryMutator) (*domain.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	working := cloneEntry(current)
	if err := mutate(&working); err != nil {
		return nil, err
	}
	working.ID = current.ID
	r.entries[id] = cloneEntry(working)
	return &working, nil
}

// ListQueueEntries returns entries matching filter, newest first.
func (r *Repository) ListQueueEntries(ctx context.Context, filter domain.QueueFilter) ([]domain.QueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.QueueEntry, 0)
	for _, entry := range r.entries {
		if filter.ApplicationID != "" && entry.ApplicationID != filter.ApplicationID {
			continue
		}
		if filter.PullRequestID != nil && entry.PullRequestID != *filter.PullRequestID {
			continue
		}
		if filter.Commit != "" && entry.Commit != filter.Commit {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		out = append(out, cloneEntry(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Newer(out[j]) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// LatestQueueEntry returns the most recently created entry of an application.
func (r *Repository) LatestQueueEntry(ctx context.Context, applicationID string) (*domain.QueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *domain.QueueEntry
	for _, entry := range r.entries {
		if entry.ApplicationID != applicationID {
			continue
		}
		if latest == nil || entry.Newer(*latest) {
			found := cloneEntry(entry)
			latest = &found
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return latest, nil
}

// ClaimNextQueued moves the oldest eligible queued entry to in_progress.
func (r *Repository) ClaimNextQueued(ctx context.Context, applicationID string, now time.Time) (*domain.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next *domain.QueueEntry
	for _, entry := range r.entries {
		if entry.Status != domain.StatusQueued || !entry.ApprovalCleared() {
			continue
		}
		if applicationID != "" && entry.ApplicationID != applicationID {
			continue
		}
		if entry.AvailableAt.After(now) {
			continue
		}
		if next == nil || next.Newer(entry) {
			candidate := entry
			next = &candidate
		}
	}
	if next == nil {
		return nil, repository.ErrNotFound
	}
	claimed := cloneEntry(*next)
	if err := claimed.Transition(domain.StatusInProgress, now); err != nil {
		return nil, err
	}
	r.entries[claimed.ID] = cloneEntry(claimed)
	return &claimed, nil
}

// ListStaleQueueEntries returns entries in status created before the cutoff.
func (r *Repository) ListStaleQueueEntries(ctx context.Context, status domain.DeploymentStatus, createdBefore time.Time) ([]domain.QueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.QueueEntry
	for _, entry := range r.entries {
		if entry.Status == status && entry.CreatedAt.Before(createdBefore) {
			out = append(out, cloneEntry(entry))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Newer(out[i]) })
	return out, nil
}

// CreateRollbackEvent stores a new rollback event.
func (r *Repository) CreateRollbackEvent(ctx context.Context, event *domain.RollbackEvent) error {
	if event == nil || event.ID == "" {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rollbacks[event.ID]; exists {
		return repository.ErrConflict
	}
	r.rollbacks[event.ID] = cloneRollback(*event)
	return nil
}

// GetRollbackEvent fetches a rollback event.
func (r *Repository) GetRollbackEvent(ctx context.Context, id string) (*domain.RollbackEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	event, ok := r.rollbacks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	found := cloneRollback(event)
	return &found, nil
}

// ListRollbackEventsByDeployment returns every event whose remediating deployment is deploymentID, oldest first.
func (r *Repository) ListRollbackEventsByDeployment(ctx context.Context, deploymentID string) ([]domain.RollbackEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.RollbackEvent
	for _, event := range r.rollbacks {
		if event.RollbackDeploymentID != nil && *event.RollbackDeploymentID == deploymentID {
			out = append(out, cloneRollback(event))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out, nil
}

// UpdateRollbackEvent applies mutate atomically.
func (r *Repository) UpdateRollbackEvent(ctx context.Context, id string, mutate repository.RollbackEventMutator) (*domain.RollbackEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.rollbacks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	working := cloneRollback(current)
	if err := mutate(&working); err != nil {
		return nil, err
	}
	working.ID = current.ID
	r.rollbacks[id] = cloneRollback(working)
	return &working, nil
}

// ListRollbackEvents returns an application's rollback history, newest first.
func (r *Repository) ListRollbackEvents(ctx context.Context, applicationID string, limit int) ([]domain.RollbackEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RollbackEvent, 0)
	for _, event := range r.rollbacks {
		if event.ApplicationID == applicationID {
			out = append(out, cloneRollback(event))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListPendingRollbackEvents returns pending events triggered before the cutoff, oldest first.
func (r *Repository) ListPendingRollbackEvents(ctx context.Context, triggeredBefore time.Time) ([]domain.RollbackEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.RollbackEvent
	for _, event := range r.rollbacks {
		if event.Status == domain.RollbackPending && event.TriggeredAt.Before(triggeredBefore) {
			out = append(out, cloneRollback(event))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out, nil
}

// AppendEvent appends a journal line.
func (r *Repository) AppendEvent(ctx context.Context, event domain.DeploymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.Metadata = append([]byte(nil), event.Metadata...)
	r.events = append(r.events, event)
	return nil
}

// ListEventsByApplication pages through an application's journal, newest first.
func (r *Repository) ListEventsByApplication(ctx context.Context, applicationID string, limit, offset int) ([]domain.DeploymentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.DeploymentEvent, 0)
	skipped := 0
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		if r.events[i].ApplicationID != applicationID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, r.events[i])
	}
	return out, nil
}

func cloneEntry(e domain.QueueEntry) domain.QueueEntry {
	e.ApprovedBy = cloneString(e.ApprovedBy)
	e.ApprovalNote = cloneString(e.ApprovalNote)
	e.RollbackEventID = cloneString(e.RollbackEventID)
	e.ApprovedAt = cloneTime(e.ApprovedAt)
	e.StartedAt = cloneTime(e.StartedAt)
	e.FinishedAt = cloneTime(e.FinishedAt)
	return e
}

func cloneRollback(e domain.RollbackEvent) domain.RollbackEvent {
	e.FailedDeploymentID = cloneString(e.FailedDeploymentID)
	e.RollbackDeploymentID = cloneString(e.RollbackDeploymentID)
	e.TriggeredBy = cloneString(e.TriggeredBy)
	e.CompletedAt = cloneTime(e.CompletedAt)
	return e
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	value := *v
	return &value
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	value := *v
	return &value
}
