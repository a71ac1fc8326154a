package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var eventColumns = []string{
	"seq", "id", "library_id", "file_path", "kind", "status", "retry_count",
	"last_retry_at", "error_message", "created_at", "updated_at", "processed_at",
}

// EventQueue is the durable change queue. Events survive restarts and are
// coalesced so that at most one pending event exists per (library, path).
type EventQueue struct {
	db  *sql.DB
	now func() time.Time
}

// NewEventQueue creates an EventQueue.
func NewEventQueue(db *sql.DB) *EventQueue {
	return &EventQueue{db: db, now: time.Now}
}

// Enqueue records a change. If a pending event already exists for the same
// path, the new kind is merged into it and that event is returned; its
// sequence number and creation time are kept so ordering reflects the first
// observation.
func (q *EventQueue) Enqueue(ctx context.Context, libraryID, filePath string, kind ChangeKind) (*ChangeEvent, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid change kind %q", kind)
	}

	var ev *ChangeEvent
	err := withTx(ctx, q.db, func(tx *sql.Tx) error {
		now := q.now()

		existing, err := pendingForPath(ctx, tx, libraryID, filePath)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if existing != nil {
			merged := MergeChangeKind(existing.Kind, kind)
			_, err := sq.Update("change_events").
				Set("kind", string(merged)).
				Set("updated_at", formatTime(now)).
				Where(sq.Eq{"id": existing.ID}).
				RunWith(tx).
				ExecContext(ctx)
			if err != nil {
				return fmt.Errorf("failed to coalesce event: %w", err)
			}
			existing.Kind = merged
			existing.UpdatedAt = parseTime(formatTime(now))
			ev = existing
			return nil
		}

		id := uuid.New().String()
		res, err := sq.Insert("change_events").
			Columns("id", "library_id", "file_path", "kind", "status", "created_at", "updated_at").
			Values(id, libraryID, filePath, string(kind), string(EventPending), formatTime(now), formatTime(now)).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("library %s: %w", libraryID, ErrNotFound)
			}
			return fmt.Errorf("failed to insert event: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read event sequence: %w", err)
		}

		ts := parseTime(formatTime(now))
		ev = &ChangeEvent{
			Seq:       seq,
			ID:        id,
			LibraryID: libraryID,
			FilePath:  filePath,
			Kind:      kind,
			Status:    EventPending,
			CreatedAt: ts,
			UpdatedAt: ts,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Get retrieves an event by ID.
func (q *EventQueue) Get(ctx context.Context, id string) (*ChangeEvent, error) {
	return getEvent(ctx, q.db, sq.Eq{"id": id})
}

// LoadPending returns up to limit pending events for a library in enqueue order.
// limit <= 0 means no limit.
func (q *EventQueue) LoadPending(ctx context.Context, libraryID string, limit int) ([]*ChangeEvent, error) {
	return listEvents(ctx, q.db, sq.Eq{"library_id": libraryID, "status": string(EventPending)}, limit)
}

// LoadProcessing returns all events left in Processing, across libraries.
// After a restart these are events whose processing was interrupted.
func (q *EventQueue) LoadProcessing(ctx context.Context) ([]*ChangeEvent, error) {
	return listEvents(ctx, q.db, sq.Eq{"status": string(EventProcessing)}, 0)
}

// ListByLibrary returns events for a library in enqueue order, optionally
// filtered by status.
func (q *EventQueue) ListByLibrary(ctx context.Context, libraryID string, statuses ...EventStatus) ([]*ChangeEvent, error) {
	where := sq.Eq{"library_id": libraryID}
	if len(statuses) > 0 {
		where["status"] = eventStatusStrings(statuses)
	}
	return listEvents(ctx, q.db, where, 0)
}

// PendingLibraries returns the IDs of libraries that have pending events.
func (q *EventQueue) PendingLibraries(ctx context.Context) ([]string, error) {
	rows, err := sq.Select("library_id").
		Distinct().
		From("change_events").
		Where(sq.Eq{"status": string(EventPending)}).
		OrderBy("library_id").
		RunWith(q.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending libraries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkProcessing claims a pending event. Returns ErrConflict if the event is
// not pending (already claimed, superseded or finished).
func (q *EventQueue) MarkProcessing(ctx context.Context, id string) error {
	return q.transition(ctx, id, []EventStatus{EventPending}, func(b sq.UpdateBuilder, now string) sq.UpdateBuilder {
		return b.Set("status", string(EventProcessing))
	})
}

// MarkCompleted finishes an event successfully.
func (q *EventQueue) MarkCompleted(ctx context.Context, id string) error {
	return q.transition(ctx, id, []EventStatus{EventProcessing, EventPending}, func(b sq.UpdateBuilder, now string) sq.UpdateBuilder {
		return b.Set("status", string(EventCompleted)).
			Set("error_message", "").
			Set("processed_at", now)
	})
}

// MarkFailed records a failed processing attempt and returns the resulting status.
//
// The retry count is incremented. Once it reaches maxRetries the event becomes
// Expired and is never retried. Otherwise the event returns to Pending so the
// next drain retries it, unless a newer pending event for the same path already
// exists, in which case this one stays Failed and the newer event carries the
// path forward.
func (q *EventQueue) MarkFailed(ctx context.Context, id string, cause error, maxRetries int) (EventStatus, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var final EventStatus
	err := withTx(ctx, q.db, func(tx *sql.Tx) error {
		ev, err := getEvent(ctx, tx, sq.Eq{"id": id})
		if err != nil {
			return err
		}
		if ev.Status != EventProcessing && ev.Status != EventPending {
			return fmt.Errorf("%w: event %s is %s", ErrConflict, id, ev.Status)
		}

		now := formatTime(q.now())
		retries := ev.RetryCount + 1
		b := sq.Update("change_events").
			Set("retry_count", retries).
			Set("last_retry_at", now).
			Set("updated_at", now).
			Where(sq.Eq{"id": id})

		switch {
		case retries >= maxRetries:
			final = EventExpired
			b = b.Set("status", string(final)).
				Set("error_message", msg).
				Set("processed_at", now)
		default:
			other, err := pendingForPath(ctx, tx, ev.LibraryID, ev.FilePath)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if other != nil && other.ID != ev.ID {
				final = EventFailed
				b = b.Set("status", string(final)).
					Set("error_message", fmt.Sprintf("%s (superseded by pending event %s)", msg, other.ID)).
					Set("processed_at", now)
			} else {
				final = EventPending
				b = b.Set("status", string(final)).
					Set("error_message", msg)
			}
		}

		if _, err := b.RunWith(tx).ExecContext(ctx); err != nil {
			return fmt.Errorf("failed to mark event failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

// ResetToPending returns an interrupted Processing event to the queue.
// If a pending event for the same path was enqueued meanwhile, the interrupted
// event's kind is merged into it and the interrupted event is completed as
// coalesced. Events that are not Processing are left untouched.
func (q *EventQueue) ResetToPending(ctx context.Context, id string) error {
	return withTx(ctx, q.db, func(tx *sql.Tx) error {
		ev, err := getEvent(ctx, tx, sq.Eq{"id": id})
		if err != nil {
			return err
		}
		if ev.Status != EventProcessing {
			return nil
		}
		now := formatTime(q.now())

		other, err := pendingForPath(ctx, tx, ev.LibraryID, ev.FilePath)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if other == nil {
			_, err := sq.Update("change_events").
				Set("status", string(EventPending)).
				Set("updated_at", now).
				Where(sq.Eq{"id": id}).
				RunWith(tx).
				ExecContext(ctx)
			if err != nil {
				return fmt.Errorf("failed to reset event: %w", err)
			}
			return nil
		}

		// Interrupted work happened first, so it is the earlier change.
		merged := MergeChangeKind(ev.Kind, other.Kind)
		if _, err := sq.Update("change_events").
			Set("kind", string(merged)).
			Set("updated_at", now).
			Where(sq.Eq{"id": other.ID}).
			RunWith(tx).
			ExecContext(ctx); err != nil {
			return fmt.Errorf("failed to merge interrupted event: %w", err)
		}
		if _, err := sq.Update("change_events").
			Set("status", string(EventCompleted)).
			Set("error_message", "coalesced into pending event "+other.ID).
			Set("updated_at", now).
			Set("processed_at", now).
			Where(sq.Eq{"id": id}).
			RunWith(tx).
			ExecContext(ctx); err != nil {
			return fmt.Errorf("failed to close interrupted event: %w", err)
		}
		return nil
	})
}

// PurgeOlderThan deletes finished events in the given statuses whose completion
// (or creation, if never completed) is older than cutoff. With no statuses,
// Completed, Failed and Expired events are purged. Pending and Processing
// events are never purged even if requested.
func (q *EventQueue) PurgeOlderThan(ctx context.Context, cutoff time.Time, statuses ...EventStatus) (int, error) {
	return q.purge(ctx, "", cutoff, statuses)
}

// PurgeLibraryOlderThan is PurgeOlderThan scoped to one library.
func (q *EventQueue) PurgeLibraryOlderThan(ctx context.Context, libraryID string, cutoff time.Time, statuses ...EventStatus) (int, error) {
	return q.purge(ctx, libraryID, cutoff, statuses)
}

func (q *EventQueue) purge(ctx context.Context, libraryID string, cutoff time.Time, statuses []EventStatus) (int, error) {
	if len(statuses) == 0 {
		statuses = []EventStatus{EventCompleted, EventFailed, EventExpired}
	}
	var purgeable []EventStatus
	for _, st := range statuses {
		if st != EventPending && st != EventProcessing {
			purgeable = append(purgeable, st)
		}
	}
	if len(purgeable) == 0 {
		return 0, nil
	}

	b := sq.Delete("change_events").
		Where(sq.Eq{"status": eventStatusStrings(purgeable)}).
		Where(sq.Expr("COALESCE(processed_at, created_at) < ?", formatTime(cutoff)))
	if libraryID != "" {
		b = b.Where(sq.Eq{"library_id": libraryID})
	}
	res, err := b.RunWith(q.db).ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge count: %w", err)
	}
	return int(n), nil
}

// CountByStatus returns event counts per status, optionally scoped to a library.
func (q *EventQueue) CountByStatus(ctx context.Context, libraryID string) (map[EventStatus]int, error) {
	b := sq.Select("status", "COUNT(*)").From("change_events").GroupBy("status")
	if libraryID != "" {
		b = b.Where(sq.Eq{"library_id": libraryID})
	}
	rows, err := b.RunWith(q.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[EventStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[EventStatus(status)] = n
	}
	return counts, rows.Err()
}

func (q *EventQueue) transition(ctx context.Context, id string, from []EventStatus, set func(sq.UpdateBuilder, string) sq.UpdateBuilder) error {
	return withTx(ctx, q.db, func(tx *sql.Tx) error {
		now := formatTime(q.now())
		b := sq.Update("change_events").
			Set("updated_at", now).
			Where(sq.Eq{"id": id, "status": eventStatusStrings(from)})
		res, err := set(b, now).RunWith(tx).ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to update event: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		ev, err := getEvent(ctx, tx, sq.Eq{"id": id})
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: event %s is %s", ErrConflict, id, ev.Status)
	})
}

func pendingForPath(ctx context.Context, runner sq.BaseRunner, libraryID, filePath string) (*ChangeEvent, error) {
	return getEvent(ctx, runner, sq.Eq{
		"library_id": libraryID,
		"file_path":  filePath,
		"status":     string(EventPending),
	})
}

func getEvent(ctx context.Context, runner sq.BaseRunner, where sq.Eq) (*ChangeEvent, error) {
	row := sq.Select(eventColumns...).
		From("change_events").
		Where(where).
		RunWith(runner).
		QueryRowContext(ctx)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %v: %w", where, ErrNotFound)
	}
	return ev, err
}

func listEvents(ctx context.Context, runner sq.BaseRunner, where sq.Eq, limit int) ([]*ChangeEvent, error) {
	b := sq.Select(eventColumns...).
		From("change_events").
		Where(where).
		OrderBy("seq")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}

	rows, err := b.RunWith(runner).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*ChangeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (*ChangeEvent, error) {
	var (
		ev          ChangeEvent
		kind        string
		status      string
		lastRetryAt sql.NullString
		createdAt   string
		updatedAt   string
		processedAt sql.NullString
	)
	err := row.Scan(&ev.Seq, &ev.ID, &ev.LibraryID, &ev.FilePath, &kind, &status, &ev.RetryCount,
		&lastRetryAt, &ev.Error, &createdAt, &updatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	ev.Kind = ChangeKind(kind)
	ev.Status = EventStatus(status)
	ev.LastRetryAt = parseTimePtr(lastRetryAt)
	ev.CreatedAt = parseTime(createdAt)
	ev.UpdatedAt = parseTime(updatedAt)
	ev.ProcessedAt = parseTimePtr(processedAt)
	return &ev, nil
}

func eventStatusStrings(statuses []EventStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
