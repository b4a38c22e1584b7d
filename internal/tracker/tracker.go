// Package tracker applies item updates. Every status change, whether it comes
// from a poll result, a session ingestion call, the wait detector or a user
// action, goes through Tracker so that the transition is computed by the
// state machine and persisted as one full-row write with its event.
package tracker

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/uesteibar/inloop/internal/db"
	"github.com/uesteibar/inloop/internal/item"
	"github.com/uesteibar/inloop/internal/provider"
	"github.com/uesteibar/inloop/internal/statemachine"
)

// Change names the kind of change a Notifier is told about.
type Change string

const (
	ChangeCreated Change = "item_created"
	ChangeUpdated Change = "item_updated"
	ChangeDeleted Change = "item_deleted"
)

// Notifier receives committed item changes.
type Notifier interface {
	Notify(change Change, it item.Item)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(change Change, it item.Item)

func (f NotifierFunc) Notify(change Change, it item.Item) { f(change, it) }

// Tracker is safe for concurrent use; callers serialize writes per item.
type Tracker struct {
	db       *db.DB
	notifier Notifier
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithNotifier sets the receiver of committed changes.
func WithNotifier(n Notifier) Option {
	return func(t *Tracker) { t.notifier = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func New(database *db.DB, opts ...Option) *Tracker {
	t := &Tracker{
		db:     database,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// outcome tells apply what to do with a mutated item.
type outcome struct {
	write     bool
	notify    bool
	eventType string
	detail    string
}

type mutation func(it *item.Item, now time.Time) (outcome, error)

// apply re-reads the item inside a transaction, lets fn compute its new
// state, and writes the full row plus an event. Nothing is written when fn
// reports no change.
func (t *Tracker) apply(id string, fn mutation) (item.Item, bool, error) {
	now := t.now().UTC().Truncate(time.Second)
	var (
		out item.Item
		res outcome
	)
	err := t.db.Tx(func(tx *db.Tx) error {
		cur, err := tx.GetItem(id)
		if err != nil {
			return err
		}
		from := cur.Status

		res, err = fn(&cur, now)
		if err != nil {
			return err
		}
		out = cur
		if !res.write {
			return nil
		}
		if err := tx.UpdateItem(cur); err != nil {
			return err
		}
		if res.eventType != "" {
			if err := tx.LogEvent(id, res.eventType, string(from), string(cur.Status), res.detail); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return item.Item{}, false, err
	}
	if res.write && res.notify {
		t.notify(ChangeUpdated, out)
	}
	return out, res.write, nil
}

func (t *Tracker) notify(change Change, it item.Item) {
	if t.notifier != nil {
		t.notifier.Notify(change, it)
	}
}

// Track stores a new item.
func (t *Tracker) Track(it item.Item) (item.Item, error) {
	var created item.Item
	err := t.db.Tx(func(tx *db.Tx) error {
		var err error
		created, err = t.create(tx, it)
		return err
	})
	if err != nil {
		return item.Item{}, err
	}
	t.notify(ChangeCreated, created)
	return created, nil
}

// TrackSession stores a push-driven item together with its session.
func (t *Tracker) TrackSession(it item.Item, sess item.Session) (item.Item, item.Session, error) {
	var created item.Item
	err := t.db.Tx(func(tx *db.Tx) error {
		var err error
		if created, err = t.create(tx, it); err != nil {
			return err
		}
		sess.ItemID = created.ID
		sess, err = tx.CreateSession(sess)
		return err
	})
	if err != nil {
		return item.Item{}, item.Session{}, err
	}
	t.notify(ChangeCreated, created)
	return created, sess, nil
}

func (t *Tracker) create(tx *db.Tx, it item.Item) (item.Item, error) {
	now := t.now().UTC().Truncate(time.Second)
	it.CreatedAt = now
	it.LastUpdatedAt = now
	created, err := tx.CreateItem(it)
	if err != nil {
		return item.Item{}, err
	}
	if err := tx.LogEvent(created.ID, db.EventCreated, "", string(created.Status), created.Title); err != nil {
		return item.Item{}, err
	}
	return created, nil
}

// ApplyObservation records a successful provider fetch and moves the item to
// the status the state machine computes.
func (t *Tracker) ApplyObservation(id string, obs provider.Status) (item.Item, error) {
	it, _, err := t.apply(id, func(it *item.Item, now time.Time) (outcome, error) {
		first := !it.Observed()
		res, err := statemachine.Next(*it, obs)
		if err != nil {
			return outcome{}, err
		}
		statusChanged := res.Status != it.Status || res.PreviousStatus != it.PreviousStatus

		it.Status, it.PreviousStatus = res.Status, res.PreviousStatus
		it.ObservedPhase, it.ObservedDetail = string(obs.Phase), obs.Detail
		if obs.Metadata != nil && obs.Metadata.Type() == it.Type {
			it.Metadata = obs.Metadata
		}
		it.LastCheckedAt = now
		if statusChanged || res.Changed {
			it.LastUpdatedAt = now
		}

		o := outcome{write: true, notify: statusChanged || res.Changed || first}
		switch {
		case statusChanged:
			o.eventType, o.detail = db.EventStatus, obs.String()
		case first || res.Changed:
			o.eventType, o.detail = db.EventObserved, obs.String()
		}
		return o, nil
	})
	if err != nil {
		return item.Item{}, fmt.Errorf("applying observation to %s: %w", id, err)
	}
	return it, nil
}

// RecordCheck stamps a fetch attempt that produced no observation.
func (t *Tracker) RecordCheck(id string) error {
	_, _, err := t.apply(id, func(it *item.Item, now time.Time) (outcome, error) {
		it.LastCheckedAt = now
		return outcome{write: true}, nil
	})
	if err != nil {
		return fmt.Errorf("recording check of %s: %w", id, err)
	}
	return nil
}

// Fail marks a polled item failed after repeated permanent provider errors.
func (t *Tracker) Fail(id, detail string) (item.Item, error) {
	it, _, err := t.apply(id, func(it *item.Item, now time.Time) (outcome, error) {
		res, err := statemachine.Fail(*it)
		if err != nil {
			return outcome{}, err
		}
		it.Status, it.PreviousStatus = res.Status, ""
		it.LastCheckedAt = now
		it.LastUpdatedAt = now
		return outcome{write: true, notify: true, eventType: db.EventProviderFail, detail: detail}, nil
	})
	if err != nil {
		return item.Item{}, fmt.Errorf("failing %s: %w", id, err)
	}
	return it, nil
}

// ApplyPush sets a status reported by a session. Repeating the current
// status writes nothing; changed reports whether anything was written.
func (t *Tracker) ApplyPush(id string, status item.Status) (it item.Item, changed bool, err error) {
	it, changed, err = t.apply(id, func(it *item.Item, now time.Time) (outcome, error) {
		res, err := statemachine.Push(*it, status)
		if err != nil {
			return outcome{}, err
		}
		if !res.Changed {
			return outcome{}, nil
		}
		it.Status = res.Status
		it.LastUpdatedAt = now
		return outcome{write: true, notify: true, eventType: db.EventStatus, detail: "session"}, nil
	})
	if err != nil {
		return item.Item{}, false, fmt.Errorf("applying %s to %s: %w", status, id, err)
	}
	if changed {
		t.logger.Info().Str("item_id", id).Str("status", string(status)).Msg("session status applied")
	}
	return it, changed, nil
}

// Acknowledge clears an item's update flag. Acknowledging an item that is
// not updated is a no-op.
func (t *Tracker) Acknowledge(id string) (item.Item, error) {
	it, _, err := t.apply(id, func(it *item.Item, now time.Time) (outcome, error) {
		res := statemachine.Acknowledge(*it)
		if !res.Changed {
			return outcome{}, nil
		}
		it.Status, it.PreviousStatus = res.Status, ""
		it.LastUpdatedAt = now
		return outcome{write: true, notify: true, eventType: db.EventAcknowledged}, nil
	})
	if err != nil {
		return item.Item{}, fmt.Errorf("acknowledging %s: %w", id, err)
	}
	return it, nil
}

// Archive hides an item and takes it out of polling. Status is untouched.
func (t *Tracker) Archive(id string) (item.Item, error) {
	it, _, err := t.apply(id, func(it *item.Item, now time.Time) (outcome, error) {
		if it.Archived {
			return outcome{}, nil
		}
		it.Archived = true
		it.ArchivedAt = now
		return outcome{write: true, notify: true, eventType: db.EventArchived}, nil
	})
	if err != nil {
		return item.Item{}, fmt.Errorf("archiving %s: %w", id, err)
	}
	return it, nil
}

// Unarchive restores an item to polling. It clears previous_status and the
// last observation, so changes that happened while archived are taken as a
// fresh baseline rather than flagged.
func (t *Tracker) Unarchive(id string) (item.Item, error) {
	it, _, err := t.apply(id, func(it *item.Item, now time.Time) (outcome, error) {
		if !it.Archived {
			return outcome{}, nil
		}
		res := statemachine.Unarchive(*it)
		it.Status, it.PreviousStatus = res.Status, ""
		it.Archived = false
		it.ArchivedAt = time.Time{}
		it.ObservedPhase, it.ObservedDetail = "", ""
		return outcome{write: true, notify: true, eventType: db.EventUnarchived}, nil
	})
	if err != nil {
		return item.Item{}, fmt.Errorf("unarchiving %s: %w", id, err)
	}
	return it, nil
}

// Remove deletes an item with its sessions and history.
func (t *Tracker) Remove(id string) error {
	var removed item.Item
	err := t.db.Tx(func(tx *db.Tx) error {
		var err error
		if removed, err = tx.GetItem(id); err != nil {
			return err
		}
		return tx.DeleteItem(id)
	})
	if err != nil {
		return fmt.Errorf("removing %s: %w", id, err)
	}
	t.notify(ChangeDeleted, removed)
	return nil
}
