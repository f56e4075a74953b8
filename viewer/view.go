package viewer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/yeremiapane/kitchen-router/kds"
	"github.com/yeremiapane/kitchen-router/models"
)

const defaultSeenLimit = 4096

// ErrNotApplicable is returned when an optimistic action does not fit the
// record's local state.
var ErrNotApplicable = errors.New("action not applicable")

// Outcome tells how an authoritative event settled a pending mutation.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeConfirmed
	OutcomeRolledBack
)

type pending struct {
	action models.Action
	base   models.RoutingRecord
	guess  models.RoutingRecord
}

// View is a viewer's local copy of the routings it is subscribed to.
// Events are applied at most once (by change sequence) and never move a
// record back to an older version.
type View struct {
	mu      sync.Mutex
	records map[uint]models.RoutingRecord
	pending map[uint]*pending

	seen      map[uint64]struct{}
	seenOrder []uint64
	seenLimit int
	lastSeq   uint64
}

func NewView() *View {
	return &View{
		records:   make(map[uint]models.RoutingRecord),
		pending:   make(map[uint]*pending),
		seen:      make(map[uint64]struct{}),
		seenLimit: defaultSeenLimit,
	}
}

// LastSeq is the highest change sequence applied. Reconnects resume from it.
func (v *View) LastSeq() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastSeq
}

// Get returns the local record, optimistic changes included.
func (v *View) Get(id uint) (models.RoutingRecord, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.records[id]
	return rec, ok
}

// Active returns the open records oldest first.
func (v *View) Active() []models.RoutingRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]models.RoutingRecord, 0, len(v.records))
	for _, rec := range v.records {
		if rec.Active() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RoutedAt.Equal(out[j].RoutedAt) {
			return out[i].RoutedAt.Before(out[j].RoutedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pending reports whether an optimistic mutation awaits reconciliation.
func (v *View) Pending(id uint) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.pending[id]
	return ok
}

// ApplyEvent folds one stream frame into the view. It returns false for
// duplicates and stale updates.
func (v *View) ApplyEvent(e kds.Event) (bool, Outcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if e.Seq != 0 && e.Type != kds.EventSnapshot {
		if _, dup := v.seen[e.Seq]; dup {
			return false, OutcomeNone, nil
		}
		v.markSeen(e.Seq)
	}

	switch e.Type {
	case kds.EventSnapshot:
		var snap kds.Snapshot
		if err := json.Unmarshal(e.Data, &snap); err != nil {
			return false, OutcomeNone, fmt.Errorf("decode snapshot: %w", err)
		}
		v.applySnapshot(snap.Records)
		if e.Seq > v.lastSeq {
			v.lastSeq = e.Seq
		}
		return true, OutcomeNone, nil

	case kds.EventRoutingChange:
		var rec models.RoutingRecord
		if err := json.Unmarshal(e.Data, &rec); err != nil {
			return false, OutcomeNone, fmt.Errorf("decode routing change %d: %w", e.Seq, err)
		}
		applied, outcome := v.applyRecord(rec)
		return applied, outcome, nil

	case kds.EventOrderChange:
		var order models.Order
		if err := json.Unmarshal(e.Data, &order); err != nil {
			return false, OutcomeNone, fmt.Errorf("decode order change %d: %w", e.Seq, err)
		}
		for id, rec := range v.records {
			if rec.OrderID == order.ID {
				o := order
				rec.Order = &o
				v.records[id] = rec
			}
		}
		return true, OutcomeNone, nil
	}
	return false, OutcomeNone, nil
}

func (v *View) markSeen(seq uint64) {
	v.seen[seq] = struct{}{}
	v.seenOrder = append(v.seenOrder, seq)
	if len(v.seenOrder) > v.seenLimit {
		drop := v.seenOrder[0]
		v.seenOrder = v.seenOrder[1:]
		delete(v.seen, drop)
	}
	if seq > v.lastSeq {
		v.lastSeq = seq
	}
}

// applySnapshot replaces the view. Local records newer than the snapshot
// copy are kept, which happens when live events overtook the snapshot read.
func (v *View) applySnapshot(records []models.RoutingRecord) {
	next := make(map[uint]models.RoutingRecord, len(records))
	for _, rec := range records {
		if local, ok := v.records[rec.ID]; ok && v.pending[rec.ID] == nil && local.Version > rec.Version {
			next[rec.ID] = local
			continue
		}
		next[rec.ID] = rec
	}
	for id := range v.pending {
		if _, ok := next[id]; !ok {
			delete(v.pending, id)
		}
	}
	for id, p := range v.pending {
		if next[id].Version > p.base.Version {
			delete(v.pending, id)
		} else {
			next[id] = p.guess
		}
	}
	v.records = next
}

// applyRecord is the authoritative-update path. An older version never
// replaces a newer one; a newer version settles any pending guess.
func (v *View) applyRecord(rec models.RoutingRecord) (bool, Outcome) {
	if p, ok := v.pending[rec.ID]; ok {
		if rec.Version <= p.base.Version {
			return false, OutcomeNone
		}
		delete(v.pending, rec.ID)
		if rec.Order == nil {
			rec.Order = p.base.Order
		}
		v.records[rec.ID] = rec
		if sameOutcome(p.guess, rec) {
			return true, OutcomeConfirmed
		}
		return true, OutcomeRolledBack
	}

	if local, ok := v.records[rec.ID]; ok {
		if rec.Version < local.Version {
			return false, OutcomeNone
		}
		if rec.Order == nil {
			rec.Order = local.Order
		}
	}
	v.records[rec.ID] = rec
	return true, OutcomeNone
}

// Optimistic applies action locally before the server has answered and
// returns the predicted record.
func (v *View) Optimistic(id uint, action models.Action, actorID string, now time.Time) (models.RoutingRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	base, ok := v.records[id]
	if !ok {
		return models.RoutingRecord{}, fmt.Errorf("routing %d not in view: %w", id, ErrNotApplicable)
	}
	if _, busy := v.pending[id]; busy {
		return models.RoutingRecord{}, fmt.Errorf("routing %d has a mutation in flight: %w", id, ErrNotApplicable)
	}
	guess, err := Predict(base, action, actorID, now)
	if err != nil {
		return models.RoutingRecord{}, err
	}
	v.pending[id] = &pending{action: action, base: base, guess: guess}
	v.records[id] = guess
	return guess, nil
}

// Confirm applies the server's answer to a mutation request.
func (v *View) Confirm(rec models.RoutingRecord) Outcome {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, outcome := v.applyRecord(rec)
	return outcome
}

// Reject rolls a pending mutation back after the request failed.
func (v *View) Reject(id uint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.pending[id]
	if !ok {
		return
	}
	delete(v.pending, id)
	if cur, ok := v.records[id]; ok && cur.Version > p.base.Version {
		return
	}
	v.records[id] = p.base
}

// Abandon stops tracking a pending mutation without rolling it back. The
// guess carries the base version, so the next authoritative copy replaces it.
func (v *View) Abandon(id uint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.pending, id)
}

// Predict computes the record the server is expected to produce.
func Predict(rec models.RoutingRecord, action models.Action, actorID string, now time.Time) (models.RoutingRecord, error) {
	next := rec
	switch action {
	case models.ActionStart:
		if !rec.Active() || rec.StartedAt != nil {
			return rec, fmt.Errorf("start routing %d: %w", rec.ID, ErrNotApplicable)
		}
		next.StartedAt = &now
	case models.ActionComplete:
		if !rec.Active() {
			return rec, fmt.Errorf("complete routing %d: %w", rec.ID, ErrNotApplicable)
		}
		next.CompletedAt = &now
		next.CloseReason = models.CloseReasonCompleted
	case models.ActionBump:
		if rec.BumpedAt != nil || (!rec.Active() && rec.CloseReason != models.CloseReasonCompleted) {
			return rec, fmt.Errorf("bump routing %d: %w", rec.ID, ErrNotApplicable)
		}
		if rec.Active() {
			next.CompletedAt = &now
		}
		actor := actorID
		next.BumpedAt = &now
		next.BumpedBy = &actor
		next.CloseReason = models.CloseReasonBumped
	case models.ActionRecall:
		if rec.Active() || !rec.CloseReason.CountsAsPrep() {
			return rec, fmt.Errorf("recall routing %d: %w", rec.ID, ErrNotApplicable)
		}
		next.CompletedAt = nil
		next.BumpedAt = nil
		next.BumpedBy = nil
		next.ActualPrepSeconds = nil
		next.CloseReason = ""
		next.RecalledAt = &now
		next.RecallCount++
	default:
		return rec, fmt.Errorf("unknown action %q: %w", action, ErrNotApplicable)
	}
	return next, nil
}

// sameOutcome compares the fields an operator action changes.
func sameOutcome(guess, actual models.RoutingRecord) bool {
	return guess.Active() == actual.Active() &&
		(guess.StartedAt == nil) == (actual.StartedAt == nil) &&
		(guess.BumpedAt == nil) == (actual.BumpedAt == nil) &&
		guess.RecallCount == actual.RecallCount &&
		guess.CloseReason == actual.CloseReason
}
