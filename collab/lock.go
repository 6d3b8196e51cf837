package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// advisory exclusive or shared locks over a whole document or named
// elements. all lock records for a document live under one store key
// mutated by compare-and-swap, so concurrent acquires for the same
// scope resolve with exactly one winner.

type LockType string

const (
	LockTypeExclusive LockType = "exclusive"
	LockTypeShared    LockType = "shared"
)

func ParseLockType(lockTypeStr string) (LockType, error) {
	switch LockType(lockTypeStr) {
	case LockTypeExclusive:
		return LockTypeExclusive, nil
	case LockTypeShared:
		return LockTypeShared, nil
	default:
		return LockType(""), fmt.Errorf("unknown lock type: %s", lockTypeStr)
	}
}

type Lock struct {
	LockId       Id        `json:"lock_id"`
	DocumentId   string    `json:"document_id"`
	DocumentType string    `json:"document_type"`
	LockedBy     Id        `json:"locked_by"`
	LockType     LockType  `json:"lock_type"`
	// empty means the whole document
	LockedElements []string  `json:"locked_elements,omitempty"`
	AcquiredAt     time.Time `json:"acquired_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (self *Lock) Doc() DocRef {
	return NewDocRef(self.DocumentId, self.DocumentType)
}

func (self *Lock) WholeDocument() bool {
	return len(self.LockedElements) == 0
}

func (self *Lock) Expired(now time.Time) bool {
	return !now.Before(self.ExpiresAt)
}

// deterministic overlap predicate over two scopes. a whole-document
// scope overlaps everything; otherwise the element sets must intersect
func scopesOverlap(aWholeDocument bool, aElements []string, bWholeDocument bool, bElements []string) bool {
	if aWholeDocument || bWholeDocument {
		return true
	}
	for _, element := range aElements {
		if slices.Contains(bElements, element) {
			return true
		}
	}
	return false
}

func (self *Lock) overlaps(wholeDocument bool, elements []string) bool {
	return scopesOverlap(self.WholeDocument(), self.LockedElements, wholeDocument, elements)
}

func sameScope(a *Lock, wholeDocument bool, elements []string) bool {
	if a.WholeDocument() != wholeDocument {
		return false
	}
	if len(a.LockedElements) != len(elements) {
		return false
	}
	sortedA := slices.Clone(a.LockedElements)
	sortedB := slices.Clone(elements)
	slices.Sort(sortedA)
	slices.Sort(sortedB)
	return slices.Equal(sortedA, sortedB)
}

type lockState struct {
	Locks []*Lock `json:"locks"`
}

func pruneExpired(state *lockState, now time.Time) []*Lock {
	active := []*Lock{}
	expired := []*Lock{}
	for _, lock := range state.Locks {
		if lock.Expired(now) {
			expired = append(expired, lock)
		} else {
			active = append(active, lock)
		}
	}
	state.Locks = active
	return expired
}

type LockManagerSettings struct {
	DefaultLockDuration time.Duration
	MaxLockDuration     time.Duration
	SweepInterval       time.Duration
}

func DefaultLockManagerSettings() *LockManagerSettings {
	return &LockManagerSettings{
		DefaultLockDuration: 5 * time.Minute,
		MaxLockDuration:     60 * time.Minute,
		SweepInterval:       30 * time.Second,
	}
}

type LockManager struct {
	ctx context.Context

	store     Store
	broadcast Broadcast
	gate      *PermissionGate

	settings *LockManagerSettings
}

func NewLockManager(
	ctx context.Context,
	store Store,
	broadcast Broadcast,
	gate *PermissionGate,
	settings *LockManagerSettings,
) *LockManager {
	return &LockManager{
		ctx:       ctx,
		store:     store,
		broadcast: broadcast,
		gate:      gate,
		settings:  settings,
	}
}

func locksKey(doc DocRef) string {
	return fmt.Sprintf("locks:%s", doc)
}

// requires edit permission. re-acquiring the same scope by the same
// user refreshes the expiry instead of conflicting
func (self *LockManager) Acquire(
	ctx context.Context,
	doc DocRef,
	userId Id,
	lockType LockType,
	lockedElements []string,
	duration time.Duration,
) (*Lock, error) {
	if _, err := self.gate.Authorize(ctx, userId, doc, ActionEdit); err != nil {
		return nil, err
	}

	if duration <= 0 {
		duration = self.settings.DefaultLockDuration
	}
	if self.settings.MaxLockDuration < duration {
		duration = self.settings.MaxLockDuration
	}
	wholeDocument := len(lockedElements) == 0

	var granted *Lock
	err := self.store.Update(ctx, locksKey(doc), NoTtl, func(value []byte) ([]byte, error) {
		state := &lockState{}
		if value != nil {
			if err := json.Unmarshal(value, state); err != nil {
				return nil, internalError(err)
			}
		}
		now := time.Now().UTC()
		pruneExpired(state, now)

		for _, lock := range state.Locks {
			if lock.LockedBy == userId && lock.LockType == lockType && sameScope(lock, wholeDocument, lockedElements) {
				// refresh
				lock.ExpiresAt = now.Add(duration)
				granted = lock
				return json.Marshal(state)
			}
		}

		for _, lock := range state.Locks {
			switch {
			case lock.LockType == LockTypeExclusive && lock.WholeDocument():
				return nil, fmt.Errorf("%w: document locked by %s", ErrLockConflict, lock.LockedBy)
			case lockType == LockTypeExclusive && lock.overlaps(wholeDocument, lockedElements):
				return nil, fmt.Errorf("%w: scope held by %s", ErrLockConflict, lock.LockedBy)
			case lock.LockedBy != userId && lock.overlaps(wholeDocument, lockedElements):
				return nil, fmt.Errorf("%w: scope held by %s", ErrLockConflict, lock.LockedBy)
			}
		}

		granted = &Lock{
			LockId:         NewId(),
			DocumentId:     doc.DocumentId,
			DocumentType:   doc.DocumentType,
			LockedBy:       userId,
			LockType:       lockType,
			LockedElements: slices.Clone(lockedElements),
			AcquiredAt:     now,
			ExpiresAt:      now.Add(duration),
		}
		state.Locks = append(state.Locks, granted)
		return json.Marshal(state)
	})
	if err != nil {
		return nil, err
	}

	// keep the document in the index so the expiry sweep sees it
	if err := self.store.SetAdd(ctx, documentsKey, doc.String()); err != nil {
		glog.Infof("[lock]index %s = %s\n", doc, err)
	}

	publish(ctx, self.broadcast, doc, NewEvent(EventDocumentLocked, doc, userId, Id{}, map[string]any{
		"lock_id":         granted.LockId,
		"lock_type":       granted.LockType,
		"locked_elements": granted.LockedElements,
		"expires_at":      granted.ExpiresAt,
	}))
	glog.V(1).Infof("[lock]acquire %s %s %s\n", userId, doc, lockType)
	return granted, nil
}

// releases only locks owned by userId. releasing a non-existent lock
// is a no-op
func (self *LockManager) Release(ctx context.Context, doc DocRef, userId Id) error {
	released := []*Lock{}
	err := self.store.Update(ctx, locksKey(doc), NoTtl, func(value []byte) ([]byte, error) {
		if value == nil {
			return nil, nil
		}
		state := &lockState{}
		if err := json.Unmarshal(value, state); err != nil {
			return nil, internalError(err)
		}
		pruneExpired(state, time.Now().UTC())

		remaining := []*Lock{}
		for _, lock := range state.Locks {
			if lock.LockedBy == userId {
				released = append(released, lock)
			} else {
				remaining = append(remaining, lock)
			}
		}
		state.Locks = remaining
		if len(state.Locks) == 0 {
			return nil, nil
		}
		return json.Marshal(state)
	})
	if err != nil {
		return err
	}

	for _, lock := range released {
		publish(ctx, self.broadcast, doc, NewEvent(EventDocumentUnlocked, doc, userId, Id{}, map[string]any{
			"lock_id": lock.LockId,
		}))
	}
	return nil
}

// requires admin permission. releases any lock on the document
// regardless of owner, for operator intervention
func (self *LockManager) ForceRelease(ctx context.Context, doc DocRef, adminUserId Id) error {
	if _, err := self.gate.Authorize(ctx, adminUserId, doc, ActionAdmin); err != nil {
		return err
	}

	released := []*Lock{}
	err := self.store.Update(ctx, locksKey(doc), NoTtl, func(value []byte) ([]byte, error) {
		if value == nil {
			return nil, nil
		}
		state := &lockState{}
		if err := json.Unmarshal(value, state); err != nil {
			return nil, internalError(err)
		}
		released = state.Locks
		return nil, nil
	})
	if err != nil {
		return err
	}

	for _, lock := range released {
		publish(ctx, self.broadcast, doc, NewEvent(EventDocumentUnlocked, doc, lock.LockedBy, Id{}, map[string]any{
			"lock_id": lock.LockId,
			"forced":  true,
		}))
	}
	glog.Infof("[lock]force release %s by %s (%d locks)\n", doc, adminUserId, len(released))
	return nil
}

// active locks, evaluating expiry lazily
func (self *LockManager) List(ctx context.Context, doc DocRef) ([]*Lock, error) {
	value, ok, err := self.store.Get(ctx, locksKey(doc))
	if err != nil {
		return nil, internalError(err)
	}
	if !ok {
		return []*Lock{}, nil
	}
	state := &lockState{}
	if err := json.Unmarshal(value, state); err != nil {
		return nil, internalError(err)
	}
	pruneExpired(state, time.Now().UTC())
	return state.Locks, nil
}

// the locks that actively cover the document right now. shared with the
// operation log for overlap checks at sequencing time
func (self *LockManager) activeLocks(ctx context.Context, doc DocRef) ([]*Lock, error) {
	return self.List(ctx, doc)
}

// removes expired locks nobody explicitly released and publishes
// document_unlocked for them
func (self *LockManager) Sweep(ctx context.Context) {
	docMembers, err := self.store.SetMembers(ctx, documentsKey)
	if err != nil {
		glog.Infof("[lock]sweep list documents = %s\n", err)
		return
	}

	for _, docMember := range docMembers {
		doc, err := parseDocMember(docMember)
		if err != nil {
			continue
		}
		expired := []*Lock{}
		err = self.store.Update(ctx, locksKey(doc), NoTtl, func(value []byte) ([]byte, error) {
			expired = nil
			if value == nil {
				return nil, nil
			}
			state := &lockState{}
			if err := json.Unmarshal(value, state); err != nil {
				return nil, internalError(err)
			}
			expired = pruneExpired(state, time.Now().UTC())
			if len(state.Locks) == 0 {
				return nil, nil
			}
			if len(expired) == 0 {
				// no change
				return value, nil
			}
			return json.Marshal(state)
		})
		if err != nil {
			glog.Infof("[lock]sweep %s = %s\n", doc, err)
			continue
		}
		for _, lock := range expired {
			publish(ctx, self.broadcast, doc, NewEvent(EventDocumentUnlocked, doc, lock.LockedBy, Id{}, map[string]any{
				"lock_id": lock.LockId,
				"expired": true,
			}))
			glog.V(1).Infof("[lock]expire %s %s\n", lock.LockedBy, doc)
		}
	}
}

// whether any active lock remains on the document. used by the document
// index sweep
func (self *LockManager) anyActive(ctx context.Context, doc DocRef) bool {
	locks, err := self.List(ctx, doc)
	if err != nil {
		return true
	}
	return 0 < len(locks)
}
