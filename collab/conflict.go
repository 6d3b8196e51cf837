package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// conflicts are raised, not auto-merged. the ledger records operations
// that collided with a lock or another operation and the resolution a
// participant later applied. records are never silently deleted.

type ConflictRecord struct {
	ConflictId   Id     `json:"conflict_id"`
	OperationId  Id     `json:"operation_id"`
	DocumentId   string `json:"document_id"`
	DocumentType string `json:"document_type"`
	// lock id or operation id the operation collided with
	ConflictingWith    string     `json:"conflicting_with"`
	ResolutionStrategy string     `json:"resolution_strategy,omitempty"`
	// zero until resolved
	ResolvedBy Id         `json:"resolved_by"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	DetectedAt time.Time  `json:"detected_at"`
}

func (self *ConflictRecord) Doc() DocRef {
	return NewDocRef(self.DocumentId, self.DocumentType)
}

func (self *ConflictRecord) Resolved() bool {
	return self.ResolvedAt != nil
}

type conflictState struct {
	Records []*ConflictRecord `json:"records"`
}

type ConflictLedger struct {
	ctx context.Context

	store     Store
	broadcast Broadcast
	gate      *PermissionGate
}

func NewConflictLedger(ctx context.Context, store Store, broadcast Broadcast, gate *PermissionGate) *ConflictLedger {
	return &ConflictLedger{
		ctx:       ctx,
		store:     store,
		broadcast: broadcast,
		gate:      gate,
	}
}

func conflictsKey(doc DocRef) string {
	return fmt.Sprintf("conflicts:%s", doc)
}

// called internally when the operation log detects a race that the
// lock manager could not prevent
func (self *ConflictLedger) Flag(ctx context.Context, doc DocRef, operationId Id, conflictingWith string) (*ConflictRecord, error) {
	record := &ConflictRecord{
		ConflictId:      NewId(),
		OperationId:     operationId,
		DocumentId:      doc.DocumentId,
		DocumentType:    doc.DocumentType,
		ConflictingWith: conflictingWith,
		DetectedAt:      time.Now().UTC(),
	}

	err := self.store.Update(ctx, conflictsKey(doc), NoTtl, func(value []byte) ([]byte, error) {
		state := &conflictState{}
		if value != nil {
			if err := json.Unmarshal(value, state); err != nil {
				return nil, internalError(err)
			}
		}
		state.Records = append(state.Records, record)
		return json.Marshal(state)
	})
	if err != nil {
		return nil, err
	}

	publish(ctx, self.broadcast, doc, NewEvent(EventConflictDetected, doc, Id{}, Id{}, map[string]any{
		"conflict_id":      record.ConflictId,
		"operation_id":     record.OperationId,
		"conflicting_with": record.ConflictingWith,
	}))
	glog.Infof("[conflict]flag %s op=%s with=%s\n", doc, operationId, conflictingWith)
	return record, nil
}

// requires edit permission. a record takes exactly one resolution; a
// second attempt finds no unresolved record and returns not found
func (self *ConflictLedger) Resolve(
	ctx context.Context,
	doc DocRef,
	userId Id,
	operationId Id,
	resolutionStrategy string,
) (*ConflictRecord, error) {
	if _, err := self.gate.Authorize(ctx, userId, doc, ActionEdit); err != nil {
		return nil, err
	}

	var resolved *ConflictRecord
	err := self.store.Update(ctx, conflictsKey(doc), NoTtl, func(value []byte) ([]byte, error) {
		resolved = nil
		if value == nil {
			return nil, fmt.Errorf("%w: no conflicts on %s", ErrNotFound, doc)
		}
		state := &conflictState{}
		if err := json.Unmarshal(value, state); err != nil {
			return nil, internalError(err)
		}
		for _, record := range state.Records {
			if record.OperationId == operationId && !record.Resolved() {
				now := time.Now().UTC()
				record.ResolutionStrategy = resolutionStrategy
				record.ResolvedBy = userId
				record.ResolvedAt = &now
				resolved = record
				break
			}
		}
		if resolved == nil {
			return nil, fmt.Errorf("%w: no unresolved conflict for operation %s", ErrNotFound, operationId)
		}
		return json.Marshal(state)
	})
	if err != nil {
		return nil, err
	}

	publish(ctx, self.broadcast, doc, NewEvent(EventConflictResolved, doc, userId, Id{}, map[string]any{
		"conflict_id":         resolved.ConflictId,
		"operation_id":        resolved.OperationId,
		"resolution_strategy": resolved.ResolutionStrategy,
	}))
	return resolved, nil
}

// requires view permission
func (self *ConflictLedger) List(ctx context.Context, userId Id, doc DocRef) ([]*ConflictRecord, error) {
	if _, err := self.gate.Authorize(ctx, userId, doc, ActionView); err != nil {
		return nil, err
	}
	return self.list(ctx, doc)
}

func (self *ConflictLedger) list(ctx context.Context, doc DocRef) ([]*ConflictRecord, error) {
	value, ok, err := self.store.Get(ctx, conflictsKey(doc))
	if err != nil {
		return nil, internalError(err)
	}
	if !ok {
		return []*ConflictRecord{}, nil
	}
	state := &conflictState{}
	if err := json.Unmarshal(value, state); err != nil {
		return nil, internalError(err)
	}
	return state.Records, nil
}

func (self *ConflictLedger) CountOpen(ctx context.Context, doc DocRef) (int, error) {
	records, err := self.list(ctx, doc)
	if err != nil {
		return 0, err
	}
	open := 0
	for _, record := range records {
		if !record.Resolved() {
			open += 1
		}
	}
	return open, nil
}
