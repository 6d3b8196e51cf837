package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// accepts, orders, and persists edit operations. the sequence number is
// assigned by an atomic increment in the shared store, a single logical
// sequencer per document, so two operations from different processes
// never collide or reorder. rejected operations never touch the
// counter.

type Operation struct {
	OperationId      Id              `json:"operation_id"`
	DocumentId       string          `json:"document_id"`
	DocumentType     string          `json:"document_type"`
	UserId           Id              `json:"user_id"`
	OperationType    string          `json:"operation_type"`
	OperationPayload json.RawMessage `json:"operation_payload,omitempty"`
	SequenceNumber   int64           `json:"sequence_number"`
	CreatedAt        time.Time       `json:"created_at"`
	ConflictFlag     bool            `json:"conflict_flag,omitempty"`
	// elements named by the payload, extracted at submission time
	TargetElements []string `json:"target_elements,omitempty"`
}

func (self *Operation) Doc() DocRef {
	return NewDocRef(self.DocumentId, self.DocumentType)
}

// the payload is opaque to the engine except for the elements it names.
// "target" and "element_id" name one element, "targets" and "elements"
// name several
func operationTargets(payload json.RawMessage) []string {
	if payload == nil {
		return nil
	}
	var fields struct {
		Target    string   `json:"target"`
		ElementId string   `json:"element_id"`
		Targets   []string `json:"targets"`
		Elements  []string `json:"elements"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}
	targets := []string{}
	if fields.Target != "" {
		targets = append(targets, fields.Target)
	}
	if fields.ElementId != "" && !slices.Contains(targets, fields.ElementId) {
		targets = append(targets, fields.ElementId)
	}
	for _, element := range fields.Targets {
		if !slices.Contains(targets, element) {
			targets = append(targets, element)
		}
	}
	for _, element := range fields.Elements {
		if !slices.Contains(targets, element) {
			targets = append(targets, element)
		}
	}
	return targets
}

type OperationLogSettings struct {
	// two operations on overlapping targets from different users inside
	// this window, with no lock between them, are flagged as a conflict
	RaceWindow time.Duration
	// how many trailing operations the race check scans
	RaceScan int64
	// default and ceiling for history page size
	DefaultHistoryLimit int
	MaxHistoryLimit     int
}

func DefaultOperationLogSettings() *OperationLogSettings {
	return &OperationLogSettings{
		RaceWindow:          2 * time.Second,
		RaceScan:            32,
		DefaultHistoryLimit: 100,
		MaxHistoryLimit:     1000,
	}
}

type OperationLog struct {
	ctx context.Context

	store     Store
	broadcast Broadcast
	gate      *PermissionGate
	locks     *LockManager
	conflicts *ConflictLedger

	settings *OperationLogSettings
}

func NewOperationLog(
	ctx context.Context,
	store Store,
	broadcast Broadcast,
	gate *PermissionGate,
	locks *LockManager,
	conflicts *ConflictLedger,
	settings *OperationLogSettings,
) *OperationLog {
	return &OperationLog{
		ctx:       ctx,
		store:     store,
		broadcast: broadcast,
		gate:      gate,
		locks:     locks,
		conflicts: conflicts,
		settings:  settings,
	}
}

func sequenceKey(doc DocRef) string {
	return fmt.Sprintf("seq:%s", doc)
}

func operationsKey(doc DocRef) string {
	return fmt.Sprintf("ops:%s", doc)
}

// requires edit permission. the lock check runs against current locks
// at the moment of sequencing, so an operation queued while a lock was
// force-released is judged by the locks in force now, not the ones
// when it was submitted
func (self *OperationLog) Submit(
	ctx context.Context,
	doc DocRef,
	userId Id,
	sessionToken Id,
	operationType string,
	operationPayload json.RawMessage,
) (*Operation, error) {
	if _, err := self.gate.Authorize(ctx, userId, doc, ActionEdit); err != nil {
		return nil, err
	}

	targets := operationTargets(operationPayload)
	activeLocks, err := self.locks.activeLocks(ctx, doc)
	if err != nil {
		return nil, err
	}
	holdsLock := false
	for _, lock := range activeLocks {
		if lock.LockedBy == userId {
			if lock.WholeDocument() || (0 < len(targets) && lock.overlaps(false, targets)) {
				holdsLock = true
			}
			continue
		}
		if lock.WholeDocument() {
			return nil, fmt.Errorf("%w: document locked by %s", ErrLockConflict, lock.LockedBy)
		}
		if 0 < len(targets) && lock.overlaps(false, targets) {
			return nil, fmt.Errorf("%w: %v locked by %s", ErrLockConflict, targets, lock.LockedBy)
		}
	}

	// the checks all passed. only now does the operation consume a
	// sequence number
	sequenceNumber, err := self.store.Increment(ctx, sequenceKey(doc))
	if err != nil {
		return nil, internalError(err)
	}

	operation := &Operation{
		OperationId:      NewId(),
		DocumentId:       doc.DocumentId,
		DocumentType:     doc.DocumentType,
		UserId:           userId,
		OperationType:    operationType,
		OperationPayload: operationPayload,
		SequenceNumber:   sequenceNumber,
		CreatedAt:        time.Now().UTC(),
		TargetElements:   targets,
	}

	// a race the lock manager could not prevent: overlapping targets
	// accepted concurrently without an intervening lock
	var racedWith *Operation
	if 0 < len(targets) && !holdsLock {
		racedWith = self.findRace(ctx, doc, operation)
		if racedWith != nil {
			operation.ConflictFlag = true
		}
	}

	operationJson, err := json.Marshal(operation)
	if err != nil {
		return nil, internalError(err)
	}
	if err := self.store.ListAppend(ctx, operationsKey(doc), operationJson); err != nil {
		return nil, internalError(err)
	}
	if err := self.store.SetAdd(ctx, documentsKey, doc.String()); err != nil {
		glog.Infof("[op]index %s = %s\n", doc, err)
	}

	if racedWith != nil {
		self.conflicts.Flag(ctx, doc, operation.OperationId, racedWith.OperationId.String())
	}

	// other sessions get the broadcast. the submitter gets the direct
	// acknowledgment with the assigned sequence number instead
	publish(ctx, self.broadcast, doc, NewEvent(EventOperation, doc, userId, sessionToken, operation))
	glog.V(1).Infof("[op]%s %s seq=%d\n", userId, doc, sequenceNumber)
	return operation, nil
}

func (self *OperationLog) findRace(ctx context.Context, doc DocRef, operation *Operation) *Operation {
	recentJson, err := self.store.ListRange(ctx, operationsKey(doc), -self.settings.RaceScan, -1)
	if err != nil {
		glog.Infof("[op]race scan %s = %s\n", doc, err)
		return nil
	}
	for i := len(recentJson) - 1; 0 <= i; i -= 1 {
		recent := &Operation{}
		if err := json.Unmarshal(recentJson[i], recent); err != nil {
			continue
		}
		if recent.UserId == operation.UserId {
			continue
		}
		if operation.CreatedAt.Sub(recent.CreatedAt) > self.settings.RaceWindow {
			break
		}
		if scopesOverlap(false, recent.TargetElements, false, operation.TargetElements) {
			return recent
		}
	}
	return nil
}

// operations in increasing sequence order, optionally starting after a
// client-supplied watermark. supports catch-up after reconnect
func (self *OperationLog) History(
	ctx context.Context,
	userId Id,
	doc DocRef,
	sinceSequence int64,
	limit int,
) ([]*Operation, error) {
	if _, err := self.gate.Authorize(ctx, userId, doc, ActionView); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = self.settings.DefaultHistoryLimit
	}
	if self.settings.MaxHistoryLimit < limit {
		limit = self.settings.MaxHistoryLimit
	}

	// appends from concurrent processes can land a few entries out of
	// sequence order, so read a margin before the watermark and filter
	start := sinceSequence - self.settings.RaceScan
	if start < 0 {
		start = 0
	}
	values, err := self.store.ListRange(ctx, operationsKey(doc), start, -1)
	if err != nil {
		return nil, internalError(err)
	}

	operations := []*Operation{}
	for _, value := range values {
		operation := &Operation{}
		if err := json.Unmarshal(value, operation); err != nil {
			continue
		}
		if operation.SequenceNumber <= sinceSequence {
			continue
		}
		operations = append(operations, operation)
	}
	sort.Slice(operations, func(i int, j int) bool {
		return operations[i].SequenceNumber < operations[j].SequenceNumber
	})
	if limit < len(operations) {
		operations = operations[:limit]
	}
	return operations, nil
}

func (self *OperationLog) Count(ctx context.Context, doc DocRef) (int64, error) {
	return self.store.ListLen(ctx, operationsKey(doc))
}
