package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/exp/slices"

	"github.com/go-playground/assert/v2"
)

func TestOperationTargets(t *testing.T) {
	assert.Equal(t, []string{"n1"}, operationTargets(json.RawMessage(`{"type":"move_node","target":"n1"}`)))
	assert.Equal(t, []string{"n1", "n2"}, operationTargets(json.RawMessage(`{"elements":["n1","n2"]}`)))
	assert.Equal(t, []string{"n1"}, operationTargets(json.RawMessage(`{"target":"n1","element_id":"n1"}`)))
	assert.Equal(t, 0, len(operationTargets(json.RawMessage(`{"zoom":2}`))))
	assert.Equal(t, 0, len(operationTargets(nil)))
}

func TestOperationSequence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleEditor)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	userA := NewId()

	for i := int64(1); i <= 5; i += 1 {
		operation, err := service.Operations().Submit(ctx, doc, userA, Id{}, "move_node", nil)
		assert.Equal(t, err, nil)
		assert.Equal(t, i, operation.SequenceNumber)
	}
}

func TestOperationSequenceConcurrent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleEditor)
	defer service.Close()

	doc := NewDocRef("doc1", "")

	n := 64
	sequenceNumbers := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			operation, err := service.Operations().Submit(ctx, doc, NewId(), Id{}, "add_node", nil)
			if err == nil {
				sequenceNumbers <- operation.SequenceNumber
			}
		}()
	}
	wg.Wait()
	close(sequenceNumbers)

	// strictly increasing with no duplicates means the sorted set is
	// exactly 1..n
	seen := []int64{}
	for sequenceNumber := range sequenceNumbers {
		seen = append(seen, sequenceNumber)
	}
	slices.Sort(seen)
	assert.Equal(t, n, len(seen))
	for i, sequenceNumber := range seen {
		assert.Equal(t, int64(i+1), sequenceNumber)
	}
}

func TestRejectedOperationConsumesNoSequence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleEditor)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	userA := NewId()
	userB := NewId()

	operation, err := service.Operations().Submit(ctx, doc, userA, Id{}, "add_node", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(1), operation.SequenceNumber)

	_, err = service.Locks().Acquire(ctx, doc, userB, LockTypeExclusive, nil, time.Minute)
	assert.Equal(t, err, nil)

	// rejected while b holds the document
	_, err = service.Operations().Submit(ctx, doc, userA, Id{}, "add_node", nil)
	assert.Equal(t, true, errors.Is(err, ErrLockConflict))

	err = service.Locks().Release(ctx, doc, userB)
	assert.Equal(t, err, nil)

	// the accepted operation gets the number the rejected one would
	// have received
	operation, err = service.Operations().Submit(ctx, doc, userA, Id{}, "add_node", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(2), operation.SequenceNumber)
}

func TestOperationLockedElement(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleEditor)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	userA := NewId()
	userB := NewId()

	// no lock exists, accepted
	operation, err := service.Operations().Submit(ctx, doc, userA, Id{}, "move_node", json.RawMessage(`{"target":"n1"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(1), operation.SequenceNumber)

	_, err = service.Locks().Acquire(ctx, doc, userB, LockTypeShared, []string{"n1"}, time.Minute)
	assert.Equal(t, err, nil)

	// a is not the lock holder
	_, err = service.Operations().Submit(ctx, doc, userA, Id{}, "move_node", json.RawMessage(`{"target":"n1"}`))
	assert.Equal(t, true, errors.Is(err, ErrLockConflict))

	// the holder may edit the locked element
	operation, err = service.Operations().Submit(ctx, doc, userB, Id{}, "move_node", json.RawMessage(`{"target":"n1"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(2), operation.SequenceNumber)

	// an element outside the lock scope is not gated
	operation, err = service.Operations().Submit(ctx, doc, userA, Id{}, "move_node", json.RawMessage(`{"target":"n9"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(3), operation.SequenceNumber)
}

func TestOperationPermission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleViewer)
	defer service.Close()

	doc := NewDocRef("doc1", "")

	_, err := service.Operations().Submit(ctx, doc, NewId(), Id{}, "add_node", nil)
	assert.Equal(t, true, errors.Is(err, ErrPermissionDenied))

	count, err := service.Operations().Count(ctx, doc)
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(0), count)
}

func TestOperationHistory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleEditor)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	userA := NewId()

	for i := 0; i < 10; i += 1 {
		_, err := service.Operations().Submit(ctx, doc, userA, Id{}, "add_node", nil)
		assert.Equal(t, err, nil)
	}

	// full history in increasing order
	operations, err := service.Operations().History(ctx, userA, doc, 0, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, 10, len(operations))
	for i, operation := range operations {
		assert.Equal(t, int64(i+1), operation.SequenceNumber)
	}

	// catch up after a watermark
	operations, err = service.Operations().History(ctx, userA, doc, 7, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, 3, len(operations))
	assert.Equal(t, int64(8), operations[0].SequenceNumber)

	// limit caps the page
	operations, err = service.Operations().History(ctx, userA, doc, 0, 4)
	assert.Equal(t, err, nil)
	assert.Equal(t, 4, len(operations))
	assert.Equal(t, int64(4), operations[3].SequenceNumber)
}

func TestOperationRaceFlagsConflict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleEditor)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	userA := NewId()
	userB := NewId()

	// two users hit the same element inside the race window without a
	// lock between them
	operationA, err := service.Operations().Submit(ctx, doc, userA, Id{}, "move_node", json.RawMessage(`{"target":"n1"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, false, operationA.ConflictFlag)

	operationB, err := service.Operations().Submit(ctx, doc, userB, Id{}, "move_node", json.RawMessage(`{"target":"n1"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, true, operationB.ConflictFlag)

	records, err := service.Conflicts().List(ctx, userA, doc)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, operationB.OperationId, records[0].OperationId)
	assert.Equal(t, operationA.OperationId.String(), records[0].ConflictingWith)
}
