package collab

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestConflictFlagAndResolve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleEditor)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	userA := NewId()
	operationId := NewId()

	record, err := service.Conflicts().Flag(ctx, doc, operationId, "lock:abc")
	assert.Equal(t, err, nil)
	assert.Equal(t, operationId, record.OperationId)
	assert.Equal(t, false, record.Resolved())

	open, err := service.Conflicts().CountOpen(ctx, doc)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, open)

	resolved, err := service.Conflicts().Resolve(ctx, doc, userA, operationId, "keep_mine")
	assert.Equal(t, err, nil)
	assert.Equal(t, true, resolved.Resolved())
	assert.Equal(t, "keep_mine", resolved.ResolutionStrategy)
	assert.Equal(t, userA, resolved.ResolvedBy)

	// resolved records stay in the ledger
	records, err := service.Conflicts().List(ctx, userA, doc)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(records))

	open, err = service.Conflicts().CountOpen(ctx, doc)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, open)
}

func TestConflictResolveOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleEditor)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	userA := NewId()
	userB := NewId()
	operationId := NewId()

	_, err := service.Conflicts().Flag(ctx, doc, operationId, "lock:abc")
	assert.Equal(t, err, nil)

	_, err = service.Conflicts().Resolve(ctx, doc, userA, operationId, "keep_mine")
	assert.Equal(t, err, nil)

	// a record takes exactly one resolution
	_, err = service.Conflicts().Resolve(ctx, doc, userB, operationId, "keep_theirs")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
}

func TestConflictResolveUnknown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleEditor)
	defer service.Close()

	doc := NewDocRef("doc1", "")

	_, err := service.Conflicts().Resolve(ctx, doc, NewId(), NewId(), "keep_mine")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
}

func TestConflictResolvePermission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleViewer)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	operationId := NewId()

	_, err := service.Conflicts().Flag(ctx, doc, operationId, "op:xyz")
	assert.Equal(t, err, nil)

	_, err = service.Conflicts().Resolve(ctx, doc, NewId(), operationId, "keep_mine")
	assert.Equal(t, true, errors.Is(err, ErrPermissionDenied))
}
