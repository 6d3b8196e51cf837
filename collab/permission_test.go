package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// counts calls through to the wrapped source
type countingAuthorizationSource struct {
	source AuthorizationSource

	mutex sync.Mutex
	calls int
}

func (self *countingAuthorizationSource) RoleFor(ctx context.Context, userId Id, doc DocRef) (Role, error) {
	self.mutex.Lock()
	self.calls += 1
	self.mutex.Unlock()
	return self.source.RoleFor(ctx, userId, doc)
}

func (self *countingAuthorizationSource) callCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.calls
}

type failingAuthorizationSource struct{}

func (self *failingAuthorizationSource) RoleFor(ctx context.Context, userId Id, doc DocRef) (Role, error) {
	return RoleNone, fmt.Errorf("authorization service timeout")
}

func TestRoleScale(t *testing.T) {
	assert.Equal(t, true, RoleViewer.Allows(ActionView))
	assert.Equal(t, false, RoleViewer.Allows(ActionComment))
	assert.Equal(t, true, RoleCommenter.Allows(ActionComment))
	assert.Equal(t, false, RoleCommenter.Allows(ActionEdit))
	assert.Equal(t, true, RoleEditor.Allows(ActionEdit))
	assert.Equal(t, false, RoleEditor.Allows(ActionAdmin))
	assert.Equal(t, true, RoleAdmin.Allows(ActionView))
	assert.Equal(t, true, RoleAdmin.Allows(ActionAdmin))
	assert.Equal(t, false, RoleNone.Allows(ActionView))
}

func TestPermissionGateCaches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &countingAuthorizationSource{
		source: NewStaticAuthorizationSource(RoleEditor),
	}
	gate := NewPermissionGateWithDefaults(ctx, source, NewMemoryStore())

	doc := NewDocRef("doc1", "")
	userA := NewId()

	decision, err := gate.Authorize(ctx, userA, doc, ActionEdit)
	assert.Equal(t, err, nil)
	assert.Equal(t, RoleEditor, decision.Role)
	assert.Equal(t, 1, source.callCount())

	// repeated checks are served from cache
	for i := 0; i < 10; i += 1 {
		_, err := gate.Authorize(ctx, userA, doc, ActionView)
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, 1, source.callCount())

	// a different document is a different entry
	_, err = gate.Authorize(ctx, userA, NewDocRef("doc2", ""), ActionView)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, source.callCount())
}

func TestPermissionGateSharedStoreCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	sourceA := &countingAuthorizationSource{
		source: NewStaticAuthorizationSource(RoleEditor),
	}
	sourceB := &countingAuthorizationSource{
		source: NewStaticAuthorizationSource(RoleEditor),
	}
	gateA := NewPermissionGateWithDefaults(ctx, sourceA, store)
	gateB := NewPermissionGateWithDefaults(ctx, sourceB, store)

	doc := NewDocRef("doc1", "")
	userA := NewId()

	_, err := gateA.Authorize(ctx, userA, doc, ActionEdit)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, sourceA.callCount())

	// the second gate re-validates from the shared store entry without
	// touching its own source
	_, err = gateB.Authorize(ctx, userA, doc, ActionEdit)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, sourceB.callCount())
}

func TestPermissionGateFailsClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := NewPermissionGateWithDefaults(ctx, &failingAuthorizationSource{}, NewMemoryStore())

	_, err := gate.Authorize(ctx, NewId(), NewDocRef("doc1", ""), ActionView)
	assert.Equal(t, true, errors.Is(err, ErrPermissionUnavailable))
	assert.Equal(t, false, errors.Is(err, ErrPermissionDenied))
}

func TestPermissionGateDenied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := NewPermissionGateWithDefaults(ctx, NewStaticAuthorizationSource(RoleViewer), NewMemoryStore())

	_, err := gate.Authorize(ctx, NewId(), NewDocRef("doc1", ""), ActionEdit)
	assert.Equal(t, true, errors.Is(err, ErrPermissionDenied))
	assert.Equal(t, false, errors.Is(err, ErrPermissionUnavailable))
}

func TestPermissionGateInvalidate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	static := NewStaticAuthorizationSource(RoleNone)
	gate := NewPermissionGateWithDefaults(ctx, static, NewMemoryStore())

	doc := NewDocRef("doc1", "")
	userA := NewId()

	_, err := gate.Authorize(ctx, userA, doc, ActionEdit)
	assert.Equal(t, true, errors.Is(err, ErrPermissionDenied))

	// a grant alone is masked by the cached denial
	static.Grant(ctx, userA, doc, RoleEditor)
	_, err = gate.Authorize(ctx, userA, doc, ActionEdit)
	assert.Equal(t, true, errors.Is(err, ErrPermissionDenied))

	gate.Invalidate(ctx, userA, doc)
	decision, err := gate.Authorize(ctx, userA, doc, ActionEdit)
	assert.Equal(t, err, nil)
	assert.Equal(t, RoleEditor, decision.Role)
}

func TestPermissionGateRevokeObservedUnderLoad(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	static := NewStaticAuthorizationSource(RoleNone)
	settings := DefaultPermissionGateSettings()
	settings.CacheTtl = 50 * time.Millisecond
	settings.LocalCacheTtl = 50 * time.Millisecond
	gate := NewPermissionGate(ctx, static, NewMemoryStore(), settings)

	doc := NewDocRef("doc1", "")
	userA := NewId()
	static.Grant(ctx, userA, doc, RoleEditor)

	_, err := gate.Authorize(ctx, userA, doc, ActionEdit)
	assert.Equal(t, err, nil)

	static.Revoke(ctx, userA, doc)

	// checks arriving faster than the ttl must not keep the stale entry
	// alive. the revoke has to surface once the cached entry expires
	denied := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := gate.Authorize(ctx, userA, doc, ActionEdit); errors.Is(err, ErrPermissionDenied) {
			denied = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, true, denied)
}

func TestPermissionGateLocalExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &countingAuthorizationSource{
		source: NewStaticAuthorizationSource(RoleEditor),
	}
	settings := DefaultPermissionGateSettings()
	settings.CacheTtl = 30 * time.Millisecond
	settings.LocalCacheTtl = 30 * time.Millisecond
	gate := NewPermissionGate(ctx, source, NewMemoryStore(), settings)

	doc := NewDocRef("doc1", "")
	userA := NewId()

	_, err := gate.Authorize(ctx, userA, doc, ActionView)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, source.callCount())

	time.Sleep(80 * time.Millisecond)

	// both cache layers expired, the source is consulted again
	_, err = gate.Authorize(ctx, userA, doc, ActionView)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, source.callCount())
}
