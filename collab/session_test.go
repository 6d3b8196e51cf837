package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSessionJoinLeave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleEditor)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	userA := NewId()

	session, err := service.Sessions().Join(ctx, userA, doc, ActionView)
	assert.Equal(t, err, nil)
	assert.Equal(t, userA, session.UserId)
	assert.Equal(t, RoleEditor, session.GrantedRole)
	assert.Equal(t, false, session.SessionToken.IsZero())

	sessions, err := service.Sessions().ListActive(ctx, userA, doc)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(sessions))
	assert.Equal(t, session.SessionToken, sessions[0].SessionToken)

	err = service.Sessions().Leave(ctx, session.SessionToken)
	assert.Equal(t, err, nil)

	sessions, err = service.Sessions().ListActive(ctx, userA, doc)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(sessions))

	// leave after leave is a no-op
	err = service.Sessions().Leave(ctx, session.SessionToken)
	assert.Equal(t, err, nil)
}

func TestSessionLeaveConcurrentPublishesOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleEditor)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	userA := NewId()

	session, err := service.Sessions().Join(ctx, userA, doc, ActionView)
	assert.Equal(t, err, nil)

	var mutex sync.Mutex
	left := 0
	unsub := service.Broadcast().Subscribe(doc, func(event *Event) {
		if event.Type == EventUserLeft {
			mutex.Lock()
			left += 1
			mutex.Unlock()
		}
	})
	defer unsub()

	// racing leaves, as when an explicit leave races a disconnect
	var wg sync.WaitGroup
	for i := 0; i < 16; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, service.Sessions().Leave(ctx, session.SessionToken), nil)
		}()
	}
	wg.Wait()

	// exactly one leave observes the record and publishes
	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 1, left)
}

func TestSessionJoinDenied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleNone)
	defer service.Close()

	doc := NewDocRef("doc1", "")

	_, err := service.Sessions().Join(ctx, NewId(), doc, ActionView)
	assert.Equal(t, true, errors.Is(err, ErrPermissionDenied))
}

func TestSessionJoinRequestedAction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleViewer)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	userA := NewId()

	// a viewer can join to view
	_, err := service.Sessions().Join(ctx, userA, doc, ActionView)
	assert.Equal(t, err, nil)

	// but not when the join asks for edit
	_, err = service.Sessions().Join(ctx, userA, doc, ActionEdit)
	assert.Equal(t, true, errors.Is(err, ErrPermissionDenied))
}

func TestSessionHeartbeatExtendsWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testServiceSettings()
	settings.SessionSettings.HeartbeatInterval = 40 * time.Millisecond
	settings.SessionSettings.MissedHeartbeatTolerance = 2

	service, _ := newTestServiceWithSettings(ctx, RoleEditor, settings)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	userA := NewId()

	session, err := service.Sessions().Join(ctx, userA, doc, ActionView)
	assert.Equal(t, err, nil)

	// heartbeats inside the window keep the session alive past it
	for i := 0; i < 4; i += 1 {
		time.Sleep(50 * time.Millisecond)
		refreshed, err := service.Sessions().Heartbeat(ctx, session.SessionToken, nil, nil)
		assert.Equal(t, err, nil)
		assert.Equal(t, true, session.LastHeartbeatAt.Before(refreshed.LastHeartbeatAt))
	}

	// once heartbeats stop the window elapses
	time.Sleep(120 * time.Millisecond)
	_, err = service.Sessions().Heartbeat(ctx, session.SessionToken, nil, nil)
	assert.Equal(t, true, errors.Is(err, ErrSessionExpired))
	_, err = service.Sessions().Get(ctx, session.SessionToken)
	assert.Equal(t, true, errors.Is(err, ErrSessionExpired))
}

func TestSessionSweepPublishesUserLeft(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testServiceSettings()
	settings.SessionSettings.HeartbeatInterval = 20 * time.Millisecond
	settings.SessionSettings.MissedHeartbeatTolerance = 2

	service, _ := newTestServiceWithSettings(ctx, RoleEditor, settings)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	userA := NewId()

	session, err := service.Sessions().Join(ctx, userA, doc, ActionView)
	assert.Equal(t, err, nil)

	events := make(chan *Event, 8)
	unsub := service.Broadcast().Subscribe(doc, func(event *Event) {
		events <- event
	})
	defer unsub()

	time.Sleep(100 * time.Millisecond)
	service.Sessions().Sweep(ctx)

	event := <-events
	assert.Equal(t, EventUserLeft, event.Type)
	assert.Equal(t, userA, event.UserId)
	assert.Equal(t, session.SessionToken, event.SessionToken)
}

func TestSessionCursorBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleEditor)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	userA := NewId()

	session, err := service.Sessions().Join(ctx, userA, doc, ActionView)
	assert.Equal(t, err, nil)

	events := make(chan *Event, 8)
	unsub := service.Broadcast().Subscribe(doc, func(event *Event) {
		events <- event
	})
	defer unsub()

	err = service.Sessions().CursorUpdate(ctx, session.SessionToken, json.RawMessage(`{"x":10,"y":20}`))
	assert.Equal(t, err, nil)

	event := <-events
	assert.Equal(t, EventCursorUpdate, event.Type)
	assert.Equal(t, session.SessionToken, event.SessionToken)

	// cursor updates are ephemeral and do not touch the session record
	stored, err := service.Sessions().Get(ctx, session.SessionToken)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(stored.CursorPosition))
}

func TestSessionHeartbeatPersistsCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service, _ := newTestService(ctx, RoleEditor)
	defer service.Close()

	doc := NewDocRef("doc1", "")
	userA := NewId()

	session, err := service.Sessions().Join(ctx, userA, doc, ActionView)
	assert.Equal(t, err, nil)

	_, err = service.Sessions().Heartbeat(ctx, session.SessionToken, json.RawMessage(`{"x":1}`), nil)
	assert.Equal(t, err, nil)

	stored, err := service.Sessions().Get(ctx, session.SessionToken)
	assert.Equal(t, err, nil)
	assert.Equal(t, `{"x":1}`, string(stored.CursorPosition))
}
