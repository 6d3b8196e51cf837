package collab

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEventZeroIds(t *testing.T) {
	doc := NewDocRef("doc1", "")

	// system events carry no originating user or session. the zero id is
	// serialized explicitly, never omitted
	event := NewEvent(EventConflictDetected, doc, Id{}, Id{}, nil)
	eventJson, err := json.Marshal(event)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, strings.Contains(string(eventJson), `"user_id":"00000000-0000-0000-0000-000000000000"`))
	assert.Equal(t, true, strings.Contains(string(eventJson), `"session_token":"00000000-0000-0000-0000-000000000000"`))

	decoded := &Event{}
	assert.Equal(t, json.Unmarshal(eventJson, decoded), nil)
	assert.Equal(t, true, decoded.UserId.IsZero())
	assert.Equal(t, true, decoded.SessionToken.IsZero())
}

func TestLocalBroadcastFanout(t *testing.T) {
	ctx := context.Background()
	broadcast := NewLocalBroadcast()
	defer broadcast.Close()

	doc := NewDocRef("doc1", "")

	receivedA := []*Event{}
	receivedB := []*Event{}
	unsubA := broadcast.Subscribe(doc, func(event *Event) {
		receivedA = append(receivedA, event)
	})
	unsubB := broadcast.Subscribe(doc, func(event *Event) {
		receivedB = append(receivedB, event)
	})
	defer unsubB()

	err := broadcast.Publish(ctx, doc, NewEvent(EventOperation, doc, NewId(), Id{}, nil))
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(receivedA))
	assert.Equal(t, 1, len(receivedB))

	// after unsubscribe only the remaining subscriber is delivered
	unsubA()
	err = broadcast.Publish(ctx, doc, NewEvent(EventOperation, doc, NewId(), Id{}, nil))
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(receivedA))
	assert.Equal(t, 2, len(receivedB))

	// double unsubscribe is harmless
	unsubA()
}

func TestLocalBroadcastTopicsIsolated(t *testing.T) {
	ctx := context.Background()
	broadcast := NewLocalBroadcast()
	defer broadcast.Close()

	doc1 := NewDocRef("doc1", "")
	doc2 := NewDocRef("doc2", "")

	received := []*Event{}
	unsub := broadcast.Subscribe(doc1, func(event *Event) {
		received = append(received, event)
	})
	defer unsub()

	// events on other documents are not delivered
	err := broadcast.Publish(ctx, doc2, NewEvent(EventOperation, doc2, NewId(), Id{}, nil))
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(received))

	err = broadcast.Publish(ctx, doc1, NewEvent(EventOperation, doc1, NewId(), Id{}, nil))
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(received))
}

func TestLocalBroadcastNoSubscribers(t *testing.T) {
	ctx := context.Background()
	broadcast := NewLocalBroadcast()
	defer broadcast.Close()

	doc := NewDocRef("doc1", "")

	// publishing into the void is not an error
	err := broadcast.Publish(ctx, doc, NewEvent(EventOperation, doc, NewId(), Id{}, nil))
	assert.Equal(t, err, nil)
}
