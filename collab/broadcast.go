package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

// topic-per-document fan-out. events carry a type and a minimal payload,
// never full document state. delivery is at-most-once and best-effort:
// the mutation that triggered an event is already durable in the shared
// store before the event is published, so a publish failure is logged by
// the caller and never rolls anything back.

const (
	EventUserJoined       = "user_joined"
	EventUserLeft         = "user_left"
	EventCursorUpdate     = "cursor_update"
	EventSelectionUpdate  = "selection_update"
	EventOperation        = "operation"
	EventDocumentLocked   = "document_locked"
	EventDocumentUnlocked = "document_unlocked"
	EventConflictDetected = "conflict_detected"
	EventConflictResolved = "conflict_resolved"
)

type Event struct {
	Type         string          `json:"type"`
	DocumentId   string          `json:"document_id"`
	DocumentType string          `json:"document_type"`
	// zero when the event has no originating user or session
	UserId       Id              `json:"user_id"`
	SessionToken Id              `json:"session_token"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	EventTime    time.Time       `json:"event_time"`
}

func NewEvent(eventType string, doc DocRef, userId Id, sessionToken Id, payload any) *Event {
	var payloadJson json.RawMessage
	if payload != nil {
		payloadJson, _ = json.Marshal(payload)
	}
	return &Event{
		Type:         eventType,
		DocumentId:   doc.DocumentId,
		DocumentType: doc.DocumentType,
		UserId:       userId,
		SessionToken: sessionToken,
		Payload:      payloadJson,
		EventTime:    time.Now().UTC(),
	}
}

func (self *Event) Doc() DocRef {
	return NewDocRef(self.DocumentId, self.DocumentType)
}

type EventFunction func(event *Event)

// the mutation is already durable when this is called. a publish
// failure is logged and never propagated to the originating call
func publish(ctx context.Context, broadcast Broadcast, doc DocRef, event *Event) {
	if err := broadcast.Publish(ctx, doc, event); err != nil {
		glog.Infof("[bc]publish %s %s = %s\n", doc, event.Type, err)
	}
}

type Broadcast interface {
	Publish(ctx context.Context, doc DocRef, event *Event) error
	// the returned function unsubscribes. when the last subscriber for a
	// document unsubscribes, the topic is torn down
	Subscribe(doc DocRef, callback EventFunction) func()
	Close()
}

// single-process fabric. used by tests and single-process deployments.
type LocalBroadcast struct {
	mutex  sync.Mutex
	topics map[DocRef]*CallbackList[EventFunction]
}

func NewLocalBroadcast() *LocalBroadcast {
	return &LocalBroadcast{
		topics: map[DocRef]*CallbackList[EventFunction]{},
	}
}

func (self *LocalBroadcast) Publish(ctx context.Context, doc DocRef, event *Event) error {
	self.mutex.Lock()
	topic := self.topics[doc]
	self.mutex.Unlock()

	if topic == nil {
		return nil
	}
	for _, callback := range topic.Get() {
		callback(event)
	}
	return nil
}

func (self *LocalBroadcast) Subscribe(doc DocRef, callback EventFunction) func() {
	self.mutex.Lock()
	topic, ok := self.topics[doc]
	if !ok {
		topic = NewCallbackList[EventFunction]()
		self.topics[doc] = topic
	}
	self.mutex.Unlock()

	callbackId := topic.Add(callback)
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		topic.Remove(callbackId)
		if topic.Size() == 0 {
			delete(self.topics, doc)
		}
	}
}

func (self *LocalBroadcast) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.topics = map[DocRef]*CallbackList[EventFunction]{}
}
