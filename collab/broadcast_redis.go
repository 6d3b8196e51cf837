package collab

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/golang/glog"
)

// redis pub/sub fabric. one redis channel per document topic, shared by
// every process that holds a live connection for that document. the
// process keeps a single redis subscription per topic and fans out
// locally, reference counted by subscriber.

type RedisBroadcastSettings struct {
	ChannelPrefix string
}

func DefaultRedisBroadcastSettings() *RedisBroadcastSettings {
	return &RedisBroadcastSettings{
		ChannelPrefix: "collab:events:",
	}
}

type redisTopic struct {
	callbacks *CallbackList[EventFunction]
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
}

type RedisBroadcast struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   *redis.Client
	settings *RedisBroadcastSettings

	mutex  sync.Mutex
	topics map[DocRef]*redisTopic
}

func NewRedisBroadcastWithDefaults(ctx context.Context, client *redis.Client) *RedisBroadcast {
	return NewRedisBroadcast(ctx, client, DefaultRedisBroadcastSettings())
}

func NewRedisBroadcast(ctx context.Context, client *redis.Client, settings *RedisBroadcastSettings) *RedisBroadcast {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RedisBroadcast{
		ctx:      cancelCtx,
		cancel:   cancel,
		client:   client,
		settings: settings,
		topics:   map[DocRef]*redisTopic{},
	}
}

func (self *RedisBroadcast) channel(doc DocRef) string {
	return self.settings.ChannelPrefix + doc.String()
}

func (self *RedisBroadcast) Publish(ctx context.Context, doc DocRef, event *Event) error {
	eventJson, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return self.client.Publish(ctx, self.channel(doc), eventJson).Err()
}

func (self *RedisBroadcast) Subscribe(doc DocRef, callback EventFunction) func() {
	self.mutex.Lock()
	topic, ok := self.topics[doc]
	if !ok {
		topicCtx, topicCancel := context.WithCancel(self.ctx)
		pubsub := self.client.Subscribe(topicCtx, self.channel(doc))
		topic = &redisTopic{
			callbacks: NewCallbackList[EventFunction](),
			pubsub:    pubsub,
			cancel:    topicCancel,
		}
		self.topics[doc] = topic
		go self.run(topicCtx, doc, topic)
	}
	self.mutex.Unlock()

	callbackId := topic.callbacks.Add(callback)
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		topic.callbacks.Remove(callbackId)
		if topic.callbacks.Size() == 0 {
			topic.cancel()
			topic.pubsub.Close()
			delete(self.topics, doc)
		}
	}
}

func (self *RedisBroadcast) run(ctx context.Context, doc DocRef, topic *redisTopic) {
	messages := topic.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			event := &Event{}
			if err := json.Unmarshal([]byte(message.Payload), event); err != nil {
				glog.Infof("[bc]drop %s bad event = %s\n", doc, err)
				continue
			}
			for _, callback := range topic.callbacks.Get() {
				HandleError(func() {
					callback(event)
				})
			}
			glog.V(2).Infof("[bc]%s<- %s\n", doc, event.Type)
		}
	}
}

func (self *RedisBroadcast) Close() {
	self.cancel()

	self.mutex.Lock()
	defer self.mutex.Unlock()
	for doc, topic := range self.topics {
		topic.pubsub.Close()
		delete(self.topics, doc)
	}
}
