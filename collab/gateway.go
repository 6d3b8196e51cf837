package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// terminates persistent bidirectional connections. each connection
// walks Connecting -> Authenticated, then Joined/Active per document.
// the first frame must authenticate; unauthenticated connections are
// dropped. inbound events route to the managers through the session
// implied by (connection, document); outbound broadcast events are
// delivered to every local connection joined to the document, except
// the one whose session originated the event.

type connectionState int

const (
	connectionStateConnecting connectionState = iota
	connectionStateAuthenticated
	connectionStateDisconnected
)

type documentState int

const (
	documentStateJoined documentState = iota
	documentStateActive
)

type ConnectionGatewaySettings struct {
	AuthTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingTimeout    time.Duration
	SendBufferSize int
	ReadLimit      int64
}

func DefaultConnectionGatewaySettings() *ConnectionGatewaySettings {
	return &ConnectionGatewaySettings{
		AuthTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingTimeout:    15 * time.Second,
		SendBufferSize: 32,
		ReadLimit:      1024 * 1024,
	}
}

type ConnectionGateway struct {
	ctx    context.Context
	cancel context.CancelFunc

	service  *Service
	verifier Verifier

	upgrader *websocket.Upgrader

	settings *ConnectionGatewaySettings
}

func NewConnectionGatewayWithDefaults(ctx context.Context, service *Service, verifier Verifier) *ConnectionGateway {
	return NewConnectionGateway(ctx, service, verifier, DefaultConnectionGatewaySettings())
}

func NewConnectionGateway(
	ctx context.Context,
	service *Service,
	verifier Verifier,
	settings *ConnectionGatewaySettings,
) *ConnectionGateway {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionGateway{
		ctx:      cancelCtx,
		cancel:   cancel,
		service:  service,
		verifier: verifier,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		settings: settings,
	}
}

func (self *ConnectionGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[gw]upgrade error = %s\n", err)
		return
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	conn := &gatewayConn{
		ctx:          handleCtx,
		cancel:       handleCancel,
		gateway:      self,
		ws:           ws,
		connectionId: NewId(),
		state:        connectionStateConnecting,
		send:         make(chan []byte, self.settings.SendBufferSize),
		joined:       map[DocRef]*joinedDocument{},
	}
	conn.run()
}

func (self *ConnectionGateway) Close() {
	self.cancel()
}

type joinedDocument struct {
	sessionToken Id
	state        documentState
	unsub        func()
}

type gatewayConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	gateway *ConnectionGateway
	ws      *websocket.Conn

	connectionId Id
	userId       Id
	state        connectionState

	// all frames go out through one channel so only the write loop
	// touches the socket
	send chan []byte

	mutex  sync.Mutex
	joined map[DocRef]*joinedDocument
}

func (self *gatewayConn) settings() *ConnectionGatewaySettings {
	return self.gateway.settings
}

func (self *gatewayConn) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
		self.disconnect()
	}()

	self.ws.SetReadLimit(self.settings().ReadLimit)

	// identity is verified before any other event is processed
	if !self.authenticate() {
		return
	}

	go self.writeLoop()

	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings().ReadTimeout))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings().ReadTimeout))
		_, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[gw]%s<- closed = %s\n", self.connectionId, err)
			return
		}
		event := &ClientEvent{}
		if err := json.Unmarshal(message, event); err != nil {
			self.sendEvent(errorEvent("", DocRef{}, internalError(err)))
			continue
		}
		self.handleEvent(event)
	}
}

func (self *gatewayConn) authenticate() bool {
	self.ws.SetReadDeadline(time.Now().Add(self.settings().AuthTimeout))
	_, message, err := self.ws.ReadMessage()
	if err != nil {
		return false
	}
	event := &ClientEvent{}
	if err := json.Unmarshal(message, event); err != nil || event.Type != ClientEventAuth {
		return false
	}
	userId, err := self.gateway.verifier.Verify(event.Token)
	if err != nil {
		glog.V(1).Infof("[gw]%s auth error = %s\n", self.connectionId, err)
		return false
	}
	self.userId = userId
	self.state = connectionStateAuthenticated

	authOk := &ServerEvent{
		Type:   ServerEventAuthOk,
		UserId: &userId,
	}
	authOkJson, _ := json.Marshal(authOk)
	self.ws.SetWriteDeadline(time.Now().Add(self.settings().WriteTimeout))
	if err := self.ws.WriteMessage(websocket.TextMessage, authOkJson); err != nil {
		return false
	}
	glog.V(1).Infof("[gw]%s authenticated %s\n", self.connectionId, userId)
	return true
}

func (self *gatewayConn) writeLoop() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-self.send:
			if !ok {
				return
			}
			self.ws.SetWriteDeadline(time.Now().Add(self.settings().WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// a websocket write deadline cannot be recovered
				glog.V(2).Infof("[gw]%s-> error = %s\n", self.connectionId, err)
				return
			}
		case <-time.After(self.settings().PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings().WriteTimeout))
			if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// delivery is best effort. a connection that cannot drain its send
// buffer loses events rather than blocking the fabric
func (self *gatewayConn) sendEvent(event *ServerEvent) {
	eventJson, err := json.Marshal(event)
	if err != nil {
		return
	}
	self.sendFrame(eventJson, event.Type)
}

func (self *gatewayConn) sendFrame(message []byte, eventType string) {
	select {
	case <-self.ctx.Done():
	case self.send <- message:
	default:
		glog.Infof("[gw]%s-> drop %s\n", self.connectionId, eventType)
	}
}

func (self *gatewayConn) handleEvent(event *ClientEvent) {
	switch event.Type {
	case ClientEventJoinDocument:
		self.joinDocument(event)
	case ClientEventLeaveDocument:
		self.leaveDocument(event)
	case ClientEventHeartbeat:
		self.heartbeat(event)
	case ClientEventSubmitOperation:
		self.submitOperation(event)
	case ClientEventCursorUpdate:
		self.cursorUpdate(event)
	case ClientEventSelectionUpdate:
		self.selectionUpdate(event)
	case ClientEventLockRequest:
		self.lockRequest(event)
	case ClientEventUnlockRequest:
		self.unlockRequest(event)
	case ClientEventGetActiveUsers:
		self.getActiveUsers(event)
	default:
		self.sendEvent(errorEvent(event.Type, event.Doc(), ErrNotFound))
	}
}

func (self *gatewayConn) joinedDoc(doc DocRef) *joinedDocument {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.joined[doc]
}

// marks the document active on first use after join
func (self *gatewayConn) activeDoc(doc DocRef) *joinedDocument {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	jd := self.joined[doc]
	if jd != nil {
		jd.state = documentStateActive
	}
	return jd
}

func (self *gatewayConn) joinDocument(event *ClientEvent) {
	doc := event.Doc()
	if jd := self.joinedDoc(doc); jd != nil {
		// already joined. idempotent
		session, err := self.gateway.service.Sessions().Get(self.ctx, jd.sessionToken)
		if err == nil {
			self.sendEvent(&ServerEvent{
				Type:         ServerEventJoined,
				DocumentId:   doc.DocumentId,
				DocumentType: doc.DocumentType,
				Session:      session,
			})
			return
		}
		// the session was reaped under the connection. rejoin
		self.removeJoined(doc)
	}

	requestedAction := ActionView
	if event.RequestedPermissions != "" {
		if action, err := ParseAction(event.RequestedPermissions); err == nil {
			requestedAction = action
		}
	}

	session, err := self.gateway.service.Sessions().Join(self.ctx, self.userId, doc, requestedAction)
	if err != nil {
		self.sendEvent(errorEvent(event.Type, doc, err))
		return
	}

	unsub := self.gateway.service.Broadcast().Subscribe(doc, func(broadcastEvent *Event) {
		self.deliver(doc, broadcastEvent)
	})

	self.mutex.Lock()
	self.joined[doc] = &joinedDocument{
		sessionToken: session.SessionToken,
		state:        documentStateJoined,
		unsub:        unsub,
	}
	self.mutex.Unlock()

	self.sendEvent(&ServerEvent{
		Type:         ServerEventJoined,
		DocumentId:   doc.DocumentId,
		DocumentType: doc.DocumentType,
		Session:      session,
	})
}

func (self *gatewayConn) removeJoined(doc DocRef) *joinedDocument {
	self.mutex.Lock()
	jd := self.joined[doc]
	delete(self.joined, doc)
	self.mutex.Unlock()
	if jd != nil {
		jd.unsub()
	}
	return jd
}

func (self *gatewayConn) leaveDocument(event *ClientEvent) {
	doc := event.Doc()
	jd := self.removeJoined(doc)
	if jd != nil {
		if err := self.gateway.service.Sessions().Leave(self.ctx, jd.sessionToken); err != nil {
			self.sendEvent(errorEvent(event.Type, doc, err))
			return
		}
	}
	// leaving twice is a no-op, not an error
	self.sendEvent(&ServerEvent{
		Type:         ServerEventLeft,
		DocumentId:   doc.DocumentId,
		DocumentType: doc.DocumentType,
	})
}

// refreshes every session this connection holds
func (self *gatewayConn) heartbeat(event *ClientEvent) {
	self.mutex.Lock()
	joined := maps.Clone(self.joined)
	self.mutex.Unlock()

	for doc, jd := range joined {
		_, err := self.gateway.service.Sessions().Heartbeat(self.ctx, jd.sessionToken, event.CursorPosition, event.SelectionRange)
		if err != nil {
			self.sendEvent(errorEvent(event.Type, doc, err))
			continue
		}
	}
	self.sendEvent(&ServerEvent{
		Type: ServerEventHeartbeatOk,
	})
}

func (self *gatewayConn) submitOperation(event *ClientEvent) {
	doc := event.Doc()
	jd := self.activeDoc(doc)
	if jd == nil {
		self.sendEvent(errorEvent(event.Type, doc, ErrSessionExpired))
		return
	}
	operation, err := self.gateway.service.Operations().Submit(
		self.ctx,
		doc,
		self.userId,
		jd.sessionToken,
		event.OperationType,
		event.OperationData,
	)
	if err != nil {
		self.sendEvent(errorEvent(event.Type, doc, err))
		return
	}
	// direct acknowledgment with the assigned sequence number. the
	// broadcast goes to everyone else
	self.sendEvent(&ServerEvent{
		Type:           ServerEventOperationAck,
		DocumentId:     doc.DocumentId,
		DocumentType:   doc.DocumentType,
		OperationId:    &operation.OperationId,
		SequenceNumber: operation.SequenceNumber,
		ConflictFlag:   operation.ConflictFlag,
	})
}

func (self *gatewayConn) cursorUpdate(event *ClientEvent) {
	doc := event.Doc()
	jd := self.activeDoc(doc)
	if jd == nil {
		self.sendEvent(errorEvent(event.Type, doc, ErrSessionExpired))
		return
	}
	if err := self.gateway.service.Sessions().CursorUpdate(self.ctx, jd.sessionToken, event.CursorPosition); err != nil {
		self.sendEvent(errorEvent(event.Type, doc, err))
	}
}

func (self *gatewayConn) selectionUpdate(event *ClientEvent) {
	doc := event.Doc()
	jd := self.activeDoc(doc)
	if jd == nil {
		self.sendEvent(errorEvent(event.Type, doc, ErrSessionExpired))
		return
	}
	if err := self.gateway.service.Sessions().SelectionUpdate(self.ctx, jd.sessionToken, event.SelectionRange); err != nil {
		self.sendEvent(errorEvent(event.Type, doc, err))
	}
}

func (self *gatewayConn) lockRequest(event *ClientEvent) {
	doc := event.Doc()
	if jd := self.activeDoc(doc); jd == nil {
		self.sendEvent(errorEvent(event.Type, doc, ErrSessionExpired))
		return
	}
	lockType, err := ParseLockType(event.LockType)
	if err != nil {
		self.sendEvent(errorEvent(event.Type, doc, internalError(err)))
		return
	}
	duration := time.Duration(event.DurationMinutes) * time.Minute
	lock, err := self.gateway.service.Locks().Acquire(self.ctx, doc, self.userId, lockType, event.LockedElements, duration)
	if err != nil {
		self.sendEvent(errorEvent(event.Type, doc, err))
		return
	}
	self.sendEvent(&ServerEvent{
		Type:         ServerEventLockGranted,
		DocumentId:   doc.DocumentId,
		DocumentType: doc.DocumentType,
		Lock:         lock,
	})
}

func (self *gatewayConn) unlockRequest(event *ClientEvent) {
	doc := event.Doc()
	if err := self.gateway.service.Locks().Release(self.ctx, doc, self.userId); err != nil {
		self.sendEvent(errorEvent(event.Type, doc, err))
		return
	}
	self.sendEvent(&ServerEvent{
		Type:         ServerEventUnlockOk,
		DocumentId:   doc.DocumentId,
		DocumentType: doc.DocumentType,
	})
}

func (self *gatewayConn) getActiveUsers(event *ClientEvent) {
	docs := []DocRef{}
	if event.DocumentId != "" {
		docs = append(docs, event.Doc())
	} else {
		self.mutex.Lock()
		docs = maps.Keys(self.joined)
		self.mutex.Unlock()
	}

	for _, doc := range docs {
		sessions, err := self.gateway.service.Sessions().ListActive(self.ctx, self.userId, doc)
		if err != nil {
			self.sendEvent(errorEvent(event.Type, doc, err))
			continue
		}
		self.sendEvent(&ServerEvent{
			Type:         ServerEventActiveUsers,
			DocumentId:   doc.DocumentId,
			DocumentType: doc.DocumentType,
			Sessions:     sessions,
		})
	}
}

// fan a broadcast event to this connection, unless this connection's
// session originated it
func (self *gatewayConn) deliver(doc DocRef, event *Event) {
	jd := self.joinedDoc(doc)
	if jd == nil {
		return
	}
	if !event.SessionToken.IsZero() && event.SessionToken == jd.sessionToken {
		return
	}
	eventJson, err := json.Marshal(event)
	if err != nil {
		return
	}
	self.sendFrame(eventJson, event.Type)
}

// every session owned by the connection is left, as if the client had
// sent leave_document for each
func (self *gatewayConn) disconnect() {
	self.mutex.Lock()
	joined := self.joined
	self.joined = map[DocRef]*joinedDocument{}
	self.mutex.Unlock()

	self.state = connectionStateDisconnected

	for doc, jd := range joined {
		jd.unsub()
		// the connection context is already canceled
		if err := self.gateway.service.Sessions().Leave(self.gateway.ctx, jd.sessionToken); err != nil {
			glog.Infof("[gw]%s leave %s = %s\n", self.connectionId, doc, err)
		}
	}
	glog.V(1).Infof("[gw]%s disconnected\n", self.connectionId)
}
