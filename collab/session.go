package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang/glog"
)

// tracks which users are live on which document. the session record is
// authoritative in the shared store with a liveness-window ttl, so a
// process crash never leaves a session behind longer than the window.
// the per-document member set is an index over the records; the sweep
// reconciles it and publishes user_left for sessions that expired
// without a clean leave.

type Session struct {
	SessionToken    Id              `json:"session_token"`
	UserId          Id              `json:"user_id"`
	DocumentId      string          `json:"document_id"`
	DocumentType    string          `json:"document_type"`
	GrantedRole     Role            `json:"granted_role"`
	CursorPosition  json.RawMessage `json:"cursor_position,omitempty"`
	SelectionRange  json.RawMessage `json:"selection_range,omitempty"`
	JoinedAt        time.Time       `json:"joined_at"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at"`
}

func (self *Session) Doc() DocRef {
	return NewDocRef(self.DocumentId, self.DocumentType)
}

type SessionRegistrySettings struct {
	HeartbeatInterval        time.Duration
	MissedHeartbeatTolerance int
	SweepInterval            time.Duration
}

func DefaultSessionRegistrySettings() *SessionRegistrySettings {
	return &SessionRegistrySettings{
		HeartbeatInterval:        10 * time.Second,
		MissedHeartbeatTolerance: 3,
		SweepInterval:            15 * time.Second,
	}
}

func (self *SessionRegistrySettings) LivenessWindow() time.Duration {
	return self.HeartbeatInterval * time.Duration(self.MissedHeartbeatTolerance)
}

type SessionRegistry struct {
	ctx context.Context

	store     Store
	broadcast Broadcast
	gate      *PermissionGate

	settings *SessionRegistrySettings
}

func NewSessionRegistry(
	ctx context.Context,
	store Store,
	broadcast Broadcast,
	gate *PermissionGate,
	settings *SessionRegistrySettings,
) *SessionRegistry {
	return &SessionRegistry{
		ctx:       ctx,
		store:     store,
		broadcast: broadcast,
		gate:      gate,
		settings:  settings,
	}
}

func sessionKey(sessionToken Id) string {
	return fmt.Sprintf("session:%s", sessionToken)
}

func documentSessionsKey(doc DocRef) string {
	return fmt.Sprintf("sessions:%s", doc)
}

const documentsKey = "documents"

func sessionMember(sessionToken Id, userId Id) string {
	return fmt.Sprintf("%s|%s", sessionToken, userId)
}

func parseSessionMember(member string) (sessionToken Id, userId Id, err error) {
	parts := strings.SplitN(member, "|", 2)
	if len(parts) != 2 {
		err = fmt.Errorf("bad session member: %s", member)
		return
	}
	sessionToken, err = ParseId(parts[0])
	if err != nil {
		return
	}
	userId, err = ParseId(parts[1])
	return
}

func parseDocMember(member string) (DocRef, error) {
	parts := strings.SplitN(member, ":", 2)
	if len(parts) != 2 {
		return DocRef{}, fmt.Errorf("bad document member: %s", member)
	}
	return DocRef{
		DocumentType: parts[0],
		DocumentId:   parts[1],
	}, nil
}

// requires view permission, or the requested action when one is asked for
func (self *SessionRegistry) Join(ctx context.Context, userId Id, doc DocRef, requestedAction Action) (*Session, error) {
	action := ActionView
	if action < requestedAction {
		action = requestedAction
	}
	decision, err := self.gate.Authorize(ctx, userId, doc, action)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &Session{
		SessionToken:    NewId(),
		UserId:          userId,
		DocumentId:      doc.DocumentId,
		DocumentType:    doc.DocumentType,
		GrantedRole:     decision.Role,
		JoinedAt:        now,
		LastHeartbeatAt: now,
	}
	sessionJson, err := json.Marshal(session)
	if err != nil {
		return nil, internalError(err)
	}

	if err := self.store.Put(ctx, sessionKey(session.SessionToken), sessionJson, self.settings.LivenessWindow()); err != nil {
		return nil, internalError(err)
	}
	if err := self.store.SetAdd(ctx, documentSessionsKey(doc), sessionMember(session.SessionToken, userId)); err != nil {
		return nil, internalError(err)
	}
	if err := self.store.SetAdd(ctx, documentsKey, doc.String()); err != nil {
		return nil, internalError(err)
	}

	publish(ctx, self.broadcast, doc, NewEvent(EventUserJoined, doc, userId, session.SessionToken, map[string]any{
		"granted_role": decision.Role,
	}))
	glog.V(1).Infof("[sess]join %s %s\n", userId, doc)
	return session, nil
}

// idempotent. a session that is already gone is a no-op, not an error.
// the record is captured and deleted in one atomic update so two racing
// leaves publish exactly one user_left
func (self *SessionRegistry) Leave(ctx context.Context, sessionToken Id) error {
	var session *Session
	err := self.store.Update(ctx, sessionKey(sessionToken), NoTtl, func(value []byte) ([]byte, error) {
		session = nil
		if value == nil {
			return nil, nil
		}
		session = &Session{}
		if err := json.Unmarshal(value, session); err != nil {
			return nil, internalError(err)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	if session == nil {
		// already gone. the sweep reconciles the member set
		return nil
	}
	doc := session.Doc()
	if err := self.store.SetRemove(ctx, documentSessionsKey(doc), sessionMember(sessionToken, session.UserId)); err != nil {
		return internalError(err)
	}

	publish(ctx, self.broadcast, doc, NewEvent(EventUserLeft, doc, session.UserId, sessionToken, nil))
	glog.V(1).Infof("[sess]leave %s %s\n", session.UserId, doc)
	return nil
}

// refreshes the liveness window. position and range are optional and
// are persisted and broadcast when present
func (self *SessionRegistry) Heartbeat(
	ctx context.Context,
	sessionToken Id,
	cursorPosition json.RawMessage,
	selectionRange json.RawMessage,
) (*Session, error) {
	var session *Session
	err := self.store.Update(ctx, sessionKey(sessionToken), self.settings.LivenessWindow(), func(value []byte) ([]byte, error) {
		if value == nil {
			return nil, ErrSessionExpired
		}
		session = &Session{}
		if err := json.Unmarshal(value, session); err != nil {
			return nil, internalError(err)
		}
		session.LastHeartbeatAt = time.Now().UTC()
		if cursorPosition != nil {
			session.CursorPosition = cursorPosition
		}
		if selectionRange != nil {
			session.SelectionRange = selectionRange
		}
		return json.Marshal(session)
	})
	if err != nil {
		return nil, err
	}

	doc := session.Doc()
	if cursorPosition != nil {
		publish(ctx, self.broadcast, doc, NewEvent(EventCursorUpdate, doc, session.UserId, sessionToken, map[string]any{
			"cursor_position": cursorPosition,
		}))
	}
	if selectionRange != nil {
		publish(ctx, self.broadcast, doc, NewEvent(EventSelectionUpdate, doc, session.UserId, sessionToken, map[string]any{
			"selection_range": selectionRange,
		}))
	}
	return session, nil
}

// broadcast only, no persistence
func (self *SessionRegistry) CursorUpdate(ctx context.Context, sessionToken Id, cursorPosition json.RawMessage) error {
	session, err := self.Get(ctx, sessionToken)
	if err != nil {
		return err
	}
	doc := session.Doc()
	publish(ctx, self.broadcast, doc, NewEvent(EventCursorUpdate, doc, session.UserId, sessionToken, map[string]any{
		"cursor_position": cursorPosition,
	}))
	return nil
}

// broadcast only, no persistence
func (self *SessionRegistry) SelectionUpdate(ctx context.Context, sessionToken Id, selectionRange json.RawMessage) error {
	session, err := self.Get(ctx, sessionToken)
	if err != nil {
		return err
	}
	doc := session.Doc()
	publish(ctx, self.broadcast, doc, NewEvent(EventSelectionUpdate, doc, session.UserId, sessionToken, map[string]any{
		"selection_range": selectionRange,
	}))
	return nil
}

func (self *SessionRegistry) Get(ctx context.Context, sessionToken Id) (*Session, error) {
	sessionJson, ok, err := self.store.Get(ctx, sessionKey(sessionToken))
	if err != nil {
		return nil, internalError(err)
	}
	if !ok {
		return nil, ErrSessionExpired
	}
	session := &Session{}
	if err := json.Unmarshal(sessionJson, session); err != nil {
		return nil, internalError(err)
	}
	return session, nil
}

// requires view permission
func (self *SessionRegistry) ListActive(ctx context.Context, userId Id, doc DocRef) ([]*Session, error) {
	if _, err := self.gate.Authorize(ctx, userId, doc, ActionView); err != nil {
		return nil, err
	}

	members, err := self.store.SetMembers(ctx, documentSessionsKey(doc))
	if err != nil {
		return nil, internalError(err)
	}

	sessions := []*Session{}
	for _, member := range members {
		sessionToken, _, err := parseSessionMember(member)
		if err != nil {
			continue
		}
		sessionJson, ok, err := self.store.Get(ctx, sessionKey(sessionToken))
		if err != nil {
			return nil, internalError(err)
		}
		if !ok {
			// expired without a clean leave, prune lazily
			self.store.SetRemove(ctx, documentSessionsKey(doc), member)
			continue
		}
		session := &Session{}
		if err := json.Unmarshal(sessionJson, session); err != nil {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i int, j int) bool {
		return sessions[i].JoinedAt.Before(sessions[j].JoinedAt)
	})
	return sessions, nil
}

// removes sessions whose heartbeat window elapsed and publishes
// user_left for them, so disconnects without a clean leave are still
// observed within bounded time
func (self *SessionRegistry) Sweep(ctx context.Context) {
	docMembers, err := self.store.SetMembers(ctx, documentsKey)
	if err != nil {
		glog.Infof("[sess]sweep list documents = %s\n", err)
		return
	}

	for _, docMember := range docMembers {
		doc, err := parseDocMember(docMember)
		if err != nil {
			continue
		}
		members, err := self.store.SetMembers(ctx, documentSessionsKey(doc))
		if err != nil {
			glog.Infof("[sess]sweep %s = %s\n", doc, err)
			continue
		}
		for _, member := range members {
			sessionToken, userId, err := parseSessionMember(member)
			if err != nil {
				self.store.SetRemove(ctx, documentSessionsKey(doc), member)
				continue
			}
			_, ok, err := self.store.Get(ctx, sessionKey(sessionToken))
			if err != nil || ok {
				continue
			}
			if err := self.store.SetRemove(ctx, documentSessionsKey(doc), member); err != nil {
				continue
			}
			publish(ctx, self.broadcast, doc, NewEvent(EventUserLeft, doc, userId, sessionToken, map[string]any{
				"reason": "heartbeat_timeout",
			}))
			glog.V(1).Infof("[sess]reap %s %s\n", userId, doc)
		}
	}
}

// whether any session remains on the document. used by the document
// index sweep
func (self *SessionRegistry) anyActive(ctx context.Context, doc DocRef) bool {
	members, err := self.store.SetMembers(ctx, documentSessionsKey(doc))
	if err != nil {
		return true
	}
	return 0 < len(members)
}
