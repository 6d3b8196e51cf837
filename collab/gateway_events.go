package collab

import (
	"encoding/json"
)

// json frames exchanged with clients over the persistent connection

const (
	ClientEventAuth            = "auth"
	ClientEventJoinDocument    = "join_document"
	ClientEventLeaveDocument   = "leave_document"
	ClientEventHeartbeat       = "heartbeat"
	ClientEventSubmitOperation = "submit_operation"
	ClientEventCursorUpdate    = "cursor_update"
	ClientEventSelectionUpdate = "selection_update"
	ClientEventLockRequest     = "lock_request"
	ClientEventUnlockRequest   = "unlock_request"
	ClientEventGetActiveUsers  = "get_active_users"
)

const (
	ServerEventAuthOk       = "auth_ok"
	ServerEventJoined       = "joined"
	ServerEventLeft         = "left"
	ServerEventHeartbeatOk  = "heartbeat_ok"
	ServerEventOperationAck = "operation_ack"
	ServerEventLockGranted  = "lock_granted"
	ServerEventUnlockOk     = "unlock_ok"
	ServerEventActiveUsers  = "active_users"
	ServerEventError        = "error"
)

type ClientEvent struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	DocumentId   string `json:"document_id,omitempty"`
	DocumentType string `json:"document_type,omitempty"`

	// join_document
	RequestedPermissions string `json:"requested_permissions,omitempty"`

	// submit_operation
	OperationType string          `json:"operation_type,omitempty"`
	OperationData json.RawMessage `json:"operation_data,omitempty"`

	// cursor_update, selection_update, heartbeat
	CursorPosition json.RawMessage `json:"cursor_position,omitempty"`
	SelectionRange json.RawMessage `json:"selection_range,omitempty"`

	// lock_request
	LockType        string   `json:"lock_type,omitempty"`
	LockedElements  []string `json:"locked_elements,omitempty"`
	DurationMinutes int      `json:"duration_minutes,omitempty"`
}

func (self *ClientEvent) Doc() DocRef {
	return NewDocRef(self.DocumentId, self.DocumentType)
}

type ServerEvent struct {
	Type string `json:"type"`

	DocumentId   string `json:"document_id,omitempty"`
	DocumentType string `json:"document_type,omitempty"`

	// auth_ok
	UserId *Id `json:"user_id,omitempty"`

	// joined
	Session *Session `json:"session,omitempty"`

	// operation_ack
	OperationId    *Id   `json:"operation_id,omitempty"`
	SequenceNumber int64 `json:"sequence_number,omitempty"`
	ConflictFlag   bool  `json:"conflict_flag,omitempty"`

	// lock_granted
	Lock *Lock `json:"lock,omitempty"`

	// active_users
	Sessions []*Session `json:"sessions,omitempty"`

	// error. in_reply_to names the client event type that failed
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
	InReplyTo string `json:"in_reply_to,omitempty"`
}

func errorEvent(inReplyTo string, doc DocRef, err error) *ServerEvent {
	return &ServerEvent{
		Type:         ServerEventError,
		DocumentId:   doc.DocumentId,
		DocumentType: doc.DocumentType,
		ErrorKind:    ErrorKind(err),
		Message:      err.Error(),
		InReplyTo:    inReplyTo,
	}
}
