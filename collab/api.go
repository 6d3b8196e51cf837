package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/golang/glog"
)

// request/response surface over the same managers the gateway uses.
// identity comes from a bearer token verified per request; every other
// decision goes through the permission gate.

type Api struct {
	service  *Service
	verifier Verifier
}

func NewApi(service *Service, verifier Verifier) *Api {
	return &Api{
		service:  service,
		verifier: verifier,
	}
}

func (self *Api) AddRoutes(router *mux.Router) {
	router.HandleFunc("/join", self.withUser(self.join)).Methods("POST")
	router.HandleFunc("/leave", self.withUser(self.leave)).Methods("POST")
	router.HandleFunc("/sessions/{document_id}", self.withUser(self.sessions)).Methods("GET")
	router.HandleFunc("/active-users/{document_id}", self.withUser(self.activeUsers)).Methods("GET")
	router.HandleFunc("/heartbeat", self.withUser(self.heartbeat)).Methods("POST")
	router.HandleFunc("/operations", self.withUser(self.submitOperation)).Methods("POST")
	router.HandleFunc("/operations/{document_id}", self.withUser(self.operationHistory)).Methods("GET")
	router.HandleFunc("/cursor-update", self.withUser(self.cursorUpdate)).Methods("POST")
	router.HandleFunc("/selection-update", self.withUser(self.selectionUpdate)).Methods("POST")
	router.HandleFunc("/resolve-conflict", self.withUser(self.resolveConflict)).Methods("POST")
	router.HandleFunc("/conflicts/{document_id}", self.withUser(self.conflicts)).Methods("GET")
	router.HandleFunc("/lock", self.withUser(self.lock)).Methods("POST")
	router.HandleFunc("/unlock", self.withUser(self.unlock)).Methods("POST")
	router.HandleFunc("/locks/{document_id}", self.withUser(self.locks)).Methods("GET")
	router.HandleFunc("/force-unlock", self.withUser(self.forceUnlock)).Methods("POST")
	router.HandleFunc("/permissions/{document_id}", self.withUser(self.permissions)).Methods("GET")
	router.HandleFunc("/grant-permission", self.withUser(self.grantPermission)).Methods("POST")
	router.HandleFunc("/revoke-permission", self.withUser(self.revokePermission)).Methods("POST")
	router.HandleFunc("/statistics/{document_id}", self.withUser(self.statistics)).Methods("GET")
}

type userHandler func(w http.ResponseWriter, r *http.Request, userId Id)

func (self *Api) withUser(handler userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authorization, "Bearer ")
		if !ok {
			writeError(w, ErrUnauthorized)
			return
		}
		userId, err := self.verifier.Verify(token)
		if err != nil {
			writeError(w, ErrUnauthorized)
			return
		}
		handler(w, r, userId)
	}
}

func errorStatus(err error) int {
	switch ErrorKind(err) {
	case "unauthorized":
		return http.StatusUnauthorized
	case "permission_denied":
		return http.StatusForbidden
	case "permission_unavailable":
		return http.StatusServiceUnavailable
	case "session_expired":
		return http.StatusGone
	case "lock_conflict":
		return http.StatusConflict
	case "not_found":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type errorResult struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		glog.Infof("[api]internal error = %s\n", err)
	}
	writeJson(w, status, &errorResult{
		Error:   ErrorKind(err),
		Message: err.Error(),
	})
}

func writeJson(w http.ResponseWriter, status int, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(result)
}

func readJson(w http.ResponseWriter, r *http.Request, args any) bool {
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		writeJson(w, http.StatusBadRequest, &errorResult{
			Error:   "bad_request",
			Message: err.Error(),
		})
		return false
	}
	return true
}

func pathDoc(r *http.Request) DocRef {
	vars := mux.Vars(r)
	return NewDocRef(vars["document_id"], r.URL.Query().Get("document_type"))
}

type JoinArgs struct {
	DocumentId           string `json:"document_id"`
	DocumentType         string `json:"document_type,omitempty"`
	RequestedPermissions string `json:"requested_permissions,omitempty"`
}

type JoinResult struct {
	Session *Session `json:"session"`
}

func (self *Api) join(w http.ResponseWriter, r *http.Request, userId Id) {
	args := &JoinArgs{}
	if !readJson(w, r, args) {
		return
	}
	requestedAction := ActionView
	if args.RequestedPermissions != "" {
		if action, err := ParseAction(args.RequestedPermissions); err == nil {
			requestedAction = action
		}
	}
	session, err := self.service.Sessions().Join(r.Context(), userId, NewDocRef(args.DocumentId, args.DocumentType), requestedAction)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, &JoinResult{
		Session: session,
	})
}

type LeaveArgs struct {
	SessionToken Id `json:"session_token"`
}

func (self *Api) leave(w http.ResponseWriter, r *http.Request, userId Id) {
	args := &LeaveArgs{}
	if !readJson(w, r, args) {
		return
	}
	if err := self.service.Sessions().Leave(r.Context(), args.SessionToken); err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, struct{}{})
}

type SessionsResult struct {
	Sessions []*Session `json:"sessions"`
}

func (self *Api) sessions(w http.ResponseWriter, r *http.Request, userId Id) {
	sessions, err := self.service.Sessions().ListActive(r.Context(), userId, pathDoc(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, &SessionsResult{
		Sessions: sessions,
	})
}

type ActiveUser struct {
	UserId          Id        `json:"user_id"`
	JoinedAt        time.Time `json:"joined_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

type ActiveUsersResult struct {
	Users []*ActiveUser `json:"users"`
}

func (self *Api) activeUsers(w http.ResponseWriter, r *http.Request, userId Id) {
	sessions, err := self.service.Sessions().ListActive(r.Context(), userId, pathDoc(r))
	if err != nil {
		writeError(w, err)
		return
	}
	users := []*ActiveUser{}
	for _, session := range sessions {
		users = append(users, &ActiveUser{
			UserId:          session.UserId,
			JoinedAt:        session.JoinedAt,
			LastHeartbeatAt: session.LastHeartbeatAt,
		})
	}
	writeJson(w, http.StatusOK, &ActiveUsersResult{
		Users: users,
	})
}

type HeartbeatArgs struct {
	SessionToken   Id              `json:"session_token"`
	CursorPosition json.RawMessage `json:"cursor_position,omitempty"`
	SelectionRange json.RawMessage `json:"selection_range,omitempty"`
}

type HeartbeatResult struct {
	Session *Session `json:"session"`
}

func (self *Api) heartbeat(w http.ResponseWriter, r *http.Request, userId Id) {
	args := &HeartbeatArgs{}
	if !readJson(w, r, args) {
		return
	}
	session, err := self.service.Sessions().Heartbeat(r.Context(), args.SessionToken, args.CursorPosition, args.SelectionRange)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, &HeartbeatResult{
		Session: session,
	})
}

type SubmitOperationArgs struct {
	DocumentId    string          `json:"document_id"`
	DocumentType  string          `json:"document_type,omitempty"`
	SessionToken  Id              `json:"session_token,omitempty"`
	OperationType string          `json:"operation_type"`
	OperationData json.RawMessage `json:"operation_data,omitempty"`
}

type SubmitOperationResult struct {
	Operation *Operation `json:"operation"`
}

func (self *Api) submitOperation(w http.ResponseWriter, r *http.Request, userId Id) {
	args := &SubmitOperationArgs{}
	if !readJson(w, r, args) {
		return
	}
	operation, err := self.service.Operations().Submit(
		r.Context(),
		NewDocRef(args.DocumentId, args.DocumentType),
		userId,
		args.SessionToken,
		args.OperationType,
		args.OperationData,
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, &SubmitOperationResult{
		Operation: operation,
	})
}

type OperationHistoryResult struct {
	Operations []*Operation `json:"operations"`
}

func (self *Api) operationHistory(w http.ResponseWriter, r *http.Request, userId Id) {
	sinceSequence, _ := strconv.ParseInt(r.URL.Query().Get("since_sequence"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	operations, err := self.service.Operations().History(r.Context(), userId, pathDoc(r), sinceSequence, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, &OperationHistoryResult{
		Operations: operations,
	})
}

type CursorUpdateArgs struct {
	SessionToken   Id              `json:"session_token"`
	CursorPosition json.RawMessage `json:"cursor_position"`
}

func (self *Api) cursorUpdate(w http.ResponseWriter, r *http.Request, userId Id) {
	args := &CursorUpdateArgs{}
	if !readJson(w, r, args) {
		return
	}
	if err := self.service.Sessions().CursorUpdate(r.Context(), args.SessionToken, args.CursorPosition); err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, struct{}{})
}

type SelectionUpdateArgs struct {
	SessionToken   Id              `json:"session_token"`
	SelectionRange json.RawMessage `json:"selection_range"`
}

func (self *Api) selectionUpdate(w http.ResponseWriter, r *http.Request, userId Id) {
	args := &SelectionUpdateArgs{}
	if !readJson(w, r, args) {
		return
	}
	if err := self.service.Sessions().SelectionUpdate(r.Context(), args.SessionToken, args.SelectionRange); err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, struct{}{})
}

type ResolveConflictArgs struct {
	DocumentId         string `json:"document_id"`
	DocumentType       string `json:"document_type,omitempty"`
	OperationId        Id     `json:"operation_id"`
	ResolutionStrategy string `json:"resolution_strategy"`
}

type ResolveConflictResult struct {
	Conflict *ConflictRecord `json:"conflict"`
}

func (self *Api) resolveConflict(w http.ResponseWriter, r *http.Request, userId Id) {
	args := &ResolveConflictArgs{}
	if !readJson(w, r, args) {
		return
	}
	record, err := self.service.Conflicts().Resolve(
		r.Context(),
		NewDocRef(args.DocumentId, args.DocumentType),
		userId,
		args.OperationId,
		args.ResolutionStrategy,
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, &ResolveConflictResult{
		Conflict: record,
	})
}

type ConflictsResult struct {
	Conflicts []*ConflictRecord `json:"conflicts"`
}

func (self *Api) conflicts(w http.ResponseWriter, r *http.Request, userId Id) {
	records, err := self.service.Conflicts().List(r.Context(), userId, pathDoc(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, &ConflictsResult{
		Conflicts: records,
	})
}

type LockArgs struct {
	DocumentId      string   `json:"document_id"`
	DocumentType    string   `json:"document_type,omitempty"`
	LockType        string   `json:"lock_type"`
	LockedElements  []string `json:"locked_elements,omitempty"`
	DurationMinutes int      `json:"duration_minutes,omitempty"`
}

type LockResult struct {
	Lock *Lock `json:"lock"`
}

func (self *Api) lock(w http.ResponseWriter, r *http.Request, userId Id) {
	args := &LockArgs{}
	if !readJson(w, r, args) {
		return
	}
	lockType, err := ParseLockType(args.LockType)
	if err != nil {
		writeJson(w, http.StatusBadRequest, &errorResult{
			Error:   "bad_request",
			Message: err.Error(),
		})
		return
	}
	lock, err := self.service.Locks().Acquire(
		r.Context(),
		NewDocRef(args.DocumentId, args.DocumentType),
		userId,
		lockType,
		args.LockedElements,
		time.Duration(args.DurationMinutes)*time.Minute,
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, &LockResult{
		Lock: lock,
	})
}

type UnlockArgs struct {
	DocumentId   string `json:"document_id"`
	DocumentType string `json:"document_type,omitempty"`
}

func (self *Api) unlock(w http.ResponseWriter, r *http.Request, userId Id) {
	args := &UnlockArgs{}
	if !readJson(w, r, args) {
		return
	}
	if err := self.service.Locks().Release(r.Context(), NewDocRef(args.DocumentId, args.DocumentType), userId); err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, struct{}{})
}

type LocksResult struct {
	Locks []*Lock `json:"locks"`
}

func (self *Api) locks(w http.ResponseWriter, r *http.Request, userId Id) {
	locks, err := self.service.Locks().List(r.Context(), pathDoc(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, &LocksResult{
		Locks: locks,
	})
}

func (self *Api) forceUnlock(w http.ResponseWriter, r *http.Request, userId Id) {
	args := &UnlockArgs{}
	if !readJson(w, r, args) {
		return
	}
	if err := self.service.Locks().ForceRelease(r.Context(), NewDocRef(args.DocumentId, args.DocumentType), userId); err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, struct{}{})
}

type PermissionsResult struct {
	Decision *Decision `json:"decision"`
}

func (self *Api) permissions(w http.ResponseWriter, r *http.Request, userId Id) {
	decision, err := self.service.Gate().Authorize(r.Context(), userId, pathDoc(r), ActionView)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, &PermissionsResult{
		Decision: decision,
	})
}

type GrantPermissionArgs struct {
	DocumentId   string `json:"document_id"`
	DocumentType string `json:"document_type,omitempty"`
	UserId       Id     `json:"user_id"`
	Role         Role   `json:"role"`
}

func (self *Api) grantPermission(w http.ResponseWriter, r *http.Request, userId Id) {
	args := &GrantPermissionArgs{}
	if !readJson(w, r, args) {
		return
	}
	doc := NewDocRef(args.DocumentId, args.DocumentType)
	if err := self.roleAdmin(r.Context(), userId, doc, func(admin AuthorizationAdmin) error {
		return admin.Grant(r.Context(), args.UserId, doc, args.Role)
	}); err != nil {
		writeError(w, err)
		return
	}
	self.service.Gate().Invalidate(r.Context(), args.UserId, doc)
	writeJson(w, http.StatusOK, struct{}{})
}

type RevokePermissionArgs struct {
	DocumentId   string `json:"document_id"`
	DocumentType string `json:"document_type,omitempty"`
	UserId       Id     `json:"user_id"`
}

func (self *Api) revokePermission(w http.ResponseWriter, r *http.Request, userId Id) {
	args := &RevokePermissionArgs{}
	if !readJson(w, r, args) {
		return
	}
	doc := NewDocRef(args.DocumentId, args.DocumentType)
	if err := self.roleAdmin(r.Context(), userId, doc, func(admin AuthorizationAdmin) error {
		return admin.Revoke(r.Context(), args.UserId, doc)
	}); err != nil {
		writeError(w, err)
		return
	}
	self.service.Gate().Invalidate(r.Context(), args.UserId, doc)
	writeJson(w, http.StatusOK, struct{}{})
}

// grants and revokes proxy to the authorization source when it offers
// an admin surface. the caller must hold admin on the document
func (self *Api) roleAdmin(ctx context.Context, userId Id, doc DocRef, do func(admin AuthorizationAdmin) error) error {
	if _, err := self.service.Gate().Authorize(ctx, userId, doc, ActionAdmin); err != nil {
		return err
	}
	admin, ok := self.service.Gate().Source().(AuthorizationAdmin)
	if !ok {
		return ErrPermissionUnavailable
	}
	return do(admin)
}

type StatisticsResult struct {
	Statistics *DocumentStatistics `json:"statistics"`
}

func (self *Api) statistics(w http.ResponseWriter, r *http.Request, userId Id) {
	statistics, err := self.service.Statistics(r.Context(), userId, pathDoc(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, http.StatusOK, &StatisticsResult{
		Statistics: statistics,
	})
}
