package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// implementations of the external authorization query interface. the
// permission system's source of truth lives elsewhere; the engine only
// consumes role_for and, when offered, grant/revoke.

const defaultAuthzTimeout = 10 * time.Second
const defaultAuthzConnectTimeout = 5 * time.Second
const defaultAuthzTlsTimeout = 5 * time.Second

func defaultAuthzClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultAuthzConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultAuthzTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultAuthzTimeout,
	}
}

// queries a remote authorization service over http
type HttpAuthorizationSource struct {
	authzUrl string
	client   *http.Client
}

func NewHttpAuthorizationSource(authzUrl string) *HttpAuthorizationSource {
	return &HttpAuthorizationSource{
		authzUrl: authzUrl,
		client:   defaultAuthzClient(),
	}
}

type roleForResult struct {
	Role Role `json:"role"`
}

func (self *HttpAuthorizationSource) RoleFor(ctx context.Context, userId Id, doc DocRef) (Role, error) {
	query := url.Values{}
	query.Set("user_id", userId.String())
	query.Set("document_id", doc.DocumentId)
	query.Set("document_type", doc.DocumentType)

	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/role?%s", self.authzUrl, query.Encode()), nil)
	if err != nil {
		return RoleNone, err
	}
	res, err := self.client.Do(req)
	if err != nil {
		return RoleNone, err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		result := &roleForResult{}
		if err := json.NewDecoder(res.Body).Decode(result); err != nil {
			return RoleNone, err
		}
		return result.Role, nil
	case http.StatusNotFound:
		return RoleNone, nil
	default:
		return RoleNone, fmt.Errorf("authorization source status %d", res.StatusCode)
	}
}

// in-memory source for tests and single-tenant deployments. grants are
// per (user, document); DefaultRole applies when no grant exists
type StaticAuthorizationSource struct {
	mutex       sync.Mutex
	roles       map[permissionKey]Role
	DefaultRole Role
}

func NewStaticAuthorizationSource(defaultRole Role) *StaticAuthorizationSource {
	return &StaticAuthorizationSource{
		roles:       map[permissionKey]Role{},
		DefaultRole: defaultRole,
	}
}

func (self *StaticAuthorizationSource) RoleFor(ctx context.Context, userId Id, doc DocRef) (Role, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if role, ok := self.roles[permissionKey{userId: userId, doc: doc}]; ok {
		return role, nil
	}
	return self.DefaultRole, nil
}

func (self *StaticAuthorizationSource) Grant(ctx context.Context, userId Id, doc DocRef, role Role) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.roles[permissionKey{userId: userId, doc: doc}] = role
	return nil
}

func (self *StaticAuthorizationSource) Revoke(ctx context.Context, userId Id, doc DocRef) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.roles, permissionKey{userId: userId, doc: doc})
	return nil
}
