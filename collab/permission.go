package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/golang/glog"
)

// answers "can user U do action A on document D" from a short-lived
// cache backed by the external authorization source. the normalized
// role is cached, and the decision per action is derived from it.
//
// fails closed: when the source is unreachable the answer is
// ErrPermissionUnavailable, never a silent allow, and distinct from
// ErrPermissionDenied so callers can tell "no" from "don't know".

type AuthorizationSource interface {
	// RoleNone with a nil error means the user has no role on the document
	RoleFor(ctx context.Context, userId Id, doc DocRef) (Role, error)
}

// optional admin surface of the authorization source
type AuthorizationAdmin interface {
	Grant(ctx context.Context, userId Id, doc DocRef, role Role) error
	Revoke(ctx context.Context, userId Id, doc DocRef) error
}

type Decision struct {
	UserId       Id        `json:"user_id"`
	DocumentId   string    `json:"document_id"`
	DocumentType string    `json:"document_type"`
	Role         Role      `json:"role"`
	Action       Action    `json:"-"`
	ActionScope  string    `json:"action_scope"`
	CachedAt     time.Time `json:"cached_at"`
}

type permissionCacheEntry struct {
	UserId       Id            `json:"user_id"`
	DocumentId   string        `json:"document_id"`
	DocumentType string        `json:"document_type"`
	Role         Role          `json:"role"`
	CachedAt     time.Time     `json:"cached_at"`
	Ttl          time.Duration `json:"ttl"`
}

// comparable
type permissionKey struct {
	userId Id
	doc    DocRef
}

type PermissionGateSettings struct {
	// shared store entry ttl
	CacheTtl time.Duration
	// in-process layer, shorter than CacheTtl
	LocalCacheTtl      time.Duration
	LocalCacheCapacity uint64
}

func DefaultPermissionGateSettings() *PermissionGateSettings {
	return &PermissionGateSettings{
		CacheTtl:           5 * time.Minute,
		LocalCacheTtl:      30 * time.Second,
		LocalCacheCapacity: 10_000,
	}
}

type PermissionGate struct {
	ctx context.Context

	source AuthorizationSource
	store  Store

	cache *ttlcache.Cache[permissionKey, Role]

	settings *PermissionGateSettings
}

func NewPermissionGateWithDefaults(ctx context.Context, source AuthorizationSource, store Store) *PermissionGate {
	return NewPermissionGate(ctx, source, store, DefaultPermissionGateSettings())
}

func NewPermissionGate(ctx context.Context, source AuthorizationSource, store Store, settings *PermissionGateSettings) *PermissionGate {
	// reads must not extend an entry's life, or a hot entry would never
	// re-validate against the source
	cache := ttlcache.New[permissionKey, Role](
		ttlcache.WithTTL[permissionKey, Role](settings.LocalCacheTtl),
		ttlcache.WithCapacity[permissionKey, Role](settings.LocalCacheCapacity),
		ttlcache.WithDisableTouchOnHit[permissionKey, Role](),
	)

	go cache.Start()
	go func() {
		<-ctx.Done()
		cache.Stop()
	}()

	return &PermissionGate{
		ctx:      ctx,
		source:   source,
		store:    store,
		cache:    cache,
		settings: settings,
	}
}

func permissionStoreKey(userId Id, doc DocRef) string {
	return fmt.Sprintf("perm:%s:%s", userId, doc)
}

func (self *PermissionGate) Authorize(ctx context.Context, userId Id, doc DocRef, action Action) (*Decision, error) {
	role, err := self.role(ctx, userId, doc)
	if err != nil {
		return nil, err
	}
	if !role.Allows(action) {
		return nil, fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, doc, action)
	}
	return &Decision{
		UserId:       userId,
		DocumentId:   doc.DocumentId,
		DocumentType: doc.DocumentType,
		Role:         role,
		Action:       action,
		ActionScope:  action.String(),
		CachedAt:     time.Now().UTC(),
	}, nil
}

func (self *PermissionGate) role(ctx context.Context, userId Id, doc DocRef) (Role, error) {
	key := permissionKey{
		userId: userId,
		doc:    doc,
	}
	if item := self.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	// any process can re-validate from the shared cache
	storeKey := permissionStoreKey(userId, doc)
	if entryJson, ok, err := self.store.Get(ctx, storeKey); err == nil && ok {
		entry := &permissionCacheEntry{}
		if err := json.Unmarshal(entryJson, entry); err == nil {
			self.cache.Set(key, entry.Role, self.settings.LocalCacheTtl)
			return entry.Role, nil
		}
	}

	role, err := self.source.RoleFor(ctx, userId, doc)
	if err != nil {
		glog.Infof("[perm]source unavailable %s %s = %s\n", userId, doc, err)
		return RoleNone, fmt.Errorf("%w: %v", ErrPermissionUnavailable, err)
	}

	entry := &permissionCacheEntry{
		UserId:       userId,
		DocumentId:   doc.DocumentId,
		DocumentType: doc.DocumentType,
		Role:         role,
		CachedAt:     time.Now().UTC(),
		Ttl:          self.settings.CacheTtl,
	}
	entryJson, _ := json.Marshal(entry)
	if err := self.store.Put(ctx, storeKey, entryJson, self.settings.CacheTtl); err != nil {
		// cache write failure does not change the decision
		glog.Infof("[perm]cache write %s %s = %s\n", userId, doc, err)
	}
	self.cache.Set(key, role, self.settings.LocalCacheTtl)
	return role, nil
}

func (self *PermissionGate) Source() AuthorizationSource {
	return self.source
}

// drop cached decisions after a grant or revoke
func (self *PermissionGate) Invalidate(ctx context.Context, userId Id, doc DocRef) {
	self.cache.Delete(permissionKey{
		userId: userId,
		doc:    doc,
	})
	self.store.Delete(ctx, permissionStoreKey(userId, doc))
}
