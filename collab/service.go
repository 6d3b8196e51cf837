package collab

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// aggregates the managers over one shared store and one broadcast
// fabric, and runs the periodic sweeps. a failed sweep pass is logged
// and never prevents the next scheduled pass.

type ServiceSettings struct {
	SessionSettings   *SessionRegistrySettings
	LockSettings      *LockManagerSettings
	OperationSettings *OperationLogSettings
	GateSettings      *PermissionGateSettings

	// prunes the document index once nothing live remains on a document
	DocumentSweepInterval time.Duration
}

func DefaultServiceSettings() *ServiceSettings {
	return &ServiceSettings{
		SessionSettings:       DefaultSessionRegistrySettings(),
		LockSettings:          DefaultLockManagerSettings(),
		OperationSettings:     DefaultOperationLogSettings(),
		GateSettings:          DefaultPermissionGateSettings(),
		DocumentSweepInterval: 5 * time.Minute,
	}
}

type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	store     Store
	broadcast Broadcast

	gate       *PermissionGate
	sessions   *SessionRegistry
	locks      *LockManager
	operations *OperationLog
	conflicts  *ConflictLedger

	settings *ServiceSettings
}

func NewServiceWithDefaults(
	ctx context.Context,
	store Store,
	broadcast Broadcast,
	source AuthorizationSource,
) *Service {
	return NewService(ctx, store, broadcast, source, DefaultServiceSettings())
}

func NewService(
	ctx context.Context,
	store Store,
	broadcast Broadcast,
	source AuthorizationSource,
	settings *ServiceSettings,
) *Service {
	cancelCtx, cancel := context.WithCancel(ctx)

	gate := NewPermissionGate(cancelCtx, source, store, settings.GateSettings)
	sessions := NewSessionRegistry(cancelCtx, store, broadcast, gate, settings.SessionSettings)
	locks := NewLockManager(cancelCtx, store, broadcast, gate, settings.LockSettings)
	conflicts := NewConflictLedger(cancelCtx, store, broadcast, gate)
	operations := NewOperationLog(cancelCtx, store, broadcast, gate, locks, conflicts, settings.OperationSettings)

	service := &Service{
		ctx:        cancelCtx,
		cancel:     cancel,
		store:      store,
		broadcast:  broadcast,
		gate:       gate,
		sessions:   sessions,
		locks:      locks,
		operations: operations,
		conflicts:  conflicts,
		settings:   settings,
	}
	go service.run()
	return service
}

func (self *Service) run() {
	sessionSweep := time.NewTicker(self.settings.SessionSettings.SweepInterval)
	defer sessionSweep.Stop()
	lockSweep := time.NewTicker(self.settings.LockSettings.SweepInterval)
	defer lockSweep.Stop()
	documentSweep := time.NewTicker(self.settings.DocumentSweepInterval)
	defer documentSweep.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-sessionSweep.C:
			HandleError(func() {
				self.sessions.Sweep(self.ctx)
			})
		case <-lockSweep.C:
			HandleError(func() {
				self.locks.Sweep(self.ctx)
			})
		case <-documentSweep.C:
			HandleError(func() {
				self.sweepDocumentIndex()
			})
		}
	}
}

func (self *Service) sweepDocumentIndex() {
	docMembers, err := self.store.SetMembers(self.ctx, documentsKey)
	if err != nil {
		glog.Infof("[svc]sweep list documents = %s\n", err)
		return
	}
	for _, docMember := range docMembers {
		doc, err := parseDocMember(docMember)
		if err != nil {
			self.store.SetRemove(self.ctx, documentsKey, docMember)
			continue
		}
		if !self.sessions.anyActive(self.ctx, doc) && !self.locks.anyActive(self.ctx, doc) {
			self.store.SetRemove(self.ctx, documentsKey, docMember)
		}
	}
}

func (self *Service) Gate() *PermissionGate {
	return self.gate
}

func (self *Service) Sessions() *SessionRegistry {
	return self.sessions
}

func (self *Service) Locks() *LockManager {
	return self.locks
}

func (self *Service) Operations() *OperationLog {
	return self.operations
}

func (self *Service) Conflicts() *ConflictLedger {
	return self.conflicts
}

func (self *Service) Broadcast() Broadcast {
	return self.broadcast
}

func (self *Service) Store() Store {
	return self.store
}

func (self *Service) Close() {
	self.cancel()
}
