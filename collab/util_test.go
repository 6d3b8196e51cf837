package collab

import (
	"context"
	"time"
)

func testServiceSettings() *ServiceSettings {
	settings := DefaultServiceSettings()
	// keep the background tickers out of the way; tests drive the
	// sweeps directly
	settings.SessionSettings.SweepInterval = time.Hour
	settings.LockSettings.SweepInterval = time.Hour
	settings.DocumentSweepInterval = time.Hour
	return settings
}

func newTestService(ctx context.Context, defaultRole Role) (*Service, *StaticAuthorizationSource) {
	return newTestServiceWithSettings(ctx, defaultRole, testServiceSettings())
}

func newTestServiceWithSettings(ctx context.Context, defaultRole Role, settings *ServiceSettings) (*Service, *StaticAuthorizationSource) {
	source := NewStaticAuthorizationSource(defaultRole)
	service := NewService(ctx, NewMemoryStore(), NewLocalBroadcast(), source, settings)
	return service, source
}
