package handle

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quasar-data/quasar/internal/storage"
	"github.com/quasar-data/quasar/pkg/compression"
	"github.com/quasar-data/quasar/pkg/config"
	"github.com/quasar-data/quasar/pkg/errors"
	"github.com/quasar-data/quasar/pkg/logger"
	"github.com/quasar-data/quasar/pkg/table"
)

// Provider abstracts where handle state lives. The in-memory provider is
// the default: fast, TTL-bounded, lost on restart. The external provider
// trades latency for durability by spilling every handle's payload to the
// state directory, so handles survive process restarts and can be shared
// across replicas pointed at the same directory.
type Provider interface {
	// Put registers tbl and returns its handle ID.
	Put(ctx context.Context, tbl *table.Table) (string, error)

	// Resolve returns the table behind id. The caller owns the returned
	// reference.
	Resolve(ctx context.Context, id string) (*table.Table, error)

	// Drop discards the handle and its payload.
	Drop(ctx context.Context, id string) error

	// Heartbeat refreshes TTLs and reports liveness per ID.
	Heartbeat(ids []string) map[string]bool

	// Count returns the number of live handles.
	Count() int

	// Close releases all handle state.
	Close()
}

// externalPrefix marks handles whose payload lives in the state directory
// rather than process memory. The format is ext:fs:<uuid>.
const externalPrefix = "ext:fs:"

// FromConfig builds the provider selected by cfg.Handles.Store.
func FromConfig(cfg *config.ServerConfig) (Provider, error) {
	switch cfg.Handles.Store {
	case config.HandleStoreMemory:
		mgr := NewManager(
			WithTTL(cfg.Handles.TTL),
			WithSweepInterval(cfg.Handles.SweepInterval),
		)
		return NewMemoryProvider(mgr), nil
	case config.HandleStoreExternal:
		return NewExternalProvider(cfg.Handles.StateDir)
	default:
		return nil, errors.Newf(errors.ErrorTypeInvalidArgument,
			"unknown handle store %q", cfg.Handles.Store)
	}
}

// memoryProvider adapts Manager to the Provider interface.
type memoryProvider struct {
	mgr *Manager
}

// NewMemoryProvider wraps an existing manager.
func NewMemoryProvider(mgr *Manager) Provider {
	return &memoryProvider{mgr: mgr}
}

func (p *memoryProvider) Put(_ context.Context, tbl *table.Table) (string, error) {
	return p.mgr.Create(tbl), nil
}

func (p *memoryProvider) Resolve(_ context.Context, id string) (*table.Table, error) {
	return p.mgr.Get(id)
}

func (p *memoryProvider) Drop(_ context.Context, id string) error {
	return p.mgr.Drop(id)
}

func (p *memoryProvider) Heartbeat(ids []string) map[string]bool {
	return p.mgr.Heartbeat(ids)
}

func (p *memoryProvider) Count() int { return p.mgr.Count() }

func (p *memoryProvider) Close() { p.mgr.Close() }

// Manager exposes the underlying manager for callers that need sweep
// control.
func (p *memoryProvider) Manager() *Manager { return p.mgr }

// externalProvider keeps handle payloads as compressed artifacts in the
// state directory. There is no TTL: external handles live until dropped.
type externalProvider struct {
	store *storage.ColdStore
	log   *zap.Logger
}

// NewExternalProvider opens (creating if needed) the state directory.
func NewExternalProvider(stateDir string) (Provider, error) {
	if stateDir == "" {
		return nil, errors.New(errors.ErrorTypeInvalidArgument,
			"external handle store requires a state directory")
	}
	store, err := storage.NewColdStore(stateDir, compression.DefaultConfig())
	if err != nil {
		return nil, err
	}
	return &externalProvider{
		store: store,
		log:   logger.With(zap.String("component", "external_handles"), zap.String("dir", stateDir)),
	}, nil
}

func (p *externalProvider) Put(ctx context.Context, tbl *table.Table) (string, error) {
	key := uuid.New().String()
	if err := p.store.Store(ctx, key, tbl); err != nil {
		return "", err
	}
	return externalPrefix + key, nil
}

func (p *externalProvider) Resolve(ctx context.Context, id string) (*table.Table, error) {
	key, err := p.key(id)
	if err != nil {
		return nil, err
	}
	return p.store.Load(ctx, key)
}

func (p *externalProvider) Drop(_ context.Context, id string) error {
	key, err := p.key(id)
	if err != nil {
		return err
	}
	if !p.store.Exists(key) {
		return errors.Newf(errors.ErrorTypeNotFound, "handle %s not found", id)
	}
	return p.store.Delete(key)
}

// Heartbeat reports liveness only; external handles carry no TTL to
// refresh.
func (p *externalProvider) Heartbeat(ids []string) map[string]bool {
	alive := make(map[string]bool, len(ids))
	for _, id := range ids {
		key, err := p.key(id)
		alive[id] = err == nil && p.store.Exists(key)
	}
	return alive
}

func (p *externalProvider) Count() int {
	keys, err := p.store.ListKeys()
	if err != nil {
		p.log.Warn("failed to list external handles", zap.Error(err))
		return 0
	}
	return len(keys)
}

// Close is a no-op: external handle state is durable on purpose.
func (p *externalProvider) Close() {}

func (p *externalProvider) key(id string) (string, error) {
	if !strings.HasPrefix(id, externalPrefix) {
		return "", errors.Newf(errors.ErrorTypeInvalidArgument,
			"handle %s is not an external handle", id)
	}
	return strings.TrimPrefix(id, externalPrefix), nil
}
