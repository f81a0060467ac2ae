package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/trymwestin/smartgrade/internal/core/auth"
	"github.com/trymwestin/smartgrade/internal/core/state"
)

// CredentialSource provides the credential to save after an install.
type CredentialSource interface {
	Current() (auth.Credential, error)
}

// Persister mirrors registry changes and credential installs from the event
// bus into the store. Switch state is not persisted.
type Persister struct {
	store *Store
	creds CredentialSource
	log   *slog.Logger

	known map[string]state.Device
}

// NewPersister creates a persister. known is the registry as loaded at
// startup, so unchanged devices are not rewritten.
func NewPersister(store *Store, creds CredentialSource, known []state.Device, log *slog.Logger) *Persister {
	p := &Persister{
		store: store,
		creds: creds,
		log:   log,
		known: make(map[string]state.Device, len(known)),
	}
	for _, d := range known {
		p.known[d.ID] = d
	}
	return p
}

// Run consumes events until ctx is done or the channel closes.
func (p *Persister) Run(ctx context.Context, events <-chan state.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			p.handle(ctx, evt)
		}
	}
}

func (p *Persister) handle(ctx context.Context, evt state.Event) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch evt.Type {
	case state.EventDeviceAdded:
		if d, ok := evt.Data.(state.Device); ok {
			p.upsert(ctx, d)
		}
	case state.EventSnapshotUpdated:
		if snap, ok := evt.Data.(state.Snapshot); ok {
			p.upsert(ctx, snap.Device)
		}
	case state.EventDeviceRemoved:
		if err := p.store.DeleteDevice(ctx, evt.DeviceID); err != nil {
			p.log.Warn("failed to delete cached device", "device_id", evt.DeviceID, "error", err)
			return
		}
		delete(p.known, evt.DeviceID)
	case state.EventCredential:
		adv, ok := evt.Data.(auth.Advisory)
		if !ok || adv.State != auth.StateValid {
			return
		}
		cred, err := p.creds.Current()
		if err != nil {
			return
		}
		if err := p.store.SaveCredential(ctx, cred); err != nil {
			p.log.Warn("failed to save credential", "error", err)
			return
		}
		p.log.Debug("credential saved", "expires_at", cred.ExpiresAt())
	}
}

func (p *Persister) upsert(ctx context.Context, d state.Device) {
	if prev, ok := p.known[d.ID]; ok && prev == d {
		return
	}
	if err := p.store.UpsertDevice(ctx, d); err != nil {
		p.log.Warn("failed to cache device", "device_id", d.ID, "error", err)
		return
	}
	p.known[d.ID] = d
}
