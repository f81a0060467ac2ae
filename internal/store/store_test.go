package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/trymwestin/smartgrade/internal/core/auth"
	"github.com/trymwestin/smartgrade/internal/core/state"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "smartgrade.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	return s
}

func TestCredentialRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.LoadCredential(ctx); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("LoadCredential() on empty store error = %v, want ErrNoCredential", err)
	}

	issued := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	first := auth.Credential{Value: "tok-1", IssuedAt: issued, Lifetime: 30 * 24 * time.Hour, UserID: "u1", DomainID: "d1"}
	if err := s.SaveCredential(ctx, first); err != nil {
		t.Fatalf("SaveCredential() error = %v", err)
	}
	second := auth.Credential{Value: "tok-2", IssuedAt: issued.Add(time.Hour), Lifetime: 7 * 24 * time.Hour}
	if err := s.SaveCredential(ctx, second); err != nil {
		t.Fatalf("SaveCredential() error = %v", err)
	}

	got, err := s.LoadCredential(ctx)
	if err != nil {
		t.Fatalf("LoadCredential() error = %v", err)
	}
	if got.Value != "tok-2" || !got.IssuedAt.Equal(second.IssuedAt) || got.Lifetime != second.Lifetime || got.UserID != "" {
		t.Errorf("LoadCredential() = %+v, want %+v", got, second)
	}
}

func TestSaveEmptyCredentialRejected(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveCredential(context.Background(), auth.Credential{}); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Errorf("SaveCredential(empty) error = %v", err)
	}
}

func TestDeviceRegistry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	devices := []state.Device{
		{ID: "b", Name: "Porch", SwitchCount: 2},
		{ID: "a", MAC: "AA:BB", Name: "Boiler", Type: "water_heater", SiteID: "s1", SiteName: "Home", SwitchCount: 1, SupportsEnergy: true},
	}
	for _, d := range devices {
		if err := s.UpsertDevice(ctx, d); err != nil {
			t.Fatalf("UpsertDevice(%s) error = %v", d.ID, err)
		}
	}
	renamed := devices[0]
	renamed.Name = "Porch light"
	if err := s.UpsertDevice(ctx, renamed); err != nil {
		t.Fatalf("UpsertDevice() error = %v", err)
	}

	got, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(got) != 2 || got[0] != devices[1] || got[1] != renamed {
		t.Fatalf("ListDevices() = %+v", got)
	}

	if err := s.DeleteDevice(ctx, "a"); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if err := s.DeleteDevice(ctx, "missing"); err != nil {
		t.Fatalf("DeleteDevice(missing) error = %v", err)
	}
	got, _ = s.ListDevices(ctx)
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("after delete = %+v", got)
	}

	if err := s.UpsertDevice(ctx, state.Device{}); err == nil {
		t.Error("UpsertDevice(empty id) error = nil")
	}
}

type staticCreds struct {
	cred auth.Credential
	err  error
}

func (c staticCreds) Current() (auth.Credential, error) { return c.cred, c.err }

func TestPersisterMirrorsBus(t *testing.T) {
	s := openTestStore(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := state.NewEventBus(log)
	table := state.NewTable(bus, 3*time.Second, log)

	cred := auth.Credential{Value: "tok", IssuedAt: time.Now().UTC().Truncate(time.Second), Lifetime: 24 * time.Hour}
	p := NewPersister(s, staticCreds{cred: cred}, nil, log)

	events, unsubscribe := bus.Subscribe(64)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx, events)
	}()

	table.Reconcile([]state.Device{{ID: "d1", Name: "One", SwitchCount: 1}, {ID: "d2", Name: "Two", SwitchCount: 1}}, true)
	table.Reconcile([]state.Device{{ID: "d1", Name: "One renamed", SwitchCount: 1}}, true)
	bus.Publish(state.Event{Type: state.EventCredential, Data: auth.Advisory{State: auth.StateValid}})

	// Closing the channel lets Run drain what was queued and return.
	unsubscribe()
	<-done
	cancel()

	got, err := s.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(got) != 1 || got[0].Name != "One renamed" {
		t.Errorf("cached devices = %+v", got)
	}
	saved, err := s.LoadCredential(context.Background())
	if err != nil {
		t.Fatalf("LoadCredential() error = %v", err)
	}
	if saved.Value != "tok" {
		t.Errorf("saved credential = %+v", saved)
	}
}

func TestPersisterIgnoresNonInstallAdvisories(t *testing.T) {
	s := openTestStore(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPersister(s, staticCreds{cred: auth.Credential{Value: "tok"}}, nil, log)

	p.handle(context.Background(), state.Event{Type: state.EventCredential, Data: auth.Advisory{State: auth.StateExpiringSoon}})
	if _, err := s.LoadCredential(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("LoadCredential() error = %v, want ErrNoCredential", err)
	}
}
