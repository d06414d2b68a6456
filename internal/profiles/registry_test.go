package profiles

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/logging"
)

type fakeStore struct {
	active      map[models.Scenario]*models.Profile
	activeErr   error
	activeCalls int
	created     []*models.Profile
	custom      []models.Profile
}

func (f *fakeStore) ActiveProfile(_ context.Context, scenario models.Scenario) (*models.Profile, error) {
	f.activeCalls++
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	if p, ok := f.active[scenario]; ok {
		return p, nil
	}
	return nil, models.ErrNotFound
}

func (f *fakeStore) CreateProfile(_ context.Context, profile *models.Profile) error {
	f.created = append(f.created, profile)
	return nil
}

func (f *fakeStore) ListProfiles(context.Context) ([]models.Profile, error) {
	return f.custom, nil
}

func (f *fakeStore) DeleteProfile(context.Context, string) error { return nil }

func (f *fakeStore) ActivateProfile(_ context.Context, id string) (*models.Profile, error) {
	return &models.Profile{ID: id, Scenario: models.ScenarioPet, Active: true}, nil
}

func TestLookupFallsBackToBuiltin(t *testing.T) {
	registry := NewRegistry(&fakeStore{}, logging.NewTestLogger())

	profile := registry.Lookup(context.Background(), models.ScenarioBaby)
	if profile == nil || !profile.BuiltIn {
		t.Fatalf("expected built-in baby profile, got %+v", profile)
	}
	if profile.Scenario != models.ScenarioBaby {
		t.Fatalf("wrong scenario: %s", profile.Scenario)
	}
	if !strings.Contains(profile.TriagePrompt, "exactly one word") {
		t.Fatalf("triage prompt should demand a one-word answer")
	}
}

func TestLookupPrefersActiveCustomProfile(t *testing.T) {
	custom := &models.Profile{
		ID:              "p1",
		Scenario:        models.ScenarioPet,
		Name:            "Night shift",
		TriagePrompt:    "t",
		DetailedPrompt:  "d",
		MotionThreshold: 0.1,
		AudioThreshold:  0.2,
		Active:          true,
	}
	registry := NewRegistry(&fakeStore{
		active: map[models.Scenario]*models.Profile{models.ScenarioPet: custom},
	}, logging.NewTestLogger())

	profile := registry.Lookup(context.Background(), models.ScenarioPet)
	if profile.ID != "p1" {
		t.Fatalf("expected custom profile, got %+v", profile)
	}
}

func TestLookupCachesMisses(t *testing.T) {
	store := &fakeStore{}
	registry := NewRegistry(store, logging.NewTestLogger())

	registry.Lookup(context.Background(), models.ScenarioElderly)
	registry.Lookup(context.Background(), models.ScenarioElderly)

	if store.activeCalls != 1 {
		t.Fatalf("expected one store call for cached miss, got %d", store.activeCalls)
	}
}

func TestLookupSurvivesStoreFailure(t *testing.T) {
	registry := NewRegistry(&fakeStore{activeErr: errors.New("db down")}, logging.NewTestLogger())

	profile := registry.Lookup(context.Background(), models.ScenarioPet)
	if profile == nil || !profile.BuiltIn {
		t.Fatalf("expected built-in fallback on store failure, got %+v", profile)
	}
}

func TestCreateValidation(t *testing.T) {
	registry := NewRegistry(&fakeStore{}, logging.NewTestLogger())

	cases := []struct {
		name    string
		profile models.Profile
	}{
		{"bad scenario", models.Profile{Scenario: "office", Name: "x", TriagePrompt: "t", DetailedPrompt: "d"}},
		{"missing name", models.Profile{Scenario: models.ScenarioPet, TriagePrompt: "t", DetailedPrompt: "d"}},
		{"missing prompt", models.Profile{Scenario: models.ScenarioPet, Name: "x", TriagePrompt: "t"}},
		{"motion out of range", models.Profile{Scenario: models.ScenarioPet, Name: "x", TriagePrompt: "t", DetailedPrompt: "d", MotionThreshold: 1.5}},
		{"audio out of range", models.Profile{Scenario: models.ScenarioPet, Name: "x", TriagePrompt: "t", DetailedPrompt: "d", AudioThreshold: -0.1}},
	}
	for _, tc := range cases {
		profile := tc.profile
		err := registry.Create(context.Background(), &profile)
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", tc.name, err)
		}
	}

	good := models.Profile{
		Scenario: models.ScenarioBaby, Name: "Quiet hours",
		TriagePrompt: "t", DetailedPrompt: "d",
		MotionThreshold: 0.2, AudioThreshold: 0.3,
	}
	if err := registry.Create(context.Background(), &good); err != nil {
		t.Fatalf("valid profile rejected: %v", err)
	}
}

func TestListMergesBuiltinsAndCustom(t *testing.T) {
	store := &fakeStore{custom: []models.Profile{
		{ID: "p1", Scenario: models.ScenarioPet, Name: "Custom pet", Active: true},
	}}
	registry := NewRegistry(store, logging.NewTestLogger())

	profiles, err := registry.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(profiles) != 4 {
		t.Fatalf("expected 3 built-ins + 1 custom, got %d", len(profiles))
	}
	// The shadowed built-in must not claim to be active.
	for _, p := range profiles {
		if p.BuiltIn && p.Scenario == models.ScenarioPet && p.Active {
			t.Fatalf("shadowed built-in still reports active")
		}
	}
}

func TestActivatePurgesCache(t *testing.T) {
	store := &fakeStore{}
	registry := NewRegistry(store, logging.NewTestLogger())

	registry.Lookup(context.Background(), models.ScenarioPet)
	if _, err := registry.Activate(context.Background(), "p1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	registry.Lookup(context.Background(), models.ScenarioPet)

	if store.activeCalls != 2 {
		t.Fatalf("expected cache purge to force a reload, got %d store calls", store.activeCalls)
	}
}

func TestEffectiveThresholds(t *testing.T) {
	profile := &models.Profile{MotionThreshold: 0.4, AudioThreshold: 0.5}

	motion, audio := EffectiveThresholds(profile, nil)
	if motion != 0.4 || audio != 0.5 {
		t.Fatalf("nil prefs should keep profile values, got %v %v", motion, audio)
	}

	override := 0.1
	motion, audio = EffectiveThresholds(profile, &models.StreamPreferences{MotionSensitivity: &override})
	if motion != 0.1 || audio != 0.5 {
		t.Fatalf("expected motion override only, got %v %v", motion, audio)
	}
}
