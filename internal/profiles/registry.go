// Package profiles resolves which prompts and trigger thresholds drive a
// scenario. Built-in profiles ship with the service; custom profiles live in
// the store and shadow the built-in once activated.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/cache"
	"github.com/jddunn/safeos/pkg/logging"
)

// Store is the slice of the persistence layer the registry needs.
type Store interface {
	ActiveProfile(ctx context.Context, scenario models.Scenario) (*models.Profile, error)
	CreateProfile(ctx context.Context, profile *models.Profile) error
	ListProfiles(ctx context.Context) ([]models.Profile, error)
	DeleteProfile(ctx context.Context, id string) error
	ActivateProfile(ctx context.Context, id string) (*models.Profile, error)
}

// Registry answers scenario→profile lookups on the frame hot path. Lookups
// are cached with a short TTL; mutations purge the cache.
type Registry struct {
	store    Store
	cache    *cache.Cache
	logger   logging.Logger
	builtins map[models.Scenario]*models.Profile
}

const lookupTTL = 30 * time.Second

func NewRegistry(store Store, logger logging.Logger) *Registry {
	return &Registry{
		store: store,
		cache: cache.New(cache.Options{
			TTL:         lookupTTL,
			NegativeTTL: lookupTTL,
			MaxEntries:  16,
		}),
		logger:   logger,
		builtins: builtinProfiles(),
	}
}

func builtinProfiles() map[models.Scenario]*models.Profile {
	return map[models.Scenario]*models.Profile{
		models.ScenarioPet: {
			ID:              "builtin-pet",
			Scenario:        models.ScenarioPet,
			Name:            "Pet monitoring",
			TriagePrompt:    petTriagePrompt,
			DetailedPrompt:  petDetailedPrompt,
			MotionThreshold: 0.40,
			AudioThreshold:  0.50,
			Active:          true,
			BuiltIn:         true,
		},
		models.ScenarioBaby: {
			ID:              "builtin-baby",
			Scenario:        models.ScenarioBaby,
			Name:            "Baby monitoring",
			TriagePrompt:    babyTriagePrompt,
			DetailedPrompt:  babyDetailedPrompt,
			MotionThreshold: 0.15,
			AudioThreshold:  0.25,
			Active:          true,
			BuiltIn:         true,
		},
		models.ScenarioElderly: {
			ID:              "builtin-elderly",
			Scenario:        models.ScenarioElderly,
			Name:            "Elderly care",
			TriagePrompt:    elderlyTriagePrompt,
			DetailedPrompt:  elderlyDetailedPrompt,
			MotionThreshold: 0.25,
			AudioThreshold:  0.35,
			Active:          true,
			BuiltIn:         true,
		},
	}
}

// Builtin returns the shipped profile for a scenario.
func (r *Registry) Builtin(scenario models.Scenario) *models.Profile {
	return r.builtins[scenario]
}

// Lookup returns the profile driving a scenario: the active custom profile
// when one exists, the built-in otherwise. Store failures fall back to the
// built-in so analysis never stalls on a profile lookup.
func (r *Registry) Lookup(ctx context.Context, scenario models.Scenario) *models.Profile {
	val, ok, err := r.cache.Get(ctx, string(scenario), r.load)
	if err != nil {
		r.logger.WithFields(logging.Fields{
			"scenario": scenario,
			"error":    err.Error(),
		}).Warn("Profile lookup failed, using built-in")
	}
	if ok {
		return val.(*models.Profile)
	}
	return r.Builtin(scenario)
}

func (r *Registry) load(ctx context.Context, key string) (interface{}, bool, error) {
	profile, err := r.store.ActiveProfile(ctx, models.Scenario(key))
	if errors.Is(err, models.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return profile, true, nil
}

// Create validates and persists a custom profile. New profiles start
// inactive; Activate switches a scenario over to one.
func (r *Registry) Create(ctx context.Context, profile *models.Profile) error {
	if err := validateProfile(profile); err != nil {
		return err
	}
	return r.store.CreateProfile(ctx, profile)
}

// List returns the built-in profiles followed by all custom profiles.
func (r *Registry) List(ctx context.Context) ([]models.Profile, error) {
	custom, err := r.store.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Profile, 0, len(r.builtins)+len(custom))
	for _, scenario := range []models.Scenario{models.ScenarioPet, models.ScenarioBaby, models.ScenarioElderly} {
		builtin := *r.builtins[scenario]
		// The built-in only presents as active while no custom profile
		// shadows it.
		for _, p := range custom {
			if p.Scenario == scenario && p.Active {
				builtin.Active = false
				break
			}
		}
		out = append(out, builtin)
	}
	return append(out, custom...), nil
}

// Delete removes a custom profile and invalidates cached lookups.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteProfile(ctx, id); err != nil {
		return err
	}
	r.cache.Purge()
	return nil
}

// Activate makes one custom profile the active profile for its scenario and
// invalidates cached lookups.
func (r *Registry) Activate(ctx context.Context, id string) (*models.Profile, error) {
	profile, err := r.store.ActivateProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Purge()
	return profile, nil
}

func validateProfile(profile *models.Profile) error {
	if !profile.Scenario.Valid() {
		return fmt.Errorf("scenario %q: %w", profile.Scenario, models.ErrInvalidInput)
	}
	if profile.Name == "" {
		return fmt.Errorf("profile name required: %w", models.ErrInvalidInput)
	}
	if profile.TriagePrompt == "" || profile.DetailedPrompt == "" {
		return fmt.Errorf("both prompts required: %w", models.ErrInvalidInput)
	}
	if profile.MotionThreshold < 0 || profile.MotionThreshold > 1 {
		return fmt.Errorf("motion threshold %v outside [0,1]: %w", profile.MotionThreshold, models.ErrInvalidInput)
	}
	if profile.AudioThreshold < 0 || profile.AudioThreshold > 1 {
		return fmt.Errorf("audio threshold %v outside [0,1]: %w", profile.AudioThreshold, models.ErrInvalidInput)
	}
	return nil
}

// EffectiveThresholds resolves the motion/audio trigger thresholds for one
// stream: the profile's values unless the stream's preferences override them.
func EffectiveThresholds(profile *models.Profile, prefs *models.StreamPreferences) (motion, audio float64) {
	motion, audio = profile.MotionThreshold, profile.AudioThreshold
	if prefs == nil {
		return motion, audio
	}
	if prefs.MotionSensitivity != nil {
		motion = *prefs.MotionSensitivity
	}
	if prefs.AudioSensitivity != nil {
		audio = *prefs.AudioSensitivity
	}
	return motion, audio
}
