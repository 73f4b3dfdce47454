// Package profile owns the named AutoLoader profiles: validation, the
// persisted profile dictionary, the active profile and YAML import/export.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/iontrap-lab/backend/internal/models"
	"github.com/iontrap-lab/backend/internal/settings"
	"go.uber.org/zap"
)

// DefaultName is the profile created when none are stored.
const DefaultName = "Default"

var (
	ErrNotFound     = errors.New("profile not found")
	ErrExists       = errors.New("profile already exists")
	ErrDeleteActive = errors.New("cannot delete the active profile")
)

// Registry is the set of named profiles. Profiles handed out are copies;
// editing one has no effect until it is saved back.
type Registry struct {
	log   *zap.Logger
	store settings.Store

	mu        sync.RWMutex
	profiles  map[string]*models.Profile
	active    string
	listeners []func(*models.Profile)
}

// NewRegistry loads the profile dictionary and the active profile name from
// store. An empty store is seeded with a default profile.
func NewRegistry(ctx context.Context, logger *zap.Logger, store settings.Store) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		log:      logger.Named("profile"),
		store:    store,
		profiles: make(map[string]*models.Profile),
	}

	var dict map[string]*models.Profile
	err := settings.Load(ctx, store, settings.KeyProfileDict, &dict)
	if err != nil && !errors.Is(err, settings.ErrNotFound) {
		return nil, err
	}
	for name, p := range dict {
		if p == nil {
			continue
		}
		if verr := Validate(p); verr != nil {
			r.log.Warn("dropping invalid stored profile", zap.String("profile", name), zap.Error(verr))
			continue
		}
		p.Name = name
		r.profiles[name] = p
	}

	var active string
	err = settings.Load(ctx, store, settings.KeyProfileName, &active)
	if err != nil && !errors.Is(err, settings.ErrNotFound) {
		return nil, err
	}

	if len(r.profiles) == 0 {
		def := models.DefaultProfile(DefaultName)
		r.profiles[def.Name] = def
		r.log.Info("no stored profiles, created default", zap.String("profile", def.Name))
	}
	if _, ok := r.profiles[active]; !ok {
		active = r.sortedNames()[0]
	}
	r.active = active
	if err := r.persist(ctx, true); err != nil {
		return nil, err
	}
	return r, nil
}

// Names returns the profile names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNames()
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns a copy of the named profile.
func (r *Registry) Get(name string) (*models.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p.Clone(), nil
}

// Active returns a copy of the active profile.
func (r *Registry) Active() *models.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[r.active].Clone()
}

// ActiveName returns the name of the active profile.
func (r *Registry) ActiveName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// OnChange registers fn to receive the active profile whenever it changes,
// either by activation or by saving the active profile.
func (r *Registry) OnChange(fn func(p *models.Profile)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Save validates p and stores a copy under p.Name, replacing any profile of
// that name.
func (r *Registry) Save(ctx context.Context, p *models.Profile) error {
	if err := Validate(p); err != nil {
		return err
	}
	r.mu.Lock()
	r.profiles[p.Name] = p.Clone()
	isActive := p.Name == r.active
	err := r.persist(ctx, isActive)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.log.Info("profile saved", zap.String("profile", p.Name))
	if isActive {
		r.notify(p.Clone())
	}
	return nil
}

// Delete removes a profile. The active profile cannot be deleted.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if name == r.active {
		return fmt.Errorf("%w: %s", ErrDeleteActive, name)
	}
	delete(r.profiles, name)
	r.log.Info("profile deleted", zap.String("profile", name))
	return r.persist(ctx, false)
}

// Rename moves a profile to a new name, following it if it is active.
func (r *Registry) Rename(ctx context.Context, from, to string) error {
	if to == "" {
		return fmt.Errorf("%w: empty name", ErrInvalid)
	}
	r.mu.Lock()
	p, ok := r.profiles[from]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, from)
	}
	if _, taken := r.profiles[to]; taken {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, to)
	}
	renamed := p.Clone()
	renamed.Name = to
	delete(r.profiles, from)
	r.profiles[to] = renamed
	wasActive := r.active == from
	if wasActive {
		r.active = to
	}
	err := r.persist(ctx, wasActive)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if wasActive {
		r.notify(renamed.Clone())
	}
	return nil
}

// Activate makes the named profile the active one and returns a copy.
func (r *Registry) Activate(ctx context.Context, name string) (*models.Profile, error) {
	r.mu.Lock()
	p, ok := r.profiles[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	r.active = name
	err := r.persist(ctx, true)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r.log.Info("profile activated", zap.String("profile", name))
	r.notify(p.Clone())
	return p.Clone(), nil
}

// persist writes the dictionary and, with withActive, the active profile
// and its name. Must be called with r.mu held.
func (r *Registry) persist(ctx context.Context, withActive bool) error {
	if err := settings.Save(ctx, r.store, settings.KeyProfileDict, r.profiles); err != nil {
		return fmt.Errorf("persisting profiles: %w", err)
	}
	if !withActive {
		return nil
	}
	if err := settings.Save(ctx, r.store, settings.KeyProfileName, r.active); err != nil {
		return fmt.Errorf("persisting active profile name: %w", err)
	}
	if err := settings.Save(ctx, r.store, settings.KeyProfile, r.profiles[r.active]); err != nil {
		return fmt.Errorf("persisting active profile: %w", err)
	}
	return nil
}

func (r *Registry) notify(p *models.Profile) {
	r.mu.RLock()
	listeners := append([]func(*models.Profile){}, r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(p)
	}
}
