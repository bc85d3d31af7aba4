// Package profile resolves named audio profiles to concrete codecs for the
// three legs of a call: ingress (from the caller), provider-facing (to the
// upstream AI), and egress (back to the caller).
//
// A profile is a value, not a service. The [Registry] is built once at
// startup from configuration and is immutable afterwards, so lookups are
// safe for concurrent use without locking. A resolution failure is fatal for
// the call that triggered it; profiles never change mid-call.
package profile

import (
	"errors"
	"fmt"

	"github.com/varnalab/ariadne/pkg/audio"
)

// ErrNotFound is returned when no profile matches the requested name and no
// default is configured.
var ErrNotFound = errors.New("profile: not found")

// Profile names the codec triple for one call.
type Profile struct {
	// Name is the profile's configuration key, referenced by the
	// AI_AUDIO_PROFILE channel variable.
	Name string

	// Ingress is the codec frames arrive in from the transport.
	Ingress audio.Codec

	// Provider is the codec the provider adapter negotiates for caller audio.
	Provider audio.Codec

	// Egress is the codec frames are written back to the transport in.
	Egress audio.Codec
}

// Validate checks all three legs against the codec kit's supported set.
func (p Profile) Validate() error {
	if p.Name == "" {
		return errors.New("profile: name must not be empty")
	}
	var errs []error
	if err := p.Ingress.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("profile %q ingress: %w", p.Name, err))
	}
	if err := p.Provider.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("profile %q provider: %w", p.Name, err))
	}
	if err := p.Egress.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("profile %q egress: %w", p.Name, err))
	}
	return errors.Join(errs...)
}

// Registry holds the validated profile set. Immutable after construction.
type Registry struct {
	profiles    map[string]Profile
	defaultName string
}

// NewRegistry validates each profile and builds a registry. defaultName
// selects the profile used when a call names none; it must exist in the set.
// Duplicate names are rejected.
func NewRegistry(profiles []Profile, defaultName string) (*Registry, error) {
	m := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m[p.Name]; dup {
			return nil, fmt.Errorf("profile: duplicate name %q", p.Name)
		}
		m[p.Name] = p
	}
	if defaultName != "" {
		if _, ok := m[defaultName]; !ok {
			return nil, fmt.Errorf("profile: default %q not defined", defaultName)
		}
	}
	return &Registry{profiles: m, defaultName: defaultName}, nil
}

// Resolve returns the profile for name, or the default profile when name is
// empty. Returns [ErrNotFound] when neither resolves.
func (r *Registry) Resolve(name string) (Profile, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return p, nil
}

// Names returns the sorted-insertion set of profile names, primarily for
// startup logging and validation messages.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	return names
}
