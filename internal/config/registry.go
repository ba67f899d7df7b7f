package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/corbettdesign/studiovoice/pkg/audio"
	"github.com/corbettdesign/studiovoice/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Devices is the microphone and speaker pair produced by an audio factory.
type Devices struct {
	Microphone audio.Microphone
	Speaker    audio.Speaker
}

// S2SFactory builds a provider from its config block.
type S2SFactory func(ProviderConfig) (s2s.Provider, error)

// AudioFactory builds the device pair from the audio config block.
type AudioFactory func(AudioConfig) (Devices, error)

// Registry maps provider and device names to their constructors. It is safe
// for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	s2s   map[string]S2SFactory
	audio map[DeviceKind]AudioFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:   make(map[string]S2SFactory),
		audio: make(map[DeviceKind]AudioFactory),
	}
}

// RegisterS2S registers an S2S provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory S2SFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterAudio registers a device factory under kind.
func (r *Registry) RegisterAudio(kind DeviceKind, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[kind] = factory
}

// CreateS2S instantiates the provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateS2S(entry ProviderConfig) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateAudio instantiates the devices registered under cfg.Device.
func (r *Registry) CreateAudio(cfg AudioConfig) (Devices, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return Devices{}, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Device)
	}
	return factory(cfg)
}

// S2SNames returns the registered provider names in sorted order.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.s2s))
	for name := range r.s2s {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
