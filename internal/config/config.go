// Package config provides the Viper-backed configuration store.
package config

import (
	"strings"
	"sync"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Store wraps a Viper instance and exposes section/key lookups. Viper is
// not safe for concurrent use, so every access after Load goes through mu:
// lookups take the read lock, Set and Reload the write lock.
type Store struct {
	mu sync.RWMutex
	v  *viper.Viper
}

// New creates a Store backed by the given Viper instance.
func New(v *viper.Viper) *Store {
	if v == nil {
		v = viper.New()
	}
	return &Store{v: v}
}

// GetValue returns the value of key in section, or def when the key is
// missing or blank.
func (s *Store) GetValue(section, key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getValue(section, key, def)
}

func (s *Store) getValue(section, key, def string) string {
	value := strings.TrimSpace(cast.ToString(s.v.Get(section + "." + key)))
	if value == "" {
		return def
	}
	return value
}

// IsSet reports whether key in section has a value from any source.
func (s *Store) IsSet(section, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.IsSet(section + "." + key)
}

// Set overrides key in section, e.g. from a CLI flag.
func (s *Store) Set(section, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(section+"."+key, value)
}

// UnmarshalKey decodes a whole section into out using mapstructure tags.
func (s *Store) UnmarshalKey(section string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.UnmarshalKey(section, out)
}

// ConfigFile returns the path of the loaded config file, or "" when
// running on defaults and environment only.
func (s *Store) ConfigFile() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.ConfigFileUsed()
}

// Viper returns the underlying Viper instance. It is meant for startup
// code that runs before any reload can happen, such as building the logger.
func (s *Store) Viper() *viper.Viper {
	return s.v
}
