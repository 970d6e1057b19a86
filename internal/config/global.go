package config

import "sync/atomic"

var cfg atomic.Value

// Init seeds the global config with defaults. It panics if client-ID
// generation fails, since that indicates a broken crypto/rand source this
// process cannot recover from.
func Init() {
	dcfg, err := defaultConfig()
	if err != nil {
		panic("config: failed to build default config: " + err.Error())
	}
	c := dcfg
	cfg.Store(&c)
}

// Load returns the current config. Treat the result as read-only; mutate
// through Update instead.
func Load() *Config {
	v, ok := cfg.Load().(*Config)
	if !ok {
		Init()
		return Load()
	}
	return v
}

// Update applies a mutation to a copy of the current config and swaps it in
// atomically, returning the new value.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}

// Swap replaces the global config atomically with the provided value.
func Swap(next Config) *Config {
	cfg.Store(&next)
	return &next
}
