package ratelimit

import (
	"fmt"
	"time"
)

// Preset names for common route classes
const (
	PresetAuth     = "auth"
	PresetMutation = "mutation"
	PresetSearch   = "search"
	PresetDefault  = "default"
)

// presets maps route classes to their limits. Auth endpoints get a small
// fixed-window quota with a block penalty for brute-force protection;
// everything else uses the sliding counter.
var presets = map[string]Config{
	PresetAuth: {
		WindowMs:      15 * 60 * 1000,
		MaxRequests:   5,
		Algorithm:     AlgorithmFixedWindow,
		KeyPrefix:     "cachemesh:rl:auth",
		BlockDuration: 30 * time.Minute,
	},
	PresetMutation: {
		WindowMs:    60_000,
		MaxRequests: 30,
		Algorithm:   AlgorithmSlidingCounter,
		KeyPrefix:   "cachemesh:rl:mutation",
	},
	PresetSearch: {
		WindowMs:    60_000,
		MaxRequests: 60,
		Algorithm:   AlgorithmSlidingCounter,
		KeyPrefix:   "cachemesh:rl:search",
	},
	PresetDefault: {
		WindowMs:    60_000,
		MaxRequests: 100,
		Algorithm:   AlgorithmSlidingCounter,
		KeyPrefix:   "cachemesh:rl:default",
	},
}

// Preset returns the named limit configuration
func Preset(name string) (Config, error) {
	cfg, ok := presets[name]
	if !ok {
		return Config{}, fmt.Errorf("unknown rate limit preset %q", name)
	}
	return cfg, nil
}

// Presets returns the names of all registered presets
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}
