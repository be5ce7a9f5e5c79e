// Package gateway implements the code-generation service: an HTTP API that
// holds the TOTP seeds and returns the current code for a label. Seeds never
// leave this process; the bot only ever sees six-to-ten digit codes.
package gateway

import (
	"encoding/base32"
	"fmt"
	"sort"
	"strings"
)

// SeedStore holds the label→seed mapping loaded at startup. It is immutable
// after construction and therefore safe for concurrent reads.
type SeedStore struct {
	seeds map[string]string
}

// NewSeedStore validates and normalizes the configured labels. Seeds are
// uppercased and stripped of spacing so operators can paste them in the
// grouped form authenticator apps display. A seed that does not decode as
// base32 fails construction; a half-configured gateway that answers for some
// labels and 500s for others is worse than one that refuses to start.
func NewSeedStore(labels map[string]string) (*SeedStore, error) {
	seeds := make(map[string]string, len(labels))
	for label, raw := range labels {
		seed := normalizeSeed(raw)
		if seed == "" {
			return nil, fmt.Errorf("label %q: empty seed", label)
		}
		if err := checkBase32(seed); err != nil {
			return nil, fmt.Errorf("label %q: %w", label, err)
		}
		seeds[strings.ToLower(label)] = seed
	}
	return &SeedStore{seeds: seeds}, nil
}

// Lookup returns the seed for a label. Label matching is case-insensitive.
func (s *SeedStore) Lookup(label string) (string, bool) {
	seed, ok := s.seeds[strings.ToLower(label)]
	return seed, ok
}

// Labels returns the known label names, sorted. Seeds are never exposed.
func (s *SeedStore) Labels() []string {
	out := make([]string, 0, len(s.seeds))
	for label := range s.seeds {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of configured labels.
func (s *SeedStore) Len() int { return len(s.seeds) }

// normalizeSeed uppercases a seed and removes the spacing and padding that
// provisioning UIs add for readability.
func normalizeSeed(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.TrimRight(s, "=")
}

// checkBase32 verifies the seed decodes to at least 80 bits of key material.
func checkBase32(seed string) error {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(seed)
	if err != nil {
		return fmt.Errorf("seed is not valid base32: %w", err)
	}
	if len(key) < 10 {
		return fmt.Errorf("seed too short: %d bytes", len(key))
	}
	return nil
}
