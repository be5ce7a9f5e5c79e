package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// ErrUnknownLabel is returned when no seed is configured for a label.
var ErrUnknownLabel = errors.New("unknown label")

// Code is one generated one-time code.
type Code struct {
	Label       string
	Value       string // digits only, leading zeros preserved
	ValidFor    int    // seconds until the current period rolls over
	GeneratedAt time.Time
}

// Generator computes RFC 6238 codes for labels held by a SeedStore. Period
// and digit count are fixed per deployment; every enrolled service uses the
// same parameters.
type Generator struct {
	store  *SeedStore
	period int
	digits int

	// now is a test seam; defaults to time.Now.
	now func() time.Time
}

// NewGenerator builds a Generator over store. period and digits are assumed
// validated by the config layer.
func NewGenerator(store *SeedStore, period, digits int) *Generator {
	return &Generator{
		store:  store,
		period: period,
		digits: digits,
		now:    time.Now,
	}
}

// Current returns the code for label at the current time, along with how
// long it remains valid. ErrUnknownLabel when the label is not enrolled.
func (g *Generator) Current(label string) (Code, error) {
	seed, ok := g.store.Lookup(label)
	if !ok {
		return Code{}, ErrUnknownLabel
	}

	now := g.now().UTC()
	value, err := totp.GenerateCodeCustom(seed, now, totp.ValidateOpts{
		Period:    uint(g.period),
		Digits:    otp.Digits(g.digits),
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return Code{}, fmt.Errorf("generate code for %q: %w", label, err)
	}

	return Code{
		Label:       label,
		Value:       value,
		ValidFor:    g.period - int(now.Unix()%int64(g.period)),
		GeneratedAt: now,
	}, nil
}
