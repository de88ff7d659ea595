// Package validator normalizes recipient addresses and pre-checks them
// against the channel before a send is attempted.
package validator

import (
	"context"
	"errors"
	"strings"

	"github.com/lalithlochan/herald/internal/transport"
)

// Reason explains a validation outcome.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonMissing       Reason = "missing"
	ReasonTooShort      Reason = "too_short"
	ReasonInvalidFormat Reason = "invalid_format"
	ReasonNotRegistered Reason = "not_registered"
	ReasonCheckFailed   Reason = "check_failed"
)

const (
	minDigits = 10
	maxDigits = 12
)

// Result is the outcome of validating one address.
type Result struct {
	Valid     bool   `json:"valid"`
	Canonical string `json:"canonical,omitempty"`
	Reason    Reason `json:"reason,omitempty"`
}

// Unreachable reports whether the address is well-formed but not
// registered on the channel.
func (r Result) Unreachable() bool {
	return r.Reason == ReasonNotRegistered
}

// Checker is the registration-check capability of a channel.
type Checker interface {
	IsRegistered(ctx context.Context, channelID, address string) (bool, error)
}

// Config holds the numbering rules.
type Config struct {
	// DefaultCountryCode is prepended to 10-digit local numbers.
	DefaultCountryCode string

	// ReservedPrefix makes 11-digit numbers starting with it ambiguous.
	ReservedPrefix string
}

// Validator applies the numbering rules.
type Validator struct {
	cfg Config
}

// New creates a validator. Empty fields default to "91".
func New(cfg Config) *Validator {
	if cfg.DefaultCountryCode == "" {
		cfg.DefaultCountryCode = "91"
	}
	if cfg.ReservedPrefix == "" {
		cfg.ReservedPrefix = "91"
	}
	return &Validator{cfg: cfg}
}

// Normalize applies the format rules only.
func (v *Validator) Normalize(raw string) Result {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Result{Reason: ReasonMissing}
	}

	digits := digitsOnly(raw)
	if len(digits) < minDigits {
		return Result{Reason: ReasonTooShort}
	}
	if len(digits) == 11 && strings.HasPrefix(digits, v.cfg.ReservedPrefix) {
		return Result{Reason: ReasonInvalidFormat}
	}

	digits = strings.TrimPrefix(digits, "0")
	if len(digits) < minDigits || len(digits) > maxDigits {
		return Result{Reason: ReasonInvalidFormat}
	}
	if len(digits) == minDigits {
		digits = v.cfg.DefaultCountryCode + digits
	}
	return Result{Valid: true, Canonical: digits}
}

// Validate normalizes raw and, when checker is non-nil, asks the channel
// whether the canonical address is registered. A failed lookup leaves the
// address sendable with ReasonCheckFailed.
func (v *Validator) Validate(ctx context.Context, raw, channelID string, checker Checker) Result {
	res := v.Normalize(raw)
	if !res.Valid || checker == nil {
		return res
	}

	registered, err := checker.IsRegistered(ctx, channelID, res.Canonical)
	switch {
	case errors.Is(err, transport.ErrUnsupported):
		return res
	case err != nil:
		res.Reason = ReasonCheckFailed
		return res
	case !registered:
		return Result{Canonical: res.Canonical, Reason: ReasonNotRegistered}
	}
	return res
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
