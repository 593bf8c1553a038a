package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TokenCount is a number of language-model tokens.
type TokenCount uint64

// Add returns the sum of two token counts.
func (c TokenCount) Add(other TokenCount) TokenCount { return c + other }

// IsZero reports whether no tokens were counted.
func (c TokenCount) IsZero() bool { return c == 0 }

func (c TokenCount) String() string { return strconv.FormatUint(uint64(c), 10) }

// TokenCost is a monetary amount in US dollars. It is always finite and
// non-negative.
type TokenCost struct {
	v float64
}

// NewTokenCost validates a dollar amount.
func NewTokenCost(usd float64) (TokenCost, error) {
	if math.IsNaN(usd) || math.IsInf(usd, 0) || usd < 0 {
		return TokenCost{}, fmt.Errorf("token cost must be finite and non-negative, got %v", usd)
	}
	return TokenCost{v: usd}, nil
}

// MustTokenCost is NewTokenCost for constants; it panics on invalid input.
func MustTokenCost(usd float64) TokenCost {
	c, err := NewTokenCost(usd)
	if err != nil {
		panic(err)
	}
	return c
}

// ZeroCost returns a zero amount.
func ZeroCost() TokenCost { return TokenCost{} }

// Float64 returns the amount in dollars.
func (c TokenCost) Float64() float64 { return c.v }

// IsZero reports whether the amount is zero.
func (c TokenCost) IsZero() bool { return c.v == 0 }

// Add returns the sum of two amounts.
func (c TokenCost) Add(other TokenCost) TokenCost { return TokenCost{v: c.v + other.v} }

func (c TokenCost) String() string { return fmt.Sprintf("$%.6f", c.v) }

// MarshalJSON encodes the amount as a JSON number.
func (c TokenCost) MarshalJSON() ([]byte, error) { return json.Marshal(c.v) }

// UnmarshalJSON decodes and validates a JSON number.
func (c *TokenCost) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	v, err := NewTokenCost(f)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// CostBudget is a spend ceiling in US dollars. It is always finite and
// strictly positive.
type CostBudget struct {
	limit float64
}

// NewCostBudget validates a spend ceiling.
func NewCostBudget(usd float64) (CostBudget, error) {
	if math.IsNaN(usd) || math.IsInf(usd, 0) || usd <= 0 {
		return CostBudget{}, fmt.Errorf("cost budget must be finite and positive, got %v", usd)
	}
	return CostBudget{limit: usd}, nil
}

// MustCostBudget is NewCostBudget for constants; it panics on invalid input.
func MustCostBudget(usd float64) CostBudget {
	b, err := NewCostBudget(usd)
	if err != nil {
		panic(err)
	}
	return b
}

// Float64 returns the limit in dollars.
func (b CostBudget) Float64() float64 { return b.limit }

// IsSet reports whether the budget was constructed with a limit.
func (b CostBudget) IsSet() bool { return b.limit > 0 }

// ExceededBy reports whether accumulated spend has reached the limit.
// Reaching the limit exactly counts as exceeded.
func (b CostBudget) ExceededBy(accumulated TokenCost) bool {
	return accumulated.v >= b.limit
}

// Remaining returns the headroom left before the limit is reached.
func (b CostBudget) Remaining(accumulated TokenCost) TokenCost {
	if accumulated.v >= b.limit {
		return TokenCost{}
	}
	return TokenCost{v: b.limit - accumulated.v}
}

func (b CostBudget) String() string { return fmt.Sprintf("$%.6f", b.limit) }

// MarshalJSON encodes the limit as a JSON number.
func (b CostBudget) MarshalJSON() ([]byte, error) { return json.Marshal(b.limit) }

// UnmarshalJSON decodes and validates a JSON number.
func (b *CostBudget) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	v, err := NewCostBudget(f)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// SatisfactionScore measures how well a change satisfies its scenarios, in [0, 1].
type SatisfactionScore struct{ v float64 }

// AlignmentScore measures how well a change aligns with its specification, in [0, 1].
type AlignmentScore struct{ v float64 }

func unitInterval(kind string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%s must be in [0, 1], got %v", kind, v)
	}
	return nil
}

// NewSatisfactionScore validates a satisfaction score.
func NewSatisfactionScore(v float64) (SatisfactionScore, error) {
	if err := unitInterval("satisfaction score", v); err != nil {
		return SatisfactionScore{}, err
	}
	return SatisfactionScore{v: v}, nil
}

// NewAlignmentScore validates an alignment score.
func NewAlignmentScore(v float64) (AlignmentScore, error) {
	if err := unitInterval("alignment score", v); err != nil {
		return AlignmentScore{}, err
	}
	return AlignmentScore{v: v}, nil
}

// Float64 returns the raw score.
func (s SatisfactionScore) Float64() float64 { return s.v }

// Float64 returns the raw score.
func (s AlignmentScore) Float64() float64 { return s.v }

func (s SatisfactionScore) String() string { return fmt.Sprintf("%.4f", s.v) }
func (s AlignmentScore) String() string    { return fmt.Sprintf("%.4f", s.v) }

// MarshalJSON encodes the score as a JSON number.
func (s SatisfactionScore) MarshalJSON() ([]byte, error) { return json.Marshal(s.v) }

// MarshalJSON encodes the score as a JSON number.
func (s AlignmentScore) MarshalJSON() ([]byte, error) { return json.Marshal(s.v) }

// UnmarshalJSON decodes and validates the score.
func (s *SatisfactionScore) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	v, err := NewSatisfactionScore(f)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// UnmarshalJSON decodes and validates the score.
func (s *AlignmentScore) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	v, err := NewAlignmentScore(f)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// APIVersion is the version of the extension protocol. Additive changes bump
// Minor; breaking changes bump Major.
type APIVersion struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

// ParseAPIVersion parses "major.minor".
func ParseAPIVersion(s string) (APIVersion, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return APIVersion{}, fmt.Errorf("invalid api version %q: expected major.minor", s)
	}
	ma, err := strconv.ParseUint(major, 10, 32)
	if err != nil {
		return APIVersion{}, fmt.Errorf("invalid api version %q: %w", s, err)
	}
	mi, err := strconv.ParseUint(minor, 10, 32)
	if err != nil {
		return APIVersion{}, fmt.Errorf("invalid api version %q: %w", s, err)
	}
	return APIVersion{Major: uint32(ma), Minor: uint32(mi)}, nil
}

// IsCompatibleWith reports whether other can serve a peer speaking v:
// the major versions match and other's minor is at least v's minor.
func (v APIVersion) IsCompatibleWith(other APIVersion) bool {
	return v.Major == other.Major && other.Minor >= v.Minor
}

func (v APIVersion) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// MarshalText encodes the version as "major.minor".
func (v APIVersion) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// UnmarshalText decodes "major.minor".
func (v *APIVersion) UnmarshalText(b []byte) error {
	p, err := ParseAPIVersion(string(b))
	if err != nil {
		return err
	}
	*v = p
	return nil
}

// Timestamp is a UTC wall-clock instant.
type Timestamp struct {
	t time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp { return Timestamp{t: time.Now().UTC()} }

// NewTimestamp converts t to UTC.
func NewTimestamp(t time.Time) Timestamp { return Timestamp{t: t.UTC()} }

// Time returns the underlying UTC time.
func (ts Timestamp) Time() time.Time { return ts.t }

// IsZero reports whether the timestamp is unset.
func (ts Timestamp) IsZero() bool { return ts.t.IsZero() }

func (ts Timestamp) String() string { return ts.t.Format(time.RFC3339Nano) }

// MarshalText encodes the timestamp as RFC 3339.
func (ts Timestamp) MarshalText() ([]byte, error) { return []byte(ts.String()), nil }

// UnmarshalText decodes an RFC 3339 timestamp and normalizes it to UTC.
func (ts *Timestamp) UnmarshalText(b []byte) error {
	t, err := time.Parse(time.RFC3339Nano, string(b))
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", string(b), err)
	}
	ts.t = t.UTC()
	return nil
}
