package types

import "time"

// Scope identifies what a calibration factor applies to, e.g. {property, p-17}
type Scope struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

func (s Scope) String() string {
	return s.Type + ":" + s.Key
}

// CalibrationFactor is a stored multiplicative correction. Factors are never
// mutated; they go inactive once ExpiresAt passes.
type CalibrationFactor struct {
	ID         string     `json:"id"`
	FactorType string     `json:"factorType"`
	FactorKey  string     `json:"factorKey"`
	Multiplier float64    `json:"multiplier"`
	Reason     string     `json:"reason"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedBy  string     `json:"createdBy"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// IsActive is computed at read time, never stored
func (f *CalibrationFactor) IsActive(now time.Time) bool {
	return f.ExpiresAt == nil || f.ExpiresAt.After(now)
}

// Scope returns the factor's scope
func (f *CalibrationFactor) Scope() Scope {
	return Scope{Type: f.FactorType, Key: f.FactorKey}
}
