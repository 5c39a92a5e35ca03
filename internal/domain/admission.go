package domain

import "github.com/google/uuid"

// BurstState is the admission view of one tenant. It is rebuilt from the
// ledger and never treated as durable.
type BurstState struct {
	TenantID uuid.UUID
	Tier     string
	Active   int
	Ceiling  int

	GlobalActive  int
	GlobalCeiling int
}

// Saturated reports whether the tenant is at or over its ceiling.
func (b BurstState) Saturated() bool {
	return b.Ceiling > 0 && b.Active >= b.Ceiling
}
