package admission

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"
)

// Defaults for tenants without an explicit tier.
const (
	DefaultTierName      = "standard"
	DefaultMaxConcurrent = 5
	DefaultGlobalCeiling = 50
)

// Tier bounds one class of tenants. MaxConcurrent 0 means unlimited;
// BurstRate 0 disables the rate gate.
type Tier struct {
	MaxConcurrent int     `yaml:"max_concurrent"`
	BurstRate     float64 `yaml:"burst_rate"`
	BurstSize     int     `yaml:"burst_size"`
}

// Policy maps tenants to tiers.
type Policy struct {
	DefaultTier   string               `yaml:"default_tier"`
	GlobalCeiling int                  `yaml:"global_ceiling"`
	Tiers         map[string]Tier      `yaml:"tiers"`
	Tenants       map[uuid.UUID]string `yaml:"-"`
}

func DefaultPolicy() Policy {
	return Policy{
		DefaultTier:   DefaultTierName,
		GlobalCeiling: DefaultGlobalCeiling,
		Tiers: map[string]Tier{
			DefaultTierName: {MaxConcurrent: DefaultMaxConcurrent},
		},
		Tenants: map[uuid.UUID]string{},
	}
}

// TierFor resolves a tenant's tier. Unknown tenants get the default tier.
func (p Policy) TierFor(tenantID uuid.UUID) (string, Tier) {
	name, ok := p.Tenants[tenantID]
	if !ok {
		name = p.DefaultTier
	}
	if t, ok := p.Tiers[name]; ok {
		return name, t
	}
	return p.DefaultTier, p.Tiers[p.DefaultTier]
}

func (p Policy) Validate() error {
	var errs []error
	if _, ok := p.Tiers[p.DefaultTier]; !ok {
		errs = append(errs, fmt.Errorf("default_tier %q is not defined", p.DefaultTier))
	}
	if p.GlobalCeiling < 0 {
		errs = append(errs, errors.New("global_ceiling must not be negative"))
	}

	names := make([]string, 0, len(p.Tiers))
	for name := range p.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := p.Tiers[name]
		if t.MaxConcurrent < 0 {
			errs = append(errs, fmt.Errorf("tier %q: max_concurrent must not be negative", name))
		}
		if t.BurstRate < 0 || t.BurstSize < 0 {
			errs = append(errs, fmt.Errorf("tier %q: burst settings must not be negative", name))
		}
	}
	for tenant, name := range p.Tenants {
		if _, ok := p.Tiers[name]; !ok {
			errs = append(errs, fmt.Errorf("tenant %s: unknown tier %q", tenant, name))
		}
	}
	return errors.Join(errs...)
}

type policyFile struct {
	Policy  `yaml:",inline"`
	Tenants map[string]string `yaml:"tenants"`
}

// ParsePolicy reads a YAML tier file. Missing fields fall back to
// DefaultPolicy.
func ParsePolicy(data []byte) (Policy, error) {
	def := DefaultPolicy()
	f := policyFile{Policy: Policy{DefaultTier: def.DefaultTier, GlobalCeiling: def.GlobalCeiling}}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policy{}, fmt.Errorf("admission: parse policy: %w", err)
	}

	p := f.Policy
	if len(p.Tiers) == 0 {
		p.Tiers = def.Tiers
	}
	p.Tenants = make(map[uuid.UUID]string, len(f.Tenants))
	for raw, tier := range f.Tenants {
		id, err := uuid.Parse(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("admission: tenant %q: %w", raw, err)
		}
		p.Tenants[id] = tier
	}

	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("admission: invalid policy: %w", err)
	}
	return p, nil
}

// LoadPolicy reads a tier file from disk. An empty path yields
// DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("admission: read policy: %w", err)
	}
	return ParsePolicy(data)
}
