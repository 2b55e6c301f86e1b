package placement

import (
	"fmt"
	"path"
	"sync/atomic"

	"github.com/MrSnakeDoc/beacon/internal/domain"
)

// Rules is a compiled, immutable placement table. First matching rule wins.
type Rules struct {
	rules    []Rule
	fallback domain.Placement
}

// Compile validates a parsed file. Zones in the file override the configured
// defaults; rules without a TTL inherit the default TTL.
func Compile(file File, defaultZone string, defaultTTL int) (*Rules, error) {
	fallback := domain.Placement{
		Zone: domain.CanonicalZone(defaultZone),
		TTL:  defaultTTL,
	}
	if file.Defaults.Zone != "" {
		fallback.Zone = domain.CanonicalZone(file.Defaults.Zone)
	}
	if file.Defaults.TTL > 0 {
		fallback.TTL = file.Defaults.TTL
	}
	if fallback.Zone == "" {
		return nil, fmt.Errorf("no default zone configured")
	}
	if fallback.TTL <= 0 {
		return nil, fmt.Errorf("default ttl must be positive, got %d", fallback.TTL)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, r := range file.Rules {
		if r.Match == "" {
			return nil, fmt.Errorf("rule %d: empty match", i)
		}
		if _, err := path.Match(r.Match, "probe"); err != nil {
			return nil, fmt.Errorf("rule %d: bad pattern %q: %w", i, r.Match, err)
		}
		if r.Zone == "" {
			return nil, fmt.Errorf("rule %d (%s): empty zone", i, r.Match)
		}
		if r.TTL < 0 {
			return nil, fmt.Errorf("rule %d (%s): negative ttl", i, r.Match)
		}
		r.Zone = domain.CanonicalZone(r.Zone)
		if r.TTL == 0 {
			r.TTL = fallback.TTL
		}
		rules = append(rules, r)
	}

	return &Rules{rules: rules, fallback: fallback}, nil
}

// Static returns rules that place every host in one zone.
func Static(zone string, ttl int) *Rules {
	return &Rules{fallback: domain.Placement{Zone: domain.CanonicalZone(zone), TTL: ttl}}
}

// Resolve returns the placement for a normalized hostname.
func (r *Rules) Resolve(hostname string) domain.Placement {
	for _, rule := range r.rules {
		if ok, _ := path.Match(rule.Match, hostname); ok {
			return domain.Placement{Zone: rule.Zone, TTL: rule.TTL}
		}
	}
	return r.fallback
}

// Zones lists every distinct zone the rules can place a host in.
func (r *Rules) Zones() []string {
	seen := map[string]bool{r.fallback.Zone: true}
	zones := []string{r.fallback.Zone}
	for _, rule := range r.rules {
		if !seen[rule.Zone] {
			seen[rule.Zone] = true
			zones = append(zones, rule.Zone)
		}
	}
	return zones
}

// Len returns the number of rules, excluding the fallback.
func (r *Rules) Len() int {
	return len(r.rules)
}

// Table holds the live rule set and swaps it atomically on reload.
type Table struct {
	current atomic.Pointer[Rules]
}

// NewTable creates a table serving initial.
func NewTable(initial *Rules) *Table {
	t := &Table{}
	t.current.Store(initial)
	return t
}

// Resolve implements processor.Placer.
func (t *Table) Resolve(hostname string) domain.Placement {
	return t.current.Load().Resolve(hostname)
}

// Rules returns the rule set currently served.
func (t *Table) Rules() *Rules {
	return t.current.Load()
}

// Swap replaces the rule set.
func (t *Table) Swap(r *Rules) {
	t.current.Store(r)
}
