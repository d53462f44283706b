// Package policy loads the declarative corridor policy document and resolves
// per-(source, target, currency-pair) rules. Corridors are evaluated in
// declaration order, so currency-pinned corridors must appear before their
// wildcard fallbacks.
package policy

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

//go:embed corridor-policy.default.json
var embedded embed.FS

// ErrPolicyNotFound is returned when no corridor matches, or when a policy
// file cannot be located.
var ErrPolicyNotFound = errors.New("corridor policy not found")

type FXRules struct {
	LockRequired   bool `json:"lockRequired"`
	SlippageBpsMax int  `json:"slippageBpsMax,omitempty"`
}

type ComplianceRules struct {
	Scope string `json:"scope,omitempty"`
}

type RailRules struct {
	AllowedDestinations []string `json:"allowedDestinations,omitempty"`
	Fallbacks           []string `json:"fallbacks,omitempty"`
}

type LimitRules struct {
	MaxValueMinor int64 `json:"maxValueMinor,omitempty"`
	DailyCountMax int   `json:"dailyCountMax,omitempty"`
}

type SLARules struct {
	EtaSeconds int `json:"etaSeconds,omitempty"`
}

// Rules are the per-corridor gates the orchestrator and builder enforce.
type Rules struct {
	FX         *FXRules         `json:"fx,omitempty"`
	Compliance *ComplianceRules `json:"compliance,omitempty"`
	Rails      *RailRules       `json:"rails,omitempty"`
	Limits     *LimitRules      `json:"limits,omitempty"`
	SLA        *SLARules        `json:"sla,omitempty"`
}

// AllowsDestination reports whether the rail category ("card", "account",
// "wallet") is permitted. An absent or empty allow-list permits everything.
func (r Rules) AllowsDestination(category string) bool {
	if r.Rails == nil || len(r.Rails.AllowedDestinations) == 0 {
		return true
	}
	for _, allowed := range r.Rails.AllowedDestinations {
		if allowed == category {
			return true
		}
	}
	return false
}

// LockRequired reports whether the corridor forbids dispatch without a
// locked FX quote.
func (r Rules) LockRequired() bool {
	return r.FX != nil && r.FX.LockRequired
}

// CurrencyPin restricts a corridor to a currency pair. An empty side is a
// wildcard.
type CurrencyPin struct {
	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`
}

type Corridor struct {
	SourceCountry string       `json:"sourceCountry"`
	TargetCountry string       `json:"targetCountry"`
	Currencies    *CurrencyPin `json:"currencies,omitempty"`
	Rules         Rules        `json:"rules"`
}

type Policy struct {
	Version   string     `json:"version"`
	Corridors []Corridor `json:"corridors"`
}

// GetRules resolves the first corridor matching the country pair and,
// when the corridor pins currencies, the currency pair. Declaration order
// is significant.
func (p *Policy) GetRules(sourceCountry, targetCountry, sourceCurrency, targetCurrency string) (Rules, error) {
	for _, c := range p.Corridors {
		if c.SourceCountry != sourceCountry || c.TargetCountry != targetCountry {
			continue
		}
		if c.Currencies != nil {
			if c.Currencies.Source != "" && c.Currencies.Source != sourceCurrency {
				continue
			}
			if c.Currencies.Target != "" && c.Currencies.Target != targetCurrency {
				continue
			}
		}
		return c.Rules, nil
	}
	return Rules{}, fmt.Errorf("%w: no corridor for %s->%s", ErrPolicyNotFound, sourceCountry, targetCountry)
}

var (
	loadOnce   sync.Once
	loadedPol  *Policy
	loadedErr  error
	policyName = filepath.Join("policy", "corridor-policy.json")
)

// Load returns the process-wide policy, memoized on first call. It searches
// for policy/corridor-policy.json from the working directory upward and
// falls back to the embedded default.
func Load() (*Policy, error) {
	loadOnce.Do(func() {
		if path, ok := findPolicyFile(); ok {
			loadedPol, loadedErr = LoadFile(path)
			return
		}
		loadedPol, loadedErr = loadEmbedded()
	})
	return loadedPol, loadedErr
}

// LoadFile parses a corridor policy document from an explicit path.
func LoadFile(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no policy file at %s", ErrPolicyNotFound, path)
		}
		return nil, fmt.Errorf("failed to read corridor policy %s: %w", path, err)
	}
	return parse(raw)
}

func parse(raw []byte) (*Policy, error) {
	var pol Policy
	if err := json.Unmarshal(raw, &pol); err != nil {
		return nil, fmt.Errorf("failed to parse corridor policy: %w", err)
	}
	return &pol, nil
}

func loadEmbedded() (*Policy, error) {
	raw, err := embedded.ReadFile("corridor-policy.default.json")
	if err != nil {
		return nil, fmt.Errorf("embedded corridor policy missing: %w", err)
	}
	return parse(raw)
}

// findPolicyFile walks from the working directory toward the filesystem
// root looking for policy/corridor-policy.json.
func findPolicyFile() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(dir, policyName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
