package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Domain represents a policy domain that can express a failure posture.
type Domain string

const (
	// DomainAdmission governs what happens when the admission policy cannot be evaluated.
	DomainAdmission Domain = "admission"
	// DomainGlobal is the fallback for unknown domains.
	DomainGlobal Domain = "global"
)

// Mode indicates whether a domain fails open or closed when an error occurs.
type Mode string

const (
	// ModeFailClosed denies the operation when the domain encounters an error.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen lets the operation continue when the domain encounters an error.
	ModeFailOpen Mode = "fail-open"
)

var (
	supportedDomains = map[Domain]struct{}{
		DomainAdmission: {},
		DomainGlobal:    {},
	}

	defaultModes = map[Domain]Mode{
		DomainAdmission: ModeFailClosed,
		DomainGlobal:    ModeFailClosed,
	}
)

// PostureSet stores default postures with optional overrides per domain.
type PostureSet struct {
	defaults  map[Domain]Mode
	overrides map[Domain]Mode
}

// DefaultPostureSet returns the defaults for all domains.
func DefaultPostureSet() PostureSet {
	defaults := make(map[Domain]Mode, len(defaultModes))
	for domain, mode := range defaultModes {
		defaults[domain] = mode
	}
	return PostureSet{defaults: defaults, overrides: map[Domain]Mode{}}
}

// Mode returns the effective posture for the specified domain.
func (s PostureSet) Mode(domain Domain) Mode {
	if override, ok := s.overrides[domain]; ok {
		return override
	}
	if def, ok := s.defaults[domain]; ok {
		return def
	}
	return ModeFailClosed
}

// Effective returns a snapshot of all effective postures.
func (s PostureSet) Effective() map[Domain]Mode {
	effective := make(map[Domain]Mode, len(supportedDomains))
	for domain := range supportedDomains {
		effective[domain] = s.Mode(domain)
	}
	return effective
}

// ApplyOverride sets the posture for a domain, validating input.
func (s *PostureSet) ApplyOverride(domain Domain, mode Mode) error {
	if _, ok := supportedDomains[domain]; !ok {
		return fmt.Errorf("policy: unknown failure posture domain %q", domain)
	}
	if !mode.IsValid() {
		return fmt.Errorf("policy: invalid failure posture mode %q", mode)
	}
	if s.overrides == nil {
		s.overrides = make(map[Domain]Mode)
	}
	s.overrides[domain] = mode
	return nil
}

// ApplyOverrideStrings parses and applies overrides provided as raw strings.
func (s *PostureSet) ApplyOverrideStrings(overrides map[string]string) error {
	for domainStr, modeStr := range overrides {
		domain := Domain(strings.TrimSpace(strings.ToLower(domainStr)))
		mode, err := ParseMode(modeStr)
		if err != nil {
			return fmt.Errorf("policy: domain %s: %w", domainStr, err)
		}
		if err := s.ApplyOverride(domain, mode); err != nil {
			return err
		}
	}
	return nil
}

// OnError converts an evaluation error into a decision according to the domain posture.
func (s PostureSet) OnError(domain Domain, err error) Decision {
	reason := "policy evaluation failed"
	if err != nil {
		reason = fmt.Sprintf("policy evaluation failed: %v", err)
	}
	if s.Mode(domain) == ModeFailOpen {
		return Decision{Action: ActionWarn, Reason: reason, Metadata: map[string]string{"posture": string(ModeFailOpen)}}
	}
	return Decision{Action: ActionBlock, Reason: reason, Metadata: map[string]string{"posture": string(ModeFailClosed)}}
}

// ParseMode converts a textual representation into a Mode constant.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return "", errors.New("mode is required")
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid mode %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFailClosed, ModeFailOpen:
		return true
	default:
		return false
	}
}

// Domains returns the ordered list of supported posture domains.
func Domains() []Domain {
	domains := make([]Domain, 0, len(supportedDomains))
	for domain := range supportedDomains {
		domains = append(domains, domain)
	}
	sort.Slice(domains, func(i, j int) bool {
		return domains[i] < domains[j]
	})
	return domains
}
