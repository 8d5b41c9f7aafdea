package model

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ConfigError is a DesiredState that cannot be applied as given: a malformed
// UnitSpec or a dependency cycle. The whole version is rejected.
type ConfigError struct {
	Version uint64
	// Units names the offending units, in cycle order for cycles.
	Units  []string
	Reason string
}

func (e *ConfigError) Error() string {
	if len(e.Units) == 0 {
		return fmt.Sprintf("desired state v%d: %s", e.Version, e.Reason)
	}
	return fmt.Sprintf("desired state v%d: %s: %s", e.Version, e.Reason, strings.Join(e.Units, " -> "))
}

// Validate checks the DesiredState for problems that would make it unsafe to
// apply any part of it.
func (d *DesiredState) Validate() error {
	malformed := func(reason string, units ...string) error {
		return &ConfigError{Version: d.Version, Units: units, Reason: reason}
	}

	seen := make(map[string]struct{}, len(d.Units))
	for _, u := range d.Units {
		if strings.TrimSpace(u.Name) == "" {
			return malformed("unit with empty name")
		}
		if err := ValidName(u.Name); err != nil {
			return malformed("invalid unit name: "+err.Error(), u.Name)
		}
		if _, dup := seen[u.Name]; dup {
			return malformed("duplicate unit", u.Name)
		}
		seen[u.Name] = struct{}{}
		if !ValidTarget(u.Target) {
			return malformed(fmt.Sprintf("unknown target %q", u.Target), u.Name)
		}
		if u.Hash != "" && u.Content != "" && HashContent(u.Content) != u.Hash {
			return malformed("content does not match hash", u.Name)
		}
	}
	for _, u := range d.Units {
		for _, dep := range u.Requires {
			if dep == u.Name {
				return malformed("unit requires itself", u.Name)
			}
			if _, ok := seen[dep]; !ok {
				return malformed(fmt.Sprintf("requires unknown unit %q", dep), u.Name)
			}
		}
	}
	return nil
}

// maxNameLength is systemd's limit on unit names.
const maxNameLength = 255

var unitTypes = map[string]bool{
	".service":   true,
	".socket":    true,
	".device":    true,
	".mount":     true,
	".automount": true,
	".swap":      true,
	".target":    true,
	".path":      true,
	".timer":     true,
	".slice":     true,
	".scope":     true,
}

// ValidName checks that name is a unit name systemd accepts: a prefix of
// letters, digits and any of ":-_.\" with at most one "@" instance separator,
// followed by a known unit type.
func ValidName(name string) error {
	if len(name) > maxNameLength {
		return errors.Errorf("longer than %d bytes", maxNameLength)
	}
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 {
		return errors.New("missing unit type")
	}
	if !unitTypes[name[dot:]] {
		return errors.Errorf("unknown unit type %q", name[dot+1:])
	}
	prefix := name[:dot]
	for _, r := range prefix {
		if !nameChar(r) {
			return errors.Errorf("invalid character %q", r)
		}
	}
	if at := strings.IndexByte(prefix, '@'); at == 0 || strings.Count(prefix, "@") > 1 {
		return errors.New("malformed instance")
	}
	return nil
}

func nameChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune(":-_.\\@", r)
}
