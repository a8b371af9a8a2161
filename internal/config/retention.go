package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const retentionPoliciesKey = "audit.retentionPolicies"

var ErrNoRetentionPolicies = errors.New("no retention policies configured")

// RetentionPolicyLoader re-reads the retention policy table from the config
// file on every call, so policy edits apply on the next cleanup cycle
// without a restart. When the file cannot be read the table loaded at
// startup is served instead.
type RetentionPolicyLoader struct {
	filename string
	initial  map[string]int
}

func normalizePolicyKeys(raw map[string]int) map[string]int {
	policies := make(map[string]int, len(raw))
	for pattern, days := range raw {
		pattern = strings.ToUpper(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		policies[pattern] = days
	}
	return policies
}

func parsePolicies(v *viper.Viper) (map[string]int, error) {
	raw := v.GetStringMap(retentionPoliciesKey)
	if len(raw) == 0 {
		return nil, ErrNoRetentionPolicies
	}

	policies := make(map[string]int, len(raw))
	for pattern, val := range raw {
		days, err := cast.ToIntE(val)
		if err != nil {
			return nil, fmt.Errorf("retention policy %q: %w", pattern, err)
		}
		policies[pattern] = days
	}
	return normalizePolicyKeys(policies), nil
}

// LoadRetentionPolicy returns the configured pattern -> days table. Keys are
// upper-cased because viper lower-cases map keys.
func (l *RetentionPolicyLoader) LoadRetentionPolicy() (map[string]int, error) {
	v := viper.New()
	v.SetConfigFile(l.filename)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if len(l.initial) == 0 {
			return nil, err
		}
		slog.Warn("Failed to reload retention policies, using startup table", "file", l.filename, "error", err)
		return l.initial, nil
	}
	return parsePolicies(v)
}

// NewRetentionPolicyLoader returns a loader for filename. initial is the
// table read at startup, usually Config.Audit.RetentionPolicies.
func NewRetentionPolicyLoader(filename string, initial map[string]int) *RetentionPolicyLoader {
	return &RetentionPolicyLoader{
		filename: filename,
		initial:  normalizePolicyKeys(initial),
	}
}
