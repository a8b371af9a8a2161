package audit

import (
	"sort"
	"strings"
	"time"
)

// DefaultPolicyKey is the catch-all entry of a retention policy.
const DefaultPolicyKey = "DEFAULT"

// PolicyLoader supplies the retention table, pattern -> days. It is asked
// again before every cleanup cycle.
type PolicyLoader interface {
	LoadRetentionPolicy() (map[string]int, error)
}

// RetentionPolicy maps an action pattern to the number of days events
// matching it are kept. Matching is case-insensitive substring containment;
// days <= 0 keeps matching events forever.
type RetentionPolicy map[string]int

// FallbackRetentionPolicy is used when no policy is configured.
func FallbackRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		"LOGIN":                  90,
		ActionUnauthorizedAccess: 365,
		ActionSystemError:        180,
		ActionBookDownloaded:     60,
		ActionBookViewed:         30,
		ActionAuditCleanup:       365,
		DefaultPolicyKey:         90,
	}
}

func normalizePolicy(raw map[string]int) RetentionPolicy {
	policy := make(RetentionPolicy, len(raw))
	for pattern, days := range raw {
		pattern = strings.ToUpper(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		policy[pattern] = days
	}
	return policy
}

// patterns returns the specific patterns by precedence: a longer pattern is
// more specific and wins; equal lengths fall back to lexical order.
func (p RetentionPolicy) patterns() []string {
	patterns := make([]string, 0, len(p))
	for pattern := range p {
		if pattern != DefaultPolicyKey {
			patterns = append(patterns, pattern)
		}
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) > len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})
	return patterns
}

// Resolve returns the single policy entry that governs action.
func (p RetentionPolicy) Resolve(action string) (string, bool) {
	action = strings.ToUpper(action)
	for _, pattern := range p.patterns() {
		if strings.Contains(action, pattern) {
			return pattern, true
		}
	}
	if _, ok := p[DefaultPolicyKey]; ok {
		return DefaultPolicyKey, true
	}
	return "", false
}

type policyRule struct {
	Pattern string
	Days    int
	Cutoff  time.Time
	Filter  EventFilter
}

// rules turns the policy into mutually exclusive deletion filters. Each
// specific pattern excludes every pattern that outranks it, and DEFAULT
// excludes all of them, so an event is selected by at most one rule.
func (p RetentionPolicy) rules(now time.Time) []policyRule {
	patterns := p.patterns()
	rules := make([]policyRule, 0, len(p))
	for i, pattern := range patterns {
		days := p[pattern]
		if days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -days)
		rules = append(rules, policyRule{
			Pattern: pattern,
			Days:    days,
			Cutoff:  cutoff,
			Filter: EventFilter{
				ActionContains:    pattern,
				ActionNotContains: patterns[:i],
				CreatedBefore:     &cutoff,
			},
		})
	}
	if days, ok := p[DefaultPolicyKey]; ok && days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		rules = append(rules, policyRule{
			Pattern: DefaultPolicyKey,
			Days:    days,
			Cutoff:  cutoff,
			Filter: EventFilter{
				ActionNotContains: patterns,
				CreatedBefore:     &cutoff,
			},
		})
	}
	return rules
}
