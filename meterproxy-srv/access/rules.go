package access

import (
	"fmt"
	"net/netip"

	"github.com/codefionn/meterproxy/meterproxy-srv/config"
)

// Action is the outcome of matching an address against the rule list.
type Action int

const (
	Deny Action = iota
	Allow
)

func (a Action) String() string {
	if a == Allow {
		return config.ActionAllow
	}
	return config.ActionDeny
}

func parseAction(s string) (Action, error) {
	switch s {
	case config.ActionAllow:
		return Allow, nil
	case config.ActionDeny:
		return Deny, nil
	}
	return Deny, fmt.Errorf("invalid action %q", s)
}

// Rule is a single network range with its action.
type Rule struct {
	Prefix netip.Prefix
	Action Action
}

// RuleList is an immutable ordered rule list. The first matching rule wins.
type RuleList struct {
	rules         []Rule
	defaultAction Action
}

// NewRuleList compiles configured rules. The result is never modified.
func NewRuleList(rules []config.AccessRule, defaultPolicy string) (*RuleList, error) {
	def, err := parseAction(defaultPolicy)
	if err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}

	list := &RuleList{
		rules:         make([]Rule, 0, len(rules)),
		defaultAction: def,
	}
	for i, r := range rules {
		prefix, err := config.ParseNetwork(r.Network)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		action, err := parseAction(r.Action)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		list.rules = append(list.rules, Rule{Prefix: prefix, Action: action})
	}
	return list, nil
}

// Match returns the action for addr and the index of the matching rule, or
// -1 when the default policy applied.
func (l *RuleList) Match(addr netip.Addr) (Action, int) {
	addr = addr.Unmap()
	for i, r := range l.rules {
		if r.Prefix.Contains(addr) {
			return r.Action, i
		}
	}
	return l.defaultAction, -1
}

// Len returns the number of rules.
func (l *RuleList) Len() int {
	return len(l.rules)
}

// Default returns the action used when no rule matches.
func (l *RuleList) Default() Action {
	return l.defaultAction
}
