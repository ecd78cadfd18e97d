package stats

import (
	"sort"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// DefaultTargetClass is the class of targets that match no configured domain.
const DefaultTargetClass = "other"

// TargetClassifier maps target hosts to configured class names. A domain
// matches the host itself and its subdomains.
type TargetClassifier struct {
	trie    *ahocorasick.Trie
	domains []string
	classes []string
}

// NewTargetClassifier builds a classifier from class name to domain lists.
func NewTargetClassifier(classes map[string][]string) *TargetClassifier {
	c := &TargetClassifier{}

	names := make([]string, 0, len(classes))
	for name := range classes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, domain := range classes[name] {
			domain = normalizeHost(domain)
			if domain == "" {
				continue
			}
			c.domains = append(c.domains, domain)
			c.classes = append(c.classes, name)
		}
	}

	if len(c.domains) > 0 {
		c.trie = ahocorasick.NewTrieBuilder().AddStrings(c.domains).Build()
	}
	return c
}

// Classify returns the class of host. The longest matching domain wins.
func (c *TargetClassifier) Classify(host string) string {
	if c == nil || c.trie == nil {
		return DefaultTargetClass
	}
	host = normalizeHost(host)

	best := -1
	for _, match := range c.trie.MatchString(host) {
		idx := int(match.Pattern())
		domain := c.domains[idx]
		if host != domain && !strings.HasSuffix(host, "."+domain) {
			continue
		}
		if best < 0 || len(domain) > len(c.domains[best]) {
			best = idx
		}
	}
	if best < 0 {
		return DefaultTargetClass
	}
	return c.classes[best]
}

// Len returns the number of configured domains.
func (c *TargetClassifier) Len() int {
	if c == nil {
		return 0
	}
	return len(c.domains)
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
