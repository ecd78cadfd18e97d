package access

import (
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/codefionn/meterproxy/meterproxy-srv/config"
	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
)

// AnonymousIdentity is the identity of clients that did not authenticate.
const AnonymousIdentity = "unknown"

// DenyReason explains a denied decision.
type DenyReason int

const (
	ReasonNone DenyReason = iota
	ReasonAddressDenied
	ReasonUnauthenticated
	ReasonBadCredentials
	ReasonLockedOut
)

func (r DenyReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonAddressDenied:
		return "address denied"
	case ReasonUnauthenticated:
		return "unauthenticated"
	case ReasonBadCredentials:
		return "bad credentials"
	case ReasonLockedOut:
		return "locked out"
	}
	return fmt.Sprintf("DenyReason(%d)", int(r))
}

// IsAuthFailure reports whether the reason counts against the failure cache.
func (r DenyReason) IsAuthFailure() bool {
	return r == ReasonUnauthenticated || r == ReasonBadCredentials || r == ReasonLockedOut
}

// Decision is the result of an access check.
type Decision struct {
	Allowed  bool
	Identity string
	Reason   DenyReason
}

func allow(identity string) Decision {
	return Decision{Allowed: true, Identity: identity}
}

func deny(reason DenyReason) Decision {
	return Decision{Reason: reason}
}

// Policy is one immutable generation of access configuration.
type Policy struct {
	Rules           *RuleList
	Credentials     *CredentialSet
	AuthRequired    bool
	NeverAskForAuth bool
	Realm           string
	Threshold       int
}

// NewPolicy compiles an access configuration.
func NewPolicy(cfg *config.AccessConfig) (*Policy, error) {
	rules, err := NewRuleList(cfg.Rules, cfg.DefaultPolicy)
	if err != nil {
		return nil, err
	}
	creds, err := NewCredentialSet(cfg.Users)
	if err != nil {
		return nil, err
	}
	if cfg.AuthRequired && creds.Len() == 0 {
		return nil, fmt.Errorf("auth-required is set but no users are configured")
	}
	return &Policy{
		Rules:           rules,
		Credentials:     creds,
		AuthRequired:    cfg.AuthRequired,
		NeverAskForAuth: cfg.NeverAskForAuth,
		Realm:           cfg.Realm,
		Threshold:       cfg.FailureThreshold,
	}, nil
}

// Gate authorizes connections. The policy is swapped atomically on reload;
// the failure cache outlives policy generations.
type Gate struct {
	policy   atomic.Pointer[Policy]
	failures atomic.Pointer[FailureCache]
	checks   atomic.Int64
}

// NewGate creates a gate for the given configuration.
func NewGate(cfg *config.AccessConfig) (*Gate, error) {
	g := &Gate{}
	if err := g.Reload(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload swaps in a new policy. The failure cache is kept unless its size or
// window changed.
func (g *Gate) Reload(cfg *config.AccessConfig) error {
	p, err := NewPolicy(cfg)
	if err != nil {
		return err
	}

	current := g.failures.Load()
	window := cfg.FailureWindow()
	if current == nil || current.Window() != window || current.Capacity() != failureCapacity(cfg.FailureCacheSize) {
		g.failures.Store(NewFailureCache(cfg.FailureCacheSize, window))
	}
	g.policy.Store(p)

	logger.Debug("Access policy loaded: %d rules, %d users, default %s, auth required %v",
		p.Rules.Len(), p.Credentials.Len(), p.Rules.Default(), p.AuthRequired)
	return nil
}

// Policy returns the active policy generation.
func (g *Gate) Policy() *Policy {
	return g.policy.Load()
}

// Failures returns the failure cache.
func (g *Gate) Failures() *FailureCache {
	return g.failures.Load()
}

// CredentialChecks returns the number of password comparisons performed.
func (g *Gate) CredentialChecks() int64 {
	return g.checks.Load()
}

// CheckAddress applies the rule list only.
func (g *Gate) CheckAddress(addr netip.Addr) Decision {
	return g.checkAddress(g.policy.Load(), addr)
}

func (g *Gate) checkAddress(p *Policy, addr netip.Addr) Decision {
	action, idx := p.Rules.Match(addr)
	if action == Deny {
		logger.Debug("Address %s denied by rule %d", addr, idx)
		return deny(ReasonAddressDenied)
	}
	return allow(AnonymousIdentity)
}

// Authorize checks addr against the rules and the Proxy-Authorization value
// against the credentials when the policy requires authentication.
func (g *Gate) Authorize(addr netip.Addr, authHeader string) Decision {
	p := g.policy.Load()
	return g.authorize(p, addr, authHeader, p.AuthRequired)
}

// AuthorizeWith is Authorize with an explicit authentication requirement,
// used for local requests.
func (g *Gate) AuthorizeWith(addr netip.Addr, authHeader string, required bool) Decision {
	return g.authorize(g.policy.Load(), addr, authHeader, required)
}

func (g *Gate) authorize(p *Policy, addr netip.Addr, authHeader string, required bool) Decision {
	if d := g.checkAddress(p, addr); !d.Allowed {
		return d
	}

	if !required {
		if authHeader != "" {
			if user, pass, ok := ParseBasicAuth(authHeader); ok && g.verify(p, user, pass) {
				return allow(user)
			}
		}
		return allow(AnonymousIdentity)
	}

	key := addr.Unmap().String()
	reason := ReasonNone
	var user string
	count, locked := g.failures.Load().Attempt(key, p.Threshold, func() bool {
		if authHeader == "" {
			reason = ReasonUnauthenticated
			return false
		}
		var pass string
		var ok bool
		if user, pass, ok = ParseBasicAuth(authHeader); !ok {
			reason = ReasonUnauthenticated
			return false
		}
		if !g.verify(p, user, pass) {
			reason = ReasonBadCredentials
			return false
		}
		return true
	})

	switch {
	case locked:
		logger.Warn("Client %s locked out after %d authentication failures", key, count)
		return deny(ReasonLockedOut)
	case reason == ReasonBadCredentials:
		logger.Debug("Authentication failed for user %q from %s (%d failures)", user, key, count)
		return deny(reason)
	case reason != ReasonNone:
		return deny(reason)
	}
	return allow(user)
}

func (g *Gate) verify(p *Policy, user, pass string) bool {
	g.checks.Add(1)
	return p.Credentials.Verify(user, pass)
}
