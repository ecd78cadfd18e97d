package config

import (
	"bytes"
	"os"

	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
)

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if ListenersChanged(a, b) {
		return true
	}
	if a.TimeoutSeconds != b.TimeoutSeconds ||
		a.HeaderReadTimeoutSeconds != b.HeaderReadTimeoutSeconds ||
		a.ConnectTimeoutSeconds != b.ConnectTimeoutSeconds ||
		a.IdleTimeoutSeconds != b.IdleTimeoutSeconds ||
		a.LingerTimeoutSeconds != b.LingerTimeoutSeconds ||
		a.ShutdownGraceSeconds != b.ShutdownGraceSeconds ||
		a.AccountingFlushSeconds != b.AccountingFlushSeconds ||
		a.AccountingFlushBytes != b.AccountingFlushBytes ||
		a.Compression != b.Compression ||
		a.LogLevel != b.LogLevel ||
		a.LogFormat != b.LogFormat {
		return true
	}
	if !accessEqual(&a.Access, &b.Access) {
		return true
	}
	if !upstreamEqual(&a.Upstream, &b.Upstream) {
		return true
	}
	if a.Admin.Enabled != b.Admin.Enabled ||
		a.Admin.AuthRequired != b.Admin.AuthRequired ||
		!stringSliceEqual(a.Admin.AllowedNetworks, b.Admin.AllowedNetworks) {
		return true
	}
	if len(a.TargetClasses) != len(b.TargetClasses) {
		return true
	}
	for name, domains := range a.TargetClasses {
		other, ok := b.TargetClasses[name]
		if !ok || !stringSliceEqual(domains, other) {
			return true
		}
	}
	return false
}

// ListenersChanged reports changes that cannot be applied to running
// listeners: addresses, TLS material and the statistics backend.
func ListenersChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if len(a.Servers) != len(b.Servers) {
		return true
	}
	for i := range a.Servers {
		sa, sb := a.Servers[i], b.Servers[i]
		if sa.ListenAddress != sb.ListenAddress ||
			sa.Enabled != sb.Enabled ||
			sa.MaxConnections != sb.MaxConnections ||
			sa.TLSKeyPassword != sb.TLSKeyPassword {
			return true
		}
		if !fileContentEqual(sa.TLSCertFile, sb.TLSCertFile) || !fileContentEqual(sa.TLSKeyFile, sb.TLSKeyFile) {
			return true
		}
	}
	return a.Statistics != b.Statistics
}

func accessEqual(a, b *AccessConfig) bool {
	if a.DefaultPolicy != b.DefaultPolicy ||
		a.AuthRequired != b.AuthRequired ||
		a.NeverAskForAuth != b.NeverAskForAuth ||
		a.Realm != b.Realm ||
		a.FailureThreshold != b.FailureThreshold ||
		a.FailureWindowSeconds != b.FailureWindowSeconds ||
		a.FailureCacheSize != b.FailureCacheSize {
		return false
	}
	if len(a.Rules) != len(b.Rules) {
		return false
	}
	for i := range a.Rules {
		if a.Rules[i] != b.Rules[i] {
			return false
		}
	}
	return stringSliceEqual(a.Users, b.Users)
}

func upstreamEqual(a, b *UpstreamConfig) bool {
	return a.Type == b.Type &&
		a.Address == b.Address &&
		a.ForceIPv4 == b.ForceIPv4 &&
		stringPtrEqual(a.Username, b.Username) &&
		stringPtrEqual(a.Password, b.Password)
}

// fileContentEqual compares two referenced files by content so a rotated
// certificate at the same path counts as a change.
func fileContentEqual(a, b string) bool {
	if a == "" || b == "" {
		return a == b
	}
	aContent, err := os.ReadFile(a)
	if err != nil {
		logger.Error("Failed to read file: %v (file: %s)", err, a)
		return false
	}
	bContent, err := os.ReadFile(b)
	if err != nil {
		logger.Error("Failed to read file: %v (file: %s)", err, b)
		return false
	}
	return bytes.Equal(aContent, bContent)
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// stringPtrEqual compares two *string values for equality.
func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
