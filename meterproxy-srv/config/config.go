package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
	"gopkg.in/yaml.v3"
)

// Policy actions for access rules and the default policy
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// UpstreamType selects how upstream connections are dialed
type UpstreamType string

const (
	UpstreamDirect UpstreamType = "direct" // dial the target directly
	UpstreamSocks5 UpstreamType = "socks5" // dial through a SOCKS5 proxy
	UpstreamProxy  UpstreamType = "proxy"  // dial through another HTTP proxy using CONNECT
)

// ServerConfig defines configuration for a single listener
type ServerConfig struct {
	ListenAddress  string // Address to listen on (e.g., 127.0.0.1:8080)
	Enabled        bool   // Whether this listener is enabled
	TLSCertFile    string // PEM certificate; enables TLS together with TLSKeyFile
	TLSKeyFile     string // PEM private key, optionally encrypted PKCS#8
	TLSKeyPassword string // Passphrase for an encrypted TLSKeyFile
	MaxConnections int    // Maximum concurrent connections for this listener
}

// TLSEnabled reports whether the listener terminates TLS.
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

// AccessRule is one entry of the ordered access rule list
type AccessRule struct {
	Network string // CIDR or single address
	Action  string // allow or deny
}

// AccessConfig configures the access gate
type AccessConfig struct {
	DefaultPolicy        string       // Action when no rule matches
	Rules                []AccessRule // Ordered, first match wins
	Users                []string     // "user:pass" entries
	AuthRequired         bool         // Require Basic auth on proxied requests
	NeverAskForAuth      bool         // Close instead of answering 407
	Realm                string       // Basic auth realm
	FailureThreshold     int          // Failures before lockout
	FailureWindowSeconds int          // Lifetime of a failure entry
	FailureCacheSize     int          // Capacity of the failure cache
}

// UpstreamConfig configures how upstream connections are established
type UpstreamConfig struct {
	Type      UpstreamType
	Address   string
	Username  *string
	Password  *string
	ForceIPv4 bool
}

// AdminConfig configures the local/admin request handler
type AdminConfig struct {
	Enabled         bool
	AllowedNetworks []string
	AuthRequired    bool
}

// StatisticsConfig configures traffic accounting backends
type StatisticsConfig struct {
	Enabled        bool
	Backend        string // memory, sqlite, postgres, redis, dummy
	SQLitePath     string
	PostgresDSN    string
	RedisAddress   string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	FlushInterval  int // Seconds between buffered flushes
	BufferSize     int // Pending events before a forced flush
	Prometheus     bool
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	Servers                  []ServerConfig
	TimeoutSeconds           int // Fallback for timeouts that are not set
	HeaderReadTimeoutSeconds int
	ConnectTimeoutSeconds    int
	IdleTimeoutSeconds       int
	LingerTimeoutSeconds     int
	ShutdownGraceSeconds     int
	AccountingFlushSeconds   int
	AccountingFlushBytes     int64
	Compression              bool
	LogLevel                 string
	LogFormat                string
	Access                   AccessConfig
	Upstream                 UpstreamConfig
	Admin                    AdminConfig
	Statistics               StatisticsConfig
	TargetClasses            map[string][]string // class name -> domains
}

func seconds(v, fallback int) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(fallback) * time.Second
}

// HeaderReadTimeout bounds reading the initial request of a connection.
func (c *Config) HeaderReadTimeout() time.Duration {
	return seconds(c.HeaderReadTimeoutSeconds, c.TimeoutSeconds)
}

// ConnectTimeout bounds dialing an upstream.
func (c *Config) ConnectTimeout() time.Duration {
	return seconds(c.ConnectTimeoutSeconds, c.TimeoutSeconds)
}

// IdleTimeout bounds a relay without traffic in either direction.
func (c *Config) IdleTimeout() time.Duration {
	return seconds(c.IdleTimeoutSeconds, c.TimeoutSeconds)
}

// LingerTimeout bounds the surviving direction after a half-close.
func (c *Config) LingerTimeout() time.Duration {
	return seconds(c.LingerTimeoutSeconds, c.TimeoutSeconds)
}

// ShutdownGrace bounds the drain of in-flight connections on shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return seconds(c.ShutdownGraceSeconds, c.TimeoutSeconds)
}

// AccountingFlushInterval is the period of delta flushes for long connections.
func (c *Config) AccountingFlushInterval() time.Duration {
	return seconds(c.AccountingFlushSeconds, 10)
}

// FailureWindow is the lifetime of an auth failure entry.
func (a *AccessConfig) FailureWindow() time.Duration {
	return seconds(a.FailureWindowSeconds, 300)
}

func defaultServer() ServerConfig {
	return ServerConfig{
		ListenAddress:  "127.0.0.1:8080",
		Enabled:        true,
		MaxConnections: 1000,
	}
}

// DefaultConfig returns the configuration used before env and file values apply.
func DefaultConfig() *Config {
	return &Config{
		Servers:                  []ServerConfig{defaultServer()},
		TimeoutSeconds:           30,
		HeaderReadTimeoutSeconds: 10,
		IdleTimeoutSeconds:       300,
		LingerTimeoutSeconds:     30,
		ShutdownGraceSeconds:     10,
		AccountingFlushSeconds:   10,
		AccountingFlushBytes:     1 << 20,
		Compression:              true,
		LogLevel:                 "INFO",
		LogFormat:                "console",
		Access: AccessConfig{
			DefaultPolicy:        ActionDeny,
			Realm:                "meterproxy",
			FailureThreshold:     5,
			FailureWindowSeconds: 300,
			FailureCacheSize:     10000,
		},
		Upstream: UpstreamConfig{Type: UpstreamDirect},
		Admin: AdminConfig{
			Enabled:         true,
			AllowedNetworks: []string{"127.0.0.0/8", "::1/128"},
		},
		Statistics: StatisticsConfig{
			Enabled:        true,
			Backend:        "memory",
			SQLitePath:     "meterproxy_stats.db",
			RedisKeyPrefix: "meterproxy",
			FlushInterval:  5,
			BufferSize:     10000,
			Prometheus:     true,
		},
		TargetClasses: map[string][]string{},
	}
}

// LoadConfig builds a configuration from defaults, the environment and the
// optional file at configPath (.json, .hcl, .yaml or .yml).
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var data map[string]any
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			data, err = readJSONConfig(configPath)
		case ".hcl":
			data, err = readHCLConfig(configPath)
		case ".yaml", ".yml":
			data, err = readYAMLConfig(configPath)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}
		if err != nil {
			return nil, err
		}

		if err := applyConfigMap(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(configPath string) ([]byte, string, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, "", fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	content, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open config file: %w", err)
	}
	return content, cleanPath, nil
}

func readJSONConfig(configPath string) (map[string]any, error) {
	content, _, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	// Decode into a map to handle the hyphenated keys
	var data map[string]any
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

func readYAMLConfig(configPath string) (map[string]any, error) {
	content, _, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("failed to decode YAML config: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// setValue parses m[key] into dst when the key is present.
func setValue[T any](m map[string]any, key string, dst *T) error {
	val, exists := m[key]
	if !exists || val == nil {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func parseStringList(value any) ([]string, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", value)
	}
	result := make([]string, 0, len(list))
	for i, item := range list {
		ptr, err := parseValue[string](item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		result = append(result, *ptr)
	}
	return result, nil
}

func parseObject(value any, key string) (map[string]any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", key)
	}
	return m, nil
}

// applyConfigMap maps a decoded configuration document onto cfg.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}

		// Clear default servers if specified in config
		cfg.Servers = []ServerConfig{}

		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("server configuration at index %d must be an object", i)
			}

			server := defaultServer()
			server.ListenAddress = ""
			if err := parseServer(serverMap, &server); err != nil {
				return fmt.Errorf("server at index %d: %w", i, err)
			}
			if server.ListenAddress == "" {
				return fmt.Errorf("server at index %d: listen-address is required", i)
			}
			cfg.Servers = append(cfg.Servers, server)
		}
	}

	for key, dst := range map[string]*int{
		"timeout-seconds":             &cfg.TimeoutSeconds,
		"header-read-timeout-seconds": &cfg.HeaderReadTimeoutSeconds,
		"connect-timeout-seconds":     &cfg.ConnectTimeoutSeconds,
		"idle-timeout-seconds":        &cfg.IdleTimeoutSeconds,
		"linger-timeout-seconds":      &cfg.LingerTimeoutSeconds,
		"shutdown-grace-seconds":      &cfg.ShutdownGraceSeconds,
		"accounting-flush-seconds":    &cfg.AccountingFlushSeconds,
	} {
		if err := setValue(data, key, dst); err != nil {
			return err
		}
	}
	if err := setValue(data, "accounting-flush-bytes", &cfg.AccountingFlushBytes); err != nil {
		return err
	}
	if err := setValue(data, "compression", &cfg.Compression); err != nil {
		return err
	}
	if err := setValue(data, "log-level", &cfg.LogLevel); err != nil {
		return err
	}
	if err := setValue(data, "log-format", &cfg.LogFormat); err != nil {
		return err
	}

	if val, exists := data["access"]; exists {
		accessMap, err := parseObject(val, "access")
		if err != nil {
			return err
		}
		if err := parseAccess(accessMap, &cfg.Access); err != nil {
			return fmt.Errorf("access: %w", err)
		}
	}

	if val, exists := data["upstream"]; exists {
		upstreamMap, err := parseObject(val, "upstream")
		if err != nil {
			return err
		}
		if err := parseUpstream(upstreamMap, &cfg.Upstream); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
	}

	if val, exists := data["admin"]; exists {
		adminMap, err := parseObject(val, "admin")
		if err != nil {
			return err
		}
		if err := setValue(adminMap, "enabled", &cfg.Admin.Enabled); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
		if err := setValue(adminMap, "auth-required", &cfg.Admin.AuthRequired); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
		if networks, exists := adminMap["allowed-networks"]; exists {
			list, err := parseStringList(networks)
			if err != nil {
				return fmt.Errorf("admin: allowed-networks: %w", err)
			}
			cfg.Admin.AllowedNetworks = list
		}
	}

	if val, exists := data["statistics"]; exists {
		statsMap, err := parseObject(val, "statistics")
		if err != nil {
			return err
		}
		if err := parseStatistics(statsMap, &cfg.Statistics); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
	}

	if val, exists := data["target-classes"]; exists {
		classMap, err := parseObject(val, "target-classes")
		if err != nil {
			return err
		}
		cfg.TargetClasses = make(map[string][]string, len(classMap))
		for name, domains := range classMap {
			list, err := parseStringList(domains)
			if err != nil {
				return fmt.Errorf("target-classes.%s: %w", name, err)
			}
			cfg.TargetClasses[name] = list
		}
	}

	return nil
}

func parseServer(m map[string]any, server *ServerConfig) error {
	if err := setValue(m, "listen-address", &server.ListenAddress); err != nil {
		return err
	}
	if err := setValue(m, "enabled", &server.Enabled); err != nil {
		return err
	}
	if err := setValue(m, "tls-cert-file", &server.TLSCertFile); err != nil {
		return err
	}
	if err := setValue(m, "tls-key-file", &server.TLSKeyFile); err != nil {
		return err
	}
	if err := setValue(m, "tls-key-password", &server.TLSKeyPassword); err != nil {
		return err
	}
	return setValue(m, "max-connections", &server.MaxConnections)
}

func parseAccess(m map[string]any, access *AccessConfig) error {
	if err := setValue(m, "default-policy", &access.DefaultPolicy); err != nil {
		return err
	}
	if val, exists := m["rules"]; exists {
		ruleList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("rules must be an array")
		}
		access.Rules = make([]AccessRule, 0, len(ruleList))
		for i, ruleData := range ruleList {
			ruleMap, ok := ruleData.(map[string]any)
			if !ok {
				return fmt.Errorf("rule at index %d must be an object", i)
			}
			var rule AccessRule
			if err := setValue(ruleMap, "network", &rule.Network); err != nil {
				return fmt.Errorf("rule at index %d: %w", i, err)
			}
			if err := setValue(ruleMap, "action", &rule.Action); err != nil {
				return fmt.Errorf("rule at index %d: %w", i, err)
			}
			access.Rules = append(access.Rules, rule)
		}
	}
	if val, exists := m["users"]; exists {
		users, err := parseStringList(val)
		if err != nil {
			return fmt.Errorf("users: %w", err)
		}
		access.Users = users
	}
	if err := setValue(m, "auth-required", &access.AuthRequired); err != nil {
		return err
	}
	if err := setValue(m, "never-ask-for-auth", &access.NeverAskForAuth); err != nil {
		return err
	}
	if err := setValue(m, "realm", &access.Realm); err != nil {
		return err
	}
	if err := setValue(m, "failure-threshold", &access.FailureThreshold); err != nil {
		return err
	}
	if err := setValue(m, "failure-window-seconds", &access.FailureWindowSeconds); err != nil {
		return err
	}
	return setValue(m, "failure-cache-size", &access.FailureCacheSize)
}

func parseUpstream(m map[string]any, upstream *UpstreamConfig) error {
	var typ string
	if err := setValue(m, "type", &typ); err != nil {
		return err
	}
	if typ != "" {
		upstream.Type = UpstreamType(typ)
	}
	if err := setValue(m, "address", &upstream.Address); err != nil {
		return err
	}
	if err := setValue(m, "force-ipv4", &upstream.ForceIPv4); err != nil {
		return err
	}
	if val, exists := m["username"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("username: %w", err)
		}
		upstream.Username = ptr
	}
	if val, exists := m["password"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("password: %w", err)
		}
		upstream.Password = ptr
	}
	return nil
}

func parseStatistics(m map[string]any, s *StatisticsConfig) error {
	if err := setValue(m, "enabled", &s.Enabled); err != nil {
		return err
	}
	if err := setValue(m, "backend", &s.Backend); err != nil {
		return err
	}
	if err := setValue(m, "sqlite-path", &s.SQLitePath); err != nil {
		return err
	}
	if err := setValue(m, "postgres-dsn", &s.PostgresDSN); err != nil {
		return err
	}
	if err := setValue(m, "redis-address", &s.RedisAddress); err != nil {
		return err
	}
	if err := setValue(m, "redis-password", &s.RedisPassword); err != nil {
		return err
	}
	if err := setValue(m, "redis-db", &s.RedisDB); err != nil {
		return err
	}
	if err := setValue(m, "redis-key-prefix", &s.RedisKeyPrefix); err != nil {
		return err
	}
	if err := setValue(m, "flush-interval", &s.FlushInterval); err != nil {
		return err
	}
	if err := setValue(m, "buffer-size", &s.BufferSize); err != nil {
		return err
	}
	return setValue(m, "prometheus", &s.Prometheus)
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	for i, server := range c.Servers {
		if (server.TLSCertFile == "") != (server.TLSKeyFile == "") {
			return fmt.Errorf("server at index %d: tls-cert-file and tls-key-file must be set together", i)
		}
	}

	switch c.Access.DefaultPolicy {
	case ActionAllow, ActionDeny:
	default:
		return fmt.Errorf("invalid default-policy: %q", c.Access.DefaultPolicy)
	}
	for i, rule := range c.Access.Rules {
		if _, err := ParseNetwork(rule.Network); err != nil {
			return fmt.Errorf("access rule at index %d: %w", i, err)
		}
		if rule.Action != ActionAllow && rule.Action != ActionDeny {
			return fmt.Errorf("access rule at index %d: invalid action %q", i, rule.Action)
		}
	}
	for i, user := range c.Access.Users {
		if name, _, ok := strings.Cut(user, ":"); !ok || name == "" {
			return fmt.Errorf("user at index %d must have the form user:pass", i)
		}
	}
	if c.Access.AuthRequired && len(c.Access.Users) == 0 {
		return fmt.Errorf("auth-required is set but no users are configured")
	}
	for i, network := range c.Admin.AllowedNetworks {
		if _, err := ParseNetwork(network); err != nil {
			return fmt.Errorf("admin allowed-networks at index %d: %w", i, err)
		}
	}

	switch c.Upstream.Type {
	case UpstreamDirect:
	case UpstreamSocks5, UpstreamProxy:
		if c.Upstream.Address == "" {
			return fmt.Errorf("upstream type %s requires an address", c.Upstream.Type)
		}
	default:
		return fmt.Errorf("invalid upstream type: %q", c.Upstream.Type)
	}

	switch c.Statistics.Backend {
	case "memory", "sqlite", "postgres", "redis", "dummy", "":
	default:
		return fmt.Errorf("unsupported stats backend: %s", c.Statistics.Backend)
	}
	return nil
}

// ParseNetwork parses a CIDR prefix or a single address into a prefix.
func ParseNetwork(network string) (netip.Prefix, error) {
	network = strings.TrimSpace(network)
	if strings.Contains(network, "/") {
		prefix, err := netip.ParsePrefix(network)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid network %q: %w", network, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(network)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid network %q: %w", network, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON and HCL numbers
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case int:
		// YAML integers
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(float64(v))
		default:
			return nil, fmt.Errorf("expected %T, got integer", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func envBool(name string) (bool, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return false, false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn("Invalid format for %s: %s", name, raw)
		return false, false
	}
	return b, true
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("Invalid format for %s: %s", name, raw)
		return 0, false
	}
	return i, true
}

func loadConfigFromEnv(cfg *Config) {
	if timeout, ok := envInt("METERPROXY_TIMEOUTSECONDS"); ok {
		cfg.TimeoutSeconds = timeout
	}

	if policy := os.Getenv("METERPROXY_DEFAULTPOLICY"); policy != "" {
		cfg.Access.DefaultPolicy = strings.ToLower(policy)
	}

	if users := os.Getenv("METERPROXY_USERS"); users != "" {
		cfg.Access.Users = nil
		for _, user := range strings.Split(users, ",") {
			if user = strings.TrimSpace(user); user != "" {
				cfg.Access.Users = append(cfg.Access.Users, user)
			}
		}
	}

	if required, ok := envBool("METERPROXY_AUTHREQUIRED"); ok {
		cfg.Access.AuthRequired = required
	}

	if backend := os.Getenv("METERPROXY_STATS_BACKEND"); backend != "" {
		cfg.Statistics.Backend = backend
	}

	if level := os.Getenv("METERPROXY_LOGLEVEL"); level != "" {
		cfg.LogLevel = level
	}

	// Single-listener shorthand
	if addr := os.Getenv("METERPROXY_LISTENADDRESS"); addr != "" {
		if len(cfg.Servers) == 0 {
			server := defaultServer()
			server.ListenAddress = addr
			cfg.Servers = []ServerConfig{server}
		} else {
			cfg.Servers[0].ListenAddress = addr
		}
	}

	// Example format: METERPROXY_SERVER_0_LISTENADDRESS=127.0.0.1:8080
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("METERPROXY_SERVER_%d_", i)

		addr := os.Getenv(prefix + "LISTENADDRESS")
		if addr == "" {
			break
		}

		var server ServerConfig
		if i < len(cfg.Servers) {
			server = cfg.Servers[i]
		} else {
			server = defaultServer()
		}
		server.ListenAddress = addr

		if enabled, ok := envBool(prefix + "ENABLED"); ok {
			server.Enabled = enabled
		}
		if certFile := os.Getenv(prefix + "TLSCERTFILE"); certFile != "" {
			server.TLSCertFile = certFile
		}
		if keyFile := os.Getenv(prefix + "TLSKEYFILE"); keyFile != "" {
			server.TLSKeyFile = keyFile
		}
		if maxConns, ok := envInt(prefix + "MAXCONNECTIONS"); ok {
			server.MaxConnections = maxConns
		}

		if i < len(cfg.Servers) {
			cfg.Servers[i] = server
		} else {
			cfg.Servers = append(cfg.Servers, server)
		}
	}
}
