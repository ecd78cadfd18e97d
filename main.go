package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/codefionn/meterproxy/meterproxy-srv/admin"
	"github.com/codefionn/meterproxy/meterproxy-srv/config"
	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
	"github.com/codefionn/meterproxy/meterproxy-srv/proxy"
	"github.com/codefionn/meterproxy/meterproxy-srv/stats"
)

var version string

type options struct {
	configPath string
	debug      bool
	watch      bool
}

func main() {
	cfg, opts := parseFlagsAndConfig()
	os.Exit(runProxy(cfg, opts))
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (*config.Config, options) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (.json, .hcl, .yaml)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	watch := flag.Bool("watch", true, "Reload the configuration file when it changes")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("meterproxy version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	logger.Info("Starting meterproxy")
	logger.Debug("Using configuration file: %s", *configPathPtr)

	configPath := *configPathPtr
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		configPath = ""
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	opts := options{configPath: configPath, debug: *debugMode, watch: *watch}
	applyLogging(cfg, opts)

	for i, server := range cfg.Servers {
		transport := "plain"
		if server.TLSEnabled() {
			transport = "tls"
		}
		logger.Debug("Server %d: %s on %s (enabled=%t)", i, transport, server.ListenAddress, server.Enabled)
	}
	logger.Debug("Upstream: %s", cfg.Upstream.Type)
	logger.Debug("Statistics backend: %s (enabled=%t)", cfg.Statistics.Backend, cfg.Statistics.Enabled)

	return cfg, opts
}

func applyLogging(cfg *config.Config, opts options) {
	if cfg.LogFormat != "" {
		logger.SetFormat(cfg.LogFormat)
	}
	if cfg.LogLevel != "" {
		logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	}
	if opts.debug {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}
}

// runProxy serves until SIGINT or SIGTERM and returns the exit code.
// SIGHUP and file changes reload the configuration; listener changes restart
// the proxy.
func runProxy(cfg *config.Config, opts options) int {
	defer func() { _ = logger.Sync() }()

	sinks, err := stats.NewCollectorFactory().CreateCollectorFromConfig(cfg)
	if err != nil {
		logger.Error("Failed to create statistics collector: %v", err)
		return 1
	}
	defer func() {
		if err := sinks.Collector.Close(); err != nil {
			logger.Error("Failed to close statistics collector: %v", err)
		}
	}()
	adminHandler := admin.NewHandler(sinks)

	proxyInstance, err := proxy.NewProxy(cfg, sinks.Collector, adminHandler)
	if err != nil {
		logger.Error("Failed to create proxy: %v", err)
		return 1
	}

	errChan := make(chan error, 1)
	startProxy := func(p *proxy.Proxy) {
		go func() {
			logger.Info("Starting proxy server...")
			if err := p.Start(); err != nil {
				errChan <- err
			}
		}()
	}
	startProxy(proxyInstance)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloadChan := make(chan *config.Config, 1)
	if opts.watch && opts.configPath != "" {
		watcher, err := config.NewWatcher(opts.configPath, func(newCfg *config.Config) {
			select {
			case reloadChan <- newCfg:
			default:
				logger.Warn("Configuration reload already pending, skipping")
			}
		})
		if err != nil {
			logger.Warn("Config watcher unavailable: %v", err)
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config watcher unavailable: %v", err)
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	currentCfg := cfg
	apply := func(newCfg *config.Config) {
		if !config.HasChanged(currentCfg, newCfg) {
			logger.Info("Config unchanged after reload")
			return
		}
		applyLogging(newCfg, opts)

		if !config.ListenersChanged(currentCfg, newCfg) {
			if err := proxyInstance.Reload(newCfg); err != nil {
				logger.Error("Failed to apply configuration: %v (keeping current config)", err)
				return
			}
			currentCfg = newCfg
			return
		}

		logger.Info("Listeners changed. Restarting proxy...")
		nextSinks, nextAdmin := sinks, adminHandler
		if newCfg.Statistics != currentCfg.Statistics {
			created, err := stats.NewCollectorFactory().CreateCollectorFromConfig(newCfg)
			if err != nil {
				logger.Error("Failed to create statistics collector: %v (keeping current config)", err)
				return
			}
			nextSinks, nextAdmin = created, admin.NewHandler(created)
		}
		next, err := proxy.NewProxy(newCfg, nextSinks.Collector, nextAdmin)
		if err != nil {
			logger.Error("Failed to create proxy for new configuration: %v (keeping current config)", err)
			if nextSinks != sinks {
				_ = nextSinks.Collector.Close()
			}
			return
		}
		if err := proxyInstance.Stop(); err != nil {
			logger.Error("Error stopping proxy for reload: %v", err)
		}
		if nextSinks != sinks {
			if err := sinks.Collector.Close(); err != nil {
				logger.Error("Failed to close statistics collector: %v", err)
			}
			sinks, adminHandler = nextSinks, nextAdmin
		}
		proxyInstance = next
		startProxy(proxyInstance)
		currentCfg = newCfg
		logger.Info("Proxy restarted with new configuration.")
	}

	for {
		select {
		case err := <-errChan:
			logger.Error("Proxy server error: %v", err)
			_ = proxyInstance.Stop()
			return 1
		case newCfg := <-reloadChan:
			apply(newCfg)
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				if opts.configPath == "" {
					logger.Warn("No configuration file to reload")
					continue
				}
				newCfg, err := config.LoadConfig(opts.configPath)
				if err != nil {
					logger.Error("Failed to reload config: %v (keeping current config)", err)
					continue
				}
				apply(newCfg)
			default:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				if err := proxyInstance.Stop(); err != nil {
					logger.Error("Error during shutdown: %v", err)
				}
				logger.Info("Proxy server shutdown complete")
				return 0
			}
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
