package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/htafolla/strray-coordinator/pkg/config"
	"github.com/htafolla/strray-coordinator/pkg/coordinator"
	"github.com/htafolla/strray-coordinator/pkg/store"
)

var version = "dev"

func main() {
	var configPath string
	var backendMode string

	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&backendMode, "backend", "redis", "Backing store: redis or memory (memory is single-instance, for development)")

	// Flag overrides on top of config-file values.
	instanceID := flag.String("instance-id", "", "Instance id (generated if empty)")
	host := flag.String("host", "", "Host peers reach this instance on")
	port := flag.Int("port", 0, "Port peers reach this instance on")
	apiListen := flag.String("api-listen", "", "Coordination API listen address")
	proxyListen := flag.String("proxy-listen", "", "Proxy listen address")
	redisHost := flag.String("redis-host", "", "Redis host")
	redisPort := flag.Int("redis-port", 0, "Redis port")
	redisTLS := flag.Bool("redis-tls", false, "Use TLS for the Redis connection")
	algorithm := flag.String("algorithm", "", "Routing algorithm: round-robin, least-connections, weighted-round-robin, session-affinity")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			klog.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	if *instanceID != "" {
		cfg.InstanceID = *instanceID
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *apiListen != "" {
		cfg.APIListen = *apiListen
	}
	if *proxyListen != "" {
		cfg.Router.ProxyListen = *proxyListen
	}
	if *redisHost != "" {
		cfg.Redis.Host = *redisHost
	}
	if *redisPort != 0 {
		cfg.Redis.Port = *redisPort
	}
	if *redisTLS {
		cfg.Redis.TLS = true
	}
	if *algorithm != "" {
		cfg.Router.Algorithm = config.Algorithm(*algorithm)
	}
	if *debug {
		cfg.Debug = true
	}

	// Secrets come from the environment so they never sit in argv.
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" && cfg.Redis.Password == "" {
		cfg.Redis.Password = pass
	}
	if secret := os.Getenv("SHARED_SECRET"); secret != "" && cfg.SharedSecret == "" {
		cfg.SharedSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		klog.Fatalf("Invalid configuration: %v", err)
	}

	if cfg.Debug {
		var fs flag.FlagSet
		klog.InitFlags(&fs)
		fs.Set("v", "2")
	}

	klog.InfoS("Starting strray coordinator",
		"version", version,
		"instance", cfg.InstanceID,
		"backend", backendMode,
		"algorithm", cfg.Router.Algorithm)

	if cfg.SharedSecret == "" {
		klog.Warning("No shared secret configured - peer authentication disabled (not recommended for production)")
	}

	var backend store.Backend
	switch backendMode {
	case "redis":
		b, err := store.NewRedisBackend(store.RedisOptions{
			Host:          cfg.Redis.Host,
			Port:          cfg.Redis.Port,
			Password:      cfg.Redis.Password,
			TLS:           cfg.Redis.TLS,
			TLSSkipVerify: cfg.Redis.TLSSkipVerify,
		})
		if err != nil {
			klog.Fatalf("Failed to connect to backing store: %v", err)
		}
		backend = b
	case "memory":
		klog.Warning("Memory backend selected - coordination is limited to this process")
		backend = store.NewMemoryBackend(nil)
	default:
		klog.Fatalf("Unknown backend: %s (must be redis or memory)", backendMode)
	}
	defer backend.Close()

	co, err := coordinator.New(cfg, backend, nil)
	if err != nil {
		klog.Fatalf("Failed to create coordinator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		klog.InfoS("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := co.Run(ctx); err != nil {
		klog.Fatalf("Coordinator error: %v", err)
	}

	klog.Info("Shutdown complete")
}
