package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/routestream/internal/cfg"
	"github.com/keithlinneman/routestream/internal/cryptoutil"
	"github.com/keithlinneman/routestream/internal/health"
	"github.com/keithlinneman/routestream/internal/httpmw"
	"github.com/keithlinneman/routestream/internal/httpserver"
	"github.com/keithlinneman/routestream/internal/log"
	"github.com/keithlinneman/routestream/internal/manifest"
	"github.com/keithlinneman/routestream/internal/metrics"
	"github.com/keithlinneman/routestream/internal/opshttp"
	"github.com/keithlinneman/routestream/internal/otelx"
	"github.com/keithlinneman/routestream/internal/prof"
	"github.com/keithlinneman/routestream/internal/ratelimit"
	"github.com/keithlinneman/routestream/internal/registryhttp"
	"github.com/keithlinneman/routestream/internal/router"
	v "github.com/keithlinneman/routestream/internal/version"
	"github.com/keithlinneman/routestream/internal/webassets"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix ROUTESTREAM_ and validate
	cfg.FillFromEnv(flag.CommandLine, "ROUTESTREAM_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Level:           lvl,
		StacktraceLevel: stLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"enable_manifest_updates", conf.EnableManifestUpdates,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"trusted_hops", conf.TrustedHops,
		"manifest_ssm_param", conf.ManifestSSMParam,
		"manifest_s3_bucket", conf.ManifestS3Bucket,
		"manifest_s3_prefix", conf.ManifestS3Prefix,
		"manifest_signing_key_arn", conf.ManifestSigningKeyARN,
		"manifest_poll_seconds", conf.ManifestPollSeconds,
	)

	// Setup metrics registry early so everything below can report into it
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// The route registry is the single source of truth for what we serve.
	// Seed it from the embedded assets so the server has answers before
	// the first manifest load.
	registry := router.New()
	if n, err := webassets.Seed(registry); err != nil {
		L.Error(ctx, err, "failed to seed routes from embedded assets")
	} else if n > 0 {
		L.Info(ctx, "seeded routes from embedded assets", "routes", n)
	} else {
		L.Info(ctx, "no embedded seed routes available")
	}
	m.SetActiveRoutes(registry.Len())

	// Manifest loading: SSM points at the current manifest hash, S3 holds
	// the manifest documents and the route content they reference.
	var applier *manifest.Applier
	if conf.EnableManifestUpdates {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}

		// KMS verifier for manifest signatures if a key is configured
		var verifier manifest.SignatureVerifier
		if conf.ManifestSigningKeyARN != "" {
			kmsClient := kms.NewFromConfig(awsCfg)
			verifier = cryptoutil.NewKMSVerifier(kmsClient, conf.ManifestSigningKeyARN)
		}

		loader, err := manifest.NewLoader(ctx, manifest.LoaderOptions{
			Logger:    L,
			SSMParam:  conf.ManifestSSMParam,
			S3Bucket:  conf.ManifestS3Bucket,
			S3Prefix:  conf.ManifestS3Prefix,
			Verifier:  verifier,
			AWSConfig: &awsCfg,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create manifest loader, manifest updates will be disabled")
		} else {
			applier = manifest.NewApplier(loader, registry, L, m)

			// initial load, falling back to seed routes on failure
			if hash, man, err := loader.Load(ctx); err != nil {
				L.Error(ctx, err, "failed to load route manifest, serving seed routes")
			} else if err := manifest.ValidateManifest(man, manifest.DefaultValidationOptions()); err != nil {
				L.Error(ctx, err, "route manifest failed validation, serving seed routes")
			} else if set, removed, err := applier.Apply(ctx, hash, man); err != nil {
				L.Error(ctx, err, "failed to apply route manifest")
			} else {
				m.SetManifest(hash)
				m.SetManifestLoadedTimestamp(time.Now())
				L.Info(ctx, "applied route manifest",
					"manifest_hash", hash,
					"routes_set", set,
					"routes_removed", removed,
				)
			}

			// poll for new manifests, validate and swap into the registry
			watcher := manifest.NewWatcher(&manifest.WatcherOptions{
				Logger:       L,
				Loader:       loader,
				Applier:      applier,
				PollInterval: time.Duration(conf.ManifestPollSeconds) * time.Second,
				Metrics:      m,
				OnSwap: func(hash string, routes int) {
					m.SetManifest(hash)
					m.SetManifestLoadedTimestamp(time.Now())
				},
			})
			// Run the watcher in a separate goroutine
			go watcher.Run(ctx)
		}
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// Readiness: the shutdown gate must be open AND we must have something
	// to serve (seed routes count, so a failed first manifest load doesn't
	// flap the load balancer).
	routesProbe := health.CheckFunc(func(context.Context) error {
		if registry.Len() == 0 {
			return fmt.Errorf("route registry is empty")
		}
		return nil
	})
	var contentProbe health.Probe = routesProbe
	if applier != nil {
		contentProbe = health.Any(
			routesProbe,
			health.CheckFunc(func(context.Context) error { return applier.ReadyErr() }),
		)
	}
	readiness := health.All(gate.Probe(), contentProbe)

	// Setup rate limiter middleware for the content handler
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitPerSecond, conf.RateLimitBurst),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// content handler serving out of the route registry
	contentHandler, err := registryhttp.New(&registryhttp.Options{
		Logger:   L,
		Registry: registry,
		Metrics:  m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create content handler")
		os.Exit(1)
	}
	routes := registryhttp.NewRoutes(registry, contentHandler)

	var manifestInfo httpmw.ManifestInfo
	if applier != nil {
		manifestInfo = applier
	}

	// start content http server
	contentHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Port:         conf.HTTPPort,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			APIRoutes:    routes.RegisterRoutes,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			RateLimitMW:  limiter.Middleware,
			Logger:       L,
			Manifest:     manifestInfo,
			ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		},
	)

	if err != nil {
		L.Error(ctx, err, "failed to start content http listener")
		os.Exit(1)
	}
	defer func() { _ = contentHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// sg restricts inbound to internal monitoring infrastructure, and the
	// listener itself rejects public peers in case the sg is misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// wait for ctrl+c / sigterm
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// sleep to allow in-flight requests to finish and for the load balancer
	// to see unhealthy and stop sending new requests
	L.Info(context.Background(), "sleeping 60s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(60 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := contentHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "content http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
