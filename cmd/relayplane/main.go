// Command relayplane runs the local LLM routing proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/relayplane/relayplane/internal/alerts"
	"github.com/relayplane/relayplane/internal/anomaly"
	"github.com/relayplane/relayplane/internal/authz"
	"github.com/relayplane/relayplane/internal/budget"
	"github.com/relayplane/relayplane/internal/cache"
	"github.com/relayplane/relayplane/internal/config"
	"github.com/relayplane/relayplane/internal/cooldown"
	"github.com/relayplane/relayplane/internal/mesh"
	"github.com/relayplane/relayplane/internal/proxy"
	"github.com/relayplane/relayplane/internal/telemetry"
	"github.com/relayplane/relayplane/internal/upstream"
)

const version = "0.9.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relayplane:", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env next to the working directory is a convenience, not a
	// requirement.
	_ = godotenv.Load()

	var (
		flagHost    = flag.String("host", "", "listen host (overrides config)")
		flagPort    = flag.Int("port", 0, "listen port (overrides config)")
		flagConfig  = flag.String("config", "", "config file path")
		flagDebug   = flag.Bool("debug", false, "enable debug logging")
		flagVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()
	if flag.NArg() > 0 {
		return fmt.Errorf("unknown command %q", flag.Arg(0))
	}
	if *flagVersion {
		fmt.Println("relayplane", version)
		return nil
	}

	level := zerolog.InfoLevel
	if *flagDebug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	cfgPath := *flagConfig
	if cfgPath == "" {
		cfgPath = config.Path()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	host, port, portExplicit := listenAddr(cfg, *flagHost, *flagPort)

	// At least one provider key must be present unless callers always bring
	// their own.
	authResolver := authz.New(nil)
	providers := authResolver.ConfiguredFamilies()
	if len(providers) == 0 {
		return errors.New("no provider API keys found; set at least one of ANTHROPIC_API_KEY, OPENAI_API_KEY, ...")
	}

	baseDir := filepath.Dir(cfgPath)
	clock := clockwork.NewRealClock()

	// Durable stores. Open failures degrade to memory-only mode rather
	// than refusing to start.
	cacheDir := filepath.Join(baseDir, "cache")
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", cacheDir, err)
	}
	cacheIndex, err := cache.OpenIndex(filepath.Join(cacheDir, "index.db"))
	if err != nil {
		log.Warn().Err(err).Msg("cache index unavailable, caching in memory only")
		cacheIndex = nil
	} else {
		defer cacheIndex.Close()
	}
	cfg.Cache.Dir = cacheDir
	if cacheIndex == nil {
		cfg.Cache.Dir = ""
	}
	respCache, err := cache.New(cfg.Cache, cacheIndex, clock, log)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	budgetStore, err := budget.OpenStore(filepath.Join(baseDir, "budget.db"))
	if err != nil {
		log.Warn().Err(err).Msg("budget store unavailable, spend tracking in memory only")
		budgetStore = nil
	} else {
		defer budgetStore.Close()
	}
	budgetMgr := budget.NewManager(cfg.Budget, budgetStore, clock, log)

	alertStore, err := alerts.OpenStore(filepath.Join(baseDir, "alerts.db"))
	if err != nil {
		log.Warn().Err(err).Msg("alert store unavailable, alert history in memory only")
		alertStore = nil
	} else {
		defer alertStore.Close()
	}
	alertMgr := alerts.NewManager(cfg.Alerts, alertStore, clock, log)

	meshStore, err := mesh.Open(filepath.Join(baseDir, "mesh.db"), os.Getenv("RELAYPLANE_API_URL"), clock)
	if err != nil {
		log.Warn().Err(err).Msg("mesh store unavailable")
		meshStore = nil
	} else {
		defer meshStore.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mirror, err := telemetry.NewMirror(ctx, os.Getenv(telemetry.EnvTelemetryDB), log)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry mirror unavailable")
	} else if mirror != nil {
		defer mirror.Close()
	}

	srv := proxy.New(cfg, proxy.Deps{
		Cache:      respCache,
		Budget:     budgetMgr,
		Anomaly:    anomaly.New(cfg.Anomaly, clock),
		Alerts:     alertMgr,
		Cooldown:   cooldown.New(cfg.Cooldown, clock),
		Auth:       authResolver,
		Upstream:   upstream.NewClient(time.Duration(cfg.Proxy.TimeoutSeconds)*time.Second, nil, log),
		Recorder:   telemetry.NewRecorder(mirror, log),
		Mesh:       meshStore,
		Metrics:    proxy.NewMetrics(),
		Clock:      clock,
		Log:        log,
		Version:    version,
		Providers:  providers,
		ConfigPath: cfgPath,
	})

	fallback := 0
	if !portExplicit && port == config.DefaultPort {
		fallback = config.AlternatePort
	}
	ln, addr, err := listen(host, port, fallback, log)
	if err != nil {
		return err
	}
	httpServer := &http.Server{Handler: srv.Routes()}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Str("version", version).Msg("relayplane listening")
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		watcher, err := config.NewWatcher(cfgPath, log, srv.ApplyConfig)
		if err != nil {
			log.Warn().Err(err).Msg("config watcher unavailable")
			<-ctx.Done()
			return nil
		}
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("forced shutdown after grace period")
		}
		// Drain the write-behind spend queue before stores close.
		return budgetMgr.Close(shutdownCtx)
	})

	return g.Wait()
}

// listenAddr resolves the listener address: flags, then env, then config.
// The boolean reports whether the port was chosen explicitly (flag or env),
// which suppresses the alternate-port fallback.
func listenAddr(cfg config.Config, flagHost string, flagPort int) (string, int, bool) {
	host := cfg.Proxy.Host
	if host == "" {
		host = config.DefaultHost
	}
	if v := os.Getenv(config.EnvProxyHost); v != "" {
		host = v
	}
	if flagHost != "" {
		host = flagHost
	}

	port := cfg.Proxy.Port
	explicit := false
	if port == 0 {
		port = config.DefaultPort
	}
	if v := os.Getenv(config.EnvProxyPort); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			port = n
			explicit = true
		}
	}
	if flagPort != 0 {
		port = flagPort
		explicit = true
	}
	return host, port, explicit
}

// listen binds the listener address. When the primary port is taken and a
// fallback port is given, the fallback is tried before giving up.
func listen(host string, port, fallback int, log zerolog.Logger) (net.Listener, string, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, addr, nil
	}
	if fallback == 0 {
		return nil, "", fmt.Errorf("bind %s: %w", addr, err)
	}
	alt := net.JoinHostPort(host, strconv.Itoa(fallback))
	log.Warn().Str("addr", addr).Str("fallback", alt).Msg("port unavailable, trying fallback")
	ln, altErr := net.Listen("tcp", alt)
	if altErr != nil {
		return nil, "", fmt.Errorf("bind %s: %w", addr, err)
	}
	return ln, alt, nil
}
