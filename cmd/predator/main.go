// Command predator runs a scheduler cluster over the simulation driver
// and exposes operational subcommands for audit chains, replay, and
// load testing. The simulation driver stands in for a real browser
// fleet so the whole control plane can run self-contained.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/mindsync-ai/predator/pkg/audit"
	"github.com/mindsync-ai/predator/pkg/cluster"
	"github.com/mindsync-ai/predator/pkg/config"
	"github.com/mindsync-ai/predator/pkg/contracts"
	"github.com/mindsync-ai/predator/pkg/driver"
	"github.com/mindsync-ai/predator/pkg/driver/drivertest"
	"github.com/mindsync-ai/predator/pkg/engine"
	"github.com/mindsync-ai/predator/pkg/harness"
	"github.com/mindsync-ai/predator/pkg/observability"
	"github.com/mindsync-ai/predator/pkg/quota"
	"github.com/mindsync-ai/predator/pkg/telemetry"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Exposed for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}
	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "loadtest":
		return runLoadtest(args[2:], stdout, stderr)
	case "profiles":
		return runProfiles(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, engine.Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: predator <command> [flags]

Commands:
  serve      run the scheduler cluster and health endpoint
  verify     verify a workflow's audit chain
  replay     print a workflow's replay trace
  export     export a workflow's audit chain as canonical JSON lines
  loadtest   run the navigation soak against the simulation driver
  profiles   validate tenant profiles against the running engine version
  version    print the engine version`)
}

func runServe(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	flags.SetOutput(stderr)
	listen := flags.String("listen", ":8321", "health endpoint address")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stdout, nil))
	cfg := config.Load()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "predator-engine",
		ServiceVersion: engine.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	engineOpts := engine.Options{
		DataDir:         cfg.DataDir,
		AuditSigningKey: cfg.AuditSigningKey,
	}
	switch {
	case cfg.RedisAddr != "":
		engineOpts.RateBackend = quota.NewRedisRate(cfg.RedisAddr, "", 0)
	case cfg.PostgresDSN != "":
		backend, err := quota.NewPostgresRate(cfg.PostgresDSN)
		if err != nil {
			logger.Error("postgres rate backend init failed", "error", err)
			return 1
		}
		engineOpts.RateBackend = backend
	}

	schedulerConfig := cluster.DefaultSchedulerConfig()
	schedulerConfig.ShardCount = cfg.NodeCount
	schedulerConfig.Observability = provider
	c := cluster.New(schedulerConfig, cluster.DefaultAdmissionSLO(), engineOpts,
		func(nodeID int) (driver.Browser, error) {
			return drivertest.NewBrowser(), nil
		})
	if err := c.Initialize(ctx); err != nil {
		logger.Error("cluster init failed", "error", err)
		return 1
	}
	defer func() { _ = c.Close(context.Background()) }()

	if cfg.ProfilesDir != "" {
		profiles, err := config.LoadAllProfiles(cfg.ProfilesDir)
		if err != nil {
			logger.Error("profile load failed", "error", err)
			return 1
		}
		for tenantID, profile := range profiles {
			if err := profile.Compatible(engine.Version); err != nil {
				logger.Error("incompatible profile", "tenant", tenantID, "error", err)
				return 1
			}
			if err := c.SetTenantQuota(ctx, tenantID, profile.TenantQuota()); err != nil {
				logger.Error("quota provisioning failed", "tenant", tenantID, "error", err)
				return 1
			}
		}
		logger.Info("tenant profiles provisioned", "count", len(profiles))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Health())
	})
	server := &http.Server{Addr: *listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("predator serving", "version", engine.Version, "listen", *listen, "nodes", cfg.NodeCount)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

func openTrail(dataDir string) (*audit.Trail, error) {
	cfg := config.Load()
	if dataDir == "" {
		dataDir = cfg.DataDir
	}
	return audit.NewTrail(dataDir+"/audit", cfg.AuditSigningKey)
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("verify", flag.ContinueOnError)
	flags.SetOutput(stderr)
	dataDir := flags.String("data", "", "data directory (defaults to PREDATOR_DATA_DIR)")
	tenant := flags.String("tenant", "", "tenant id")
	workflow := flags.String("workflow", "", "workflow id")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" || *workflow == "" {
		_, _ = fmt.Fprintln(stderr, "verify: -tenant and -workflow are required")
		return 2
	}

	trail, err := openTrail(*dataDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	valid, detail, err := trail.VerifyChain(*tenant, *workflow)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	if !valid {
		_, _ = fmt.Fprintf(stdout, "INVALID %s\n", detail)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("replay", flag.ContinueOnError)
	flags.SetOutput(stderr)
	dataDir := flags.String("data", "", "data directory (defaults to PREDATOR_DATA_DIR)")
	tenant := flags.String("tenant", "", "tenant id")
	workflow := flags.String("workflow", "", "workflow id")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" || *workflow == "" {
		_, _ = fmt.Fprintln(stderr, "replay: -tenant and -workflow are required")
		return 2
	}

	trail, err := openTrail(*dataDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	trace, err := trail.ReplayTrace(*tenant, *workflow)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	encoder := json.NewEncoder(stdout)
	for _, step := range trace {
		if err := encoder.Encode(step); err != nil {
			_, _ = fmt.Fprintf(stderr, "replay: %v\n", err)
			return 1
		}
	}
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("export", flag.ContinueOnError)
	flags.SetOutput(stderr)
	dataDir := flags.String("data", "", "data directory (defaults to PREDATOR_DATA_DIR)")
	tenant := flags.String("tenant", "", "tenant id")
	workflow := flags.String("workflow", "", "workflow id")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" || *workflow == "" {
		_, _ = fmt.Fprintln(stderr, "export: -tenant and -workflow are required")
		return 2
	}

	trail, err := openTrail(*dataDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	out, err := trail.ExportChain(*tenant, *workflow)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	_, _ = stdout.Write(out)
	return 0
}

func runLoadtest(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	flags.SetOutput(stderr)
	workflows := flags.Int("workflows", 50, "workflows to run")
	concurrency := flags.Int("concurrency", 8, "concurrent workflows")
	tenants := flags.Int("tenants", 4, "tenant spread")
	startRate := flags.Float64("rate", 20, "workflow starts per second, 0 for unpaced")
	dataDir := flags.String("data", "", "scratch data directory")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *dataDir == "" {
		scratch, err := os.MkdirTemp("", "predator-loadtest-*")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "loadtest: %v\n", err)
			return 1
		}
		defer func() { _ = os.RemoveAll(scratch) }()
		*dataDir = scratch
	}

	browser := drivertest.NewBrowser()
	defer func() { _ = browser.Close(context.Background()) }()

	sessionConfig := engine.DefaultSessionConfig()
	sessionConfig.MaxTotalSessions = *concurrency * 2
	eng, err := engine.New(browser, engine.Options{
		DataDir:         *dataDir,
		AuditSigningKey: "loadtest",
		SessionConfig:   sessionConfig,
		Sink:            telemetry.NullSink{},
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "loadtest: %v\n", err)
		return 1
	}
	defer func() { _ = eng.Close(context.Background()) }()

	runner := harness.NewRunner(eng, harness.SimulationPolicy())
	summary, err := runner.Run(context.Background(), harness.Config{
		Workflows:   *workflows,
		Concurrency: *concurrency,
		Tenants:     *tenants,
		StartRate:   rate.Limit(*startRate),
		WaitKinds:   []string{contracts.WaitURL, contracts.WaitResponse},
		URLs:        harness.SimulationURLs(),
	}, `example\.com`)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "loadtest: %v\n", err)
		return 1
	}
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(summary)
	if summary.Failures > 0 {
		return 1
	}
	return 0
}

func runProfiles(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("profiles", flag.ContinueOnError)
	flags.SetOutput(stderr)
	dir := flags.String("dir", "", "profiles directory (defaults to PREDATOR_PROFILES_DIR)")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *dir == "" {
		*dir = config.Load().ProfilesDir
	}
	if *dir == "" {
		_, _ = fmt.Fprintln(stderr, "profiles: -dir or PREDATOR_PROFILES_DIR is required")
		return 2
	}

	profiles, err := config.LoadAllProfiles(*dir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "profiles: %v\n", err)
		return 1
	}
	exitCode := 0
	for tenantID, profile := range profiles {
		if err := profile.Compatible(engine.Version); err != nil {
			_, _ = fmt.Fprintf(stdout, "INCOMPATIBLE %s: %v\n", tenantID, err)
			exitCode = 1
			continue
		}
		_, _ = fmt.Fprintf(stdout, "OK %s\n", tenantID)
	}
	return exitCode
}
