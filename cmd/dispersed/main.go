package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/meridianlabs/disperse/pkg/alloc"
	"github.com/meridianlabs/disperse/pkg/alloc/memory"
	"github.com/meridianlabs/disperse/pkg/alloc/pg"
	"github.com/meridianlabs/disperse/pkg/engine"
	"github.com/meridianlabs/disperse/pkg/ledger/icrc"
	"github.com/meridianlabs/disperse/pkg/logger"
	"github.com/meridianlabs/disperse/pkg/metrics"
	"github.com/meridianlabs/disperse/pkg/retry"
	"github.com/meridianlabs/disperse/pkg/server"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load a local .env if present; flags and env vars take precedence.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set LISTEN_ADDR env var)")

	postgresDSNFlag := flag.String("postgres-dsn", "", "Postgres DSN for the allocation store; empty uses the in-memory store (or set POSTGRES_DSN env var)")
	migrateOnStartFlag := flag.Bool("pg-migrate-on-start", true, "Run Postgres migrations on startup")

	gatewayURLFlag := flag.String("ledger-gateway-url", "", "Base URL of the token ledger gateway (or set LEDGER_GATEWAY_URL env var)")
	custodyAccountFlag := flag.String("custody-account", "", "The engine's own account on the ledger (or set CUSTODY_ACCOUNT env var)")
	transferRateFlag := flag.Float64("transfer-rate", 10, "Maximum ledger transfer submissions per second (0 = unlimited)")

	controllersFlag := flag.StringArray("controller", nil, "Controller credential as identity=token; repeatable (or set CONTROLLERS env var, comma-separated)")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins for operator tooling")

	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run Postgres migrations and exit")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show Postgres migration status and exit")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("POSTGRES_DSN"); env != "" {
		*postgresDSNFlag = env
	}
	if env := os.Getenv("LEDGER_GATEWAY_URL"); env != "" {
		*gatewayURLFlag = env
	}
	if env := os.Getenv("CUSTODY_ACCOUNT"); env != "" {
		*custodyAccountFlag = env
	}
	if env := os.Getenv("CONTROLLERS"); env != "" {
		*controllersFlag = strings.Split(env, ",")
	}

	if *pgMigrateFlag {
		if *postgresDSNFlag == "" {
			return fmt.Errorf("--postgres-dsn is required for --pg-migrate")
		}
		return pg.RunMigrations(log, *postgresDSNFlag)
	}
	if *pgMigrateStatusFlag {
		if *postgresDSNFlag == "" {
			return fmt.Errorf("--postgres-dsn is required for --pg-migrate-status")
		}
		return pg.MigrationStatus(log, *postgresDSNFlag)
	}

	if *gatewayURLFlag == "" {
		return fmt.Errorf("--ledger-gateway-url is required")
	}
	if *custodyAccountFlag == "" {
		return fmt.Errorf("--custody-account is required")
	}

	controllerTokens, controllers, err := parseControllers(*controllersFlag)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	store, closeStore, err := newStore(ctx, log, *postgresDSNFlag, *migrateOnStartFlag)
	if err != nil {
		return err
	}
	defer closeStore()

	dialer, err := icrc.NewDialer(icrc.Config{
		Logger:       log,
		GatewayURL:   *gatewayURLFlag,
		TransferRate: rate.Limit(*transferRateFlag),
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger dialer: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Logger:         log,
		Store:          store,
		Dialer:         dialer,
		Controllers:    controllers,
		CustodyAccount: *custodyAccountFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:           log,
		Engine:           eng,
		ListenAddr:       *listenAddrFlag,
		ControllerTokens: controllerTokens,
		AllowedOrigins:   *allowedOriginsFlag,
		VersionInfo:      server.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	return g.Wait()
}

// parseControllers splits identity=token pairs into the engine's controller
// list and the server's token map.
func parseControllers(pairs []string) (map[string]string, []string, error) {
	if len(pairs) == 0 {
		return nil, nil, fmt.Errorf("at least one --controller identity=token is required")
	}

	tokens := make(map[string]string, len(pairs))
	identities := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		identity, token, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || identity == "" || token == "" {
			return nil, nil, fmt.Errorf("invalid controller credential %q, want identity=token", pair)
		}
		tokens[token] = identity
		identities = append(identities, identity)
	}
	return tokens, identities, nil
}

func newStore(ctx context.Context, log *slog.Logger, dsn string, migrate bool) (alloc.Store, func(), error) {
	if dsn == "" {
		log.Warn("main: no postgres dsn configured, using in-memory allocation store")
		return memory.New(log), func() {}, nil
	}

	if migrate {
		if err := pg.RunMigrations(log, dsn); err != nil {
			return nil, nil, err
		}
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store, err := pg.NewStore(pg.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}
