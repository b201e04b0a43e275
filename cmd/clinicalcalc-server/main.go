package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/caredroid/clinicalcalc/internal/config"
	"github.com/caredroid/clinicalcalc/internal/domain/assessment"
	"github.com/caredroid/clinicalcalc/internal/platform/auth"
	"github.com/caredroid/clinicalcalc/internal/platform/db"
	"github.com/caredroid/clinicalcalc/internal/platform/middleware"
	"github.com/caredroid/clinicalcalc/internal/platform/serializer"
	"github.com/caredroid/clinicalcalc/pkg/scoring"
)

const version = "0.1.0"

// Batch bodies may be this many times larger than BODY_LIMIT.
const batchBodyFactor = 4

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "clinicalcalc-server",
		Short:        "Clinical scoring API server",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(calculatorsCmd())
	root.AddCommand(calcCmd())
	root.AddCommand(tokenCmd())
	return root
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// loadEquations returns the built-in eGFR equations plus any from path.
func loadEquations(path string) (*scoring.EquationSet, error) {
	set := scoring.DefaultEquations()
	if path == "" {
		return set, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read eGFR coefficients: %w", err)
	}
	eqs, err := scoring.ParseEquations(data)
	if err != nil {
		return nil, err
	}
	for _, eq := range eqs {
		if err := set.Add(eq); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func newService(cfg *config.Config, repo assessment.AssessmentRepository, logger zerolog.Logger) (*assessment.Service, error) {
	equations, err := loadEquations(cfg.EGFRCoefficientsFile)
	if err != nil {
		return nil, err
	}
	return assessment.NewService(repo, assessment.Config{
		Equations: equations,
		Equation:  cfg.EGFREquation,
		Logger:    logger,
	})
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolOptions{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

// -- serve --

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// authMiddleware selects the authenticator for the configured mode.
func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	switch mode := cfg.ResolvedAuthMode(); mode {
	case "development":
		return auth.DevAuthMiddleware(auth.Principal{
			Subject:  "dev-user",
			TenantID: cfg.DefaultTenant,
			Roles:    []string{"admin"},
			Tier:     assessment.TierInstitutional,
		}), nil
	case "external":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:      cfg.AuthIssuer,
			Audience:    cfg.AuthAudience,
			JWKSURL:     cfg.AuthJWKSURL,
			DefaultTier: cfg.DefaultSubscriptionTier,
		}), nil
	case "standalone":
		key, err := cfg.SigningKey()
		if err != nil {
			return nil, err
		}
		if len(key) == 0 {
			return nil, fmt.Errorf("AUTH_SIGNING_KEY is required in standalone mode")
		}
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:      cfg.AuthIssuer,
			Audience:    cfg.AuthAudience,
			SigningKey:  key,
			DefaultTier: cfg.DefaultSubscriptionTier,
		}), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

// newServer assembles the echo instance. pool may be nil, in which case
// assessments are not persisted and no tenant scoping is applied.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *assessment.Service, pool *pgxpool.Pool, authn echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = serializer.JSON{}

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	batchLimit := strconv.FormatInt(middleware.ParseLimit(cfg.BodyLimit)*batchBodyFactor, 10)
	e.Use(middleware.BodyLimit(cfg.BodyLimit, batchLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.Use(authn)
	if pool != nil {
		e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	}
	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"version": version,
			"history": svc.HasHistory(),
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	api := e.Group("/api/v1")
	api.Use(middleware.RateLimit(rl))
	assessment.NewHandler(svc).RegisterRoutes(api)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	var pool *pgxpool.Pool
	var repo assessment.AssessmentRepository
	if cfg.HasDatabase() {
		pool, err = openPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		repo = assessment.NewAssessmentRepoPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set; assessment history is disabled")
	}

	svc, err := newService(cfg, repo, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build calculator service")
	}

	authn, err := authMiddleware(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure authentication")
	}
	logger.Info().Str("auth_mode", cfg.ResolvedAuthMode()).Msg("authentication configured")

	e := newServer(cfg, logger, svc, pool, authn)

	if pool != nil && cfg.RetentionPeriod() > 0 {
		scheduler := cron.New()
		job := assessment.NewRetentionJob(svc, pool, cfg.RetentionTenants, cfg.RetentionPeriod(), logger)
		if err := assessment.ScheduleRetention(scheduler, cfg.RetentionSchedule, job); err != nil {
			logger.Fatal().Err(err).Str("schedule", cfg.RetentionSchedule).Msg("invalid retention schedule")
		}
		scheduler.Start()
		defer scheduler.Stop()
		logger.Info().
			Str("schedule", cfg.RetentionSchedule).
			Int("retention_days", cfg.RetentionDays).
			Strs("tenants", cfg.RetentionTenants).
			Msg("assessment retention scheduled")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// -- migrate --

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, dir).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(out io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// -- tenant --

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			dir, _ := cmd.Flags().GetString("dir")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if _, err := db.SchemaName(name); err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireDatabase(); err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: tenant_%s\n", name)
			if err := db.CreateTenantSchema(ctx, pool, name, dir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	createCmd.Flags().String("dir", "./migrations", "Path to migrations directory; empty skips migrations")
	cmd.AddCommand(createCmd)
	return cmd
}

// -- calculators / calc --

func writeJSON(out io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

func localService() (*assessment.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newService(cfg, nil, zerolog.Nop())
}

func calculatorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calculators",
		Short: "Print the calculator catalog as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := localService()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), svc.ListCalculators())
		},
	}
}

// parseSets turns key=value pairs into a parameter object. Values stay
// strings; the calculator decoder accepts numeric and boolean strings.
func parseSets(base string, sets []string) (json.RawMessage, error) {
	params := map[string]interface{}{}
	if strings.TrimSpace(base) != "" {
		if err := json.Unmarshal([]byte(base), &params); err != nil {
			return nil, fmt.Errorf("--params must be a JSON object: %w", err)
		}
	}
	for _, s := range sets {
		key, value, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: expected key=value", s)
		}
		params[key] = strings.TrimSpace(value)
	}
	return json.Marshal(params)
}

func calcCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calc",
		Short: "Evaluate one calculator locally and print the assessment as JSON",
	}
	for _, kind := range scoring.Kinds {
		kind := kind
		sub := &cobra.Command{
			Use:   string(kind),
			Short: fmt.Sprintf("Evaluate %s", kind),
			Example: fmt.Sprintf("  clinicalcalc-server calc %s --set key=value --set key=value\n"+
				"  clinicalcalc-server calc %s --params '{\"key\": 1}'", kind, kind),
			RunE: func(cmd *cobra.Command, args []string) error {
				base, _ := cmd.Flags().GetString("params")
				sets, _ := cmd.Flags().GetStringArray("set")
				raw, err := parseSets(base, sets)
				if err != nil {
					return err
				}
				svc, err := localService()
				if err != nil {
					return err
				}
				a, err := svc.Execute(cmd.Context(), assessment.ExecuteRequest{
					Calculator:  string(kind),
					Parameters:  raw,
					Tier:        assessment.TierInstitutional,
					PerformedBy: "cli",
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), a)
			},
		}
		sub.Flags().String("params", "", "Parameters as a JSON object")
		sub.Flags().StringArray("set", nil, "Parameter as key=value (repeatable)")
		cmd.AddCommand(sub)
	}
	return cmd
}

// -- token --

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage standalone-mode access tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign an HS256 token with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			tenant, _ := cmd.Flags().GetString("tenant")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			tier, _ := cmd.Flags().GetString("tier")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			key, err := cfg.SigningKey()
			if err != nil {
				return err
			}
			if len(key) == 0 {
				return fmt.Errorf("AUTH_SIGNING_KEY is required to issue tokens")
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			token, err := auth.IssueToken(key, auth.Principal{
				Subject:  subject,
				TenantID: tenant,
				Roles:    roles,
				Tier:     tier,
			}, cfg.AuthIssuer, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issueCmd.Flags().String("subject", "", "Token subject (user id)")
	issueCmd.Flags().String("tenant", "", "Tenant id (defaults to DEFAULT_TENANT)")
	issueCmd.Flags().StringSlice("roles", []string{"physician"}, "Comma-separated roles")
	issueCmd.Flags().String("tier", assessment.TierFree, "Subscription tier")
	issueCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	cmd.AddCommand(issueCmd)
	return cmd
}
