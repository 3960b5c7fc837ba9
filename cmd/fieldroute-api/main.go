package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/fieldroute/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/config"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/database"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/idempotency"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/logging"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/routes"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/server"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/visits"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/visitstate"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldroute-api",
		Short: "Field route visit submission service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand(), newResetStateCommand(), newImportRoutesCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().Bool("state-durable", defaults.GetBool("state.durable"), "Keep visit state in the database as well as in memory")
	cmd.PersistentFlags().String("state-read-mode", defaults.GetString("state.read_mode"), "Visit state read mode override (memory, shadow, db)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "state.durable", "state-durable")
	bindFlag(cmd, "state.read_mode", "state-read-mode")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type runtime struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
}

func openRuntime() (*runtime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Config{Driver: appConfig.DatabaseDriver, DSN: appConfig.DatabaseDSN}, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &runtime{config: appConfig, logger: logger, db: db}, nil
}

func (r *runtime) close() {
	if err := database.Close(r.db); err != nil {
		r.logger.Warn("database close failed", zap.Error(err))
	}
	_ = r.logger.Sync()
}

func (r *runtime) tokenIssuer() (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(r.config.SigningSecret),
		Issuer:        r.config.AuthIssuer,
		Audience:      r.config.AuthAudience,
		TokenTTL:      time.Duration(r.config.TokenTTLMinutes) * time.Minute,
	})
}

func (r *runtime) stateStore() (*visitstate.Store, error) {
	readMode, err := visitstate.ParseReadMode(r.config.StateReadMode)
	if err != nil {
		return nil, err
	}
	storeConfig := visitstate.StoreConfig{
		ReadMode: readMode,
		Clock:    time.Now,
		Logger:   r.logger,
	}
	if r.config.StateDurable {
		storeConfig.Durable = r.db
	}
	return visitstate.NewStore(storeConfig), nil
}

func runServer(ctx context.Context) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	tokenIssuer, err := rt.tokenIssuer()
	if err != nil {
		return err
	}
	states, err := rt.stateStore()
	if err != nil {
		return err
	}
	directory, err := routes.NewDirectory(rt.db)
	if err != nil {
		return err
	}

	visitService, err := visits.NewService(visits.ServiceConfig{
		Database:   rt.db,
		States:     states,
		Routes:     directory,
		Clock:      time.Now,
		IDProvider: visits.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens: tokenIssuer,
		Visits: visitService,
		States: states,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              rt.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newIssueTokenCommand() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a bearer token for a technician",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := (&runtime{config: appConfig}).tokenIssuer()
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueToken(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "Technician user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newResetStateCommand() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "reset-state",
		Short: "Delete visit state for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := time.Parse(idempotency.DayLayout, day); err != nil {
				return fmt.Errorf("--day must be YYYY-MM-DD: %w", err)
			}
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			states, err := rt.stateStore()
			if err != nil {
				return err
			}
			if err := states.ResetDay(cmd.Context(), day); err != nil {
				return err
			}
			rt.logger.Info("visit state reset", zap.String("day", day))
			return nil
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "Day to reset (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("day")
	return cmd
}

func newImportRoutesCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "import-routes",
		Short: "Load route stops from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			var stops []routes.RouteVisit
			if err := json.Unmarshal(raw, &stops); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}

			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			directory, err := routes.NewDirectory(rt.db)
			if err != nil {
				return err
			}
			if err := directory.Import(cmd.Context(), stops); err != nil {
				return err
			}
			rt.logger.Info("routes imported", zap.Int("stops", len(stops)))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "JSON array of route stops")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
