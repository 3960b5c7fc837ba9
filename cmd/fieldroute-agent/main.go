package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/fieldroute/internal/agent/queue"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/agent/storage"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/agent/transport"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/config"
	"github.com/MarcoPoloResearchLab/fieldroute/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string

	errMissingAuthToken = errors.New("auth token is required (set FIELDROUTE_AGENT_AUTH_TOKEN or --auth-token)")
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "fieldroute-agent",
		Short:        "Technician-side visit submission queue",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newSubmitCommand(),
		newEnqueueCommand(),
		newFlushCommand(),
		newStatsCommand(),
		newClearCommand(),
		newWatchCommand(),
		newCheckInCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyAgentDefaults(viper.GetViper())
	defaults := config.NewAgentViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Base URL of the fieldroute API")
	cmd.PersistentFlags().String("auth-token", "", "Bearer token (overrides env)")
	cmd.PersistentFlags().String("queue-path", defaults.GetString("queue.path"), "SQLite file holding the local queue")
	cmd.PersistentFlags().Int("flush-interval", defaults.GetInt("flush.interval_seconds"), "Seconds between background flushes (0 disables the ticker)")
	cmd.PersistentFlags().Int("http-timeout", defaults.GetInt("http.timeout_seconds"), "HTTP request timeout in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "auth.token", "auth-token")
	bindFlag(cmd, "queue.path", "queue-path")
	bindFlag(cmd, "flush.interval_seconds", "flush-interval")
	bindFlag(cmd, "http.timeout_seconds", "http-timeout")
	bindFlag(cmd, "log.level", "log-level")
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

// agent bundles the opened queue with the pieces commands need around it.
type agent struct {
	config    config.AgentConfig
	logger    *zap.Logger
	kv        *storage.KVStore
	transport *transport.HTTPTransport
	queue     *queue.Queue
}

func openAgent(ctx context.Context) (*agent, error) {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(agentConfig.LogLevel, agentConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	httpTransport, err := transport.NewHTTPTransport(agentConfig.ServerURL, &http.Client{
		Timeout: time.Duration(agentConfig.HTTPTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	kv, err := storage.OpenKVStore(agentConfig.QueuePath)
	if err != nil {
		return nil, err
	}

	submissions, err := queue.New(queue.Config{
		Storage:   storage.NewQueueStorage(kv),
		Transport: httpTransport,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	if err := submissions.Open(ctx); err != nil {
		_ = kv.Close()
		return nil, err
	}

	return &agent{
		config:    agentConfig,
		logger:    logger,
		kv:        kv,
		transport: httpTransport,
		queue:     submissions,
	}, nil
}

func (a *agent) close() {
	if err := a.kv.Close(); err != nil {
		a.logger.Warn("queue store close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *agent) token(context.Context) (string, error) {
	if a.config.AuthToken == "" {
		return "", errMissingAuthToken
	}
	return a.config.AuthToken, nil
}

// withAgent opens the agent for the duration of one command.
func withAgent(run func(cmd *cobra.Command, a *agent) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openAgent(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		return run(cmd, a)
	}
}

func readPayload(cmd *cobra.Command, path string) (json.RawMessage, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, queue.ErrInvalidPayload
	}
	return json.RawMessage(raw), nil
}

func printJSON(cmd *cobra.Command, value interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func newSubmitCommand() *cobra.Command {
	var (
		visitID     int64
		payloadPath string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a visit now, queueing it if the server is unreachable",
		RunE: withAgent(func(cmd *cobra.Command, a *agent) error {
			payload, err := readPayload(cmd, payloadPath)
			if err != nil {
				return err
			}
			token, err := a.token(cmd.Context())
			if err != nil {
				return err
			}
			outcome, err := a.queue.SubmitOrEnqueue(cmd.Context(), token, visitID, payload)
			if err != nil {
				return err
			}
			report := map[string]interface{}{
				"delivered": outcome.Delivered,
				"queued":    outcome.Queued,
			}
			if outcome.Delivered {
				report["id"] = outcome.Ack.ID
				report["idempotent"] = outcome.Ack.Idempotent
			}
			if outcome.Err != nil {
				report["error"] = outcome.Err.Error()
			}
			return printJSON(cmd, report)
		}),
	}
	cmd.Flags().Int64Var(&visitID, "visit", 0, "Visit id")
	cmd.Flags().StringVar(&payloadPath, "payload", "-", "Path to the JSON form payload, or - for stdin")
	_ = cmd.MarkFlagRequired("visit")
	return cmd
}

func newEnqueueCommand() *cobra.Command {
	var (
		visitID     int64
		payloadPath string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a visit submission without contacting the server",
		RunE: withAgent(func(cmd *cobra.Command, a *agent) error {
			payload, err := readPayload(cmd, payloadPath)
			if err != nil {
				return err
			}
			if err := a.queue.Enqueue(cmd.Context(), visitID, payload); err != nil {
				return err
			}
			return printJSON(cmd, a.queue.Stats(cmd.Context()))
		}),
	}
	cmd.Flags().Int64Var(&visitID, "visit", 0, "Visit id")
	cmd.Flags().StringVar(&payloadPath, "payload", "-", "Path to the JSON form payload, or - for stdin")
	_ = cmd.MarkFlagRequired("visit")
	return cmd
}

func newFlushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Deliver every queued submission that is due",
		RunE: withAgent(func(cmd *cobra.Command, a *agent) error {
			token, err := a.token(cmd.Context())
			if err != nil {
				return err
			}
			result, err := a.queue.Flush(cmd.Context(), token)
			if printErr := printJSON(cmd, result); printErr != nil {
				return printErr
			}
			return err
		}),
	}
}

func newStatsCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue size and retry state",
		RunE: withAgent(func(cmd *cobra.Command, a *agent) error {
			stats := a.queue.Stats(cmd.Context())
			report := map[string]interface{}{
				"pending":            stats.Pending,
				"max_attempts":       stats.MaxAttempts,
				"oldest_next_try_at": stats.OldestNextTryAt,
				"retrying":           stats.Retrying(),
			}
			if verbose {
				report["records"] = a.queue.Records(cmd.Context())
			}
			return printJSON(cmd, report)
		}),
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Include every queued record")
	return cmd
}

func newClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued submission",
		RunE: withAgent(func(cmd *cobra.Command, a *agent) error {
			dropped := a.queue.Stats(cmd.Context()).Pending
			if err := a.queue.Clear(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info("submission queue cleared", zap.Int("dropped", dropped))
			return nil
		}),
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Flush in the background; SIGUSR1 requests an immediate flush",
		RunE: withAgent(func(cmd *cobra.Command, a *agent) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			flusher := queue.NewFlusher(a.queue, a.logger)
			wakeups := make(chan os.Signal, 1)
			signal.Notify(wakeups, syscall.SIGUSR1)
			defer signal.Stop(wakeups)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-wakeups:
						flusher.Trigger()
					}
				}
			}()

			interval := time.Duration(a.config.FlushIntervalSeconds) * time.Second
			a.logger.Info("watching submission queue", zap.Duration("interval", interval), zap.Int("pending", a.queue.Stats(ctx).Pending))
			flusher.Run(ctx, interval, a.token)
			return nil
		}),
	}
}

func newCheckInCommand() *cobra.Command {
	var visitID int64
	cmd := &cobra.Command{
		Use:   "check-in",
		Short: "Tell the server a visit form has been opened",
		RunE: withAgent(func(cmd *cobra.Command, a *agent) error {
			token, err := a.token(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.transport.MarkInProgress(cmd.Context(), token, visitID); err != nil {
				return fmt.Errorf("check-in visit %d: %w", visitID, err)
			}
			return nil
		}),
	}
	cmd.Flags().Int64Var(&visitID, "visit", 0, "Visit id")
	_ = cmd.MarkFlagRequired("visit")
	return cmd
}
