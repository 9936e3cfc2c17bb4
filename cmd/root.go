package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyboxer/internal/app"
	"github.com/JakeFAU/keyboxer/internal/config"
	"github.com/JakeFAU/keyboxer/internal/crawler"
	"github.com/JakeFAU/keyboxer/internal/logging"
)

// sessionKeyType is the key for storing the session in the context.
type sessionKeyType string

const sessionKey sessionKeyType = "session"

// session carries what PersistentPreRunE prepared for the subcommand.
type session struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp is the application factory. It's a variable so tests can swap it.
var newApp = app.New

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "keyboxer",
		Short: "Discovers Android attestation keyboxes published on GitHub.",
		Long: `keyboxer searches GitHub code search for AndroidAttestation XML files,
downloads the ones it has not seen before, and keeps every distinct valid
document in a content-addressed store. Stored documents are re-validated
on every run and can be pruned interactively.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), sessionKey, &session{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if s, ok := cmd.Context().Value(sessionKey).(*session); ok {
				_ = s.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the KEYBOXER_ prefix")

	cmd.AddCommand(newRunCmd(), newCrawlCmd(), newReconcileCmd())
	return cmd
}

func resolveSession(ctx context.Context) (*session, error) {
	s, ok := ctx.Value(sessionKey).(*session)
	if !ok || s == nil {
		return nil, errors.New("configuration not loaded")
	}
	return s, nil
}

// Execute is the main entry point. It cancels the command context on SIGINT
// or SIGTERM and exits non-zero on any failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	executed, err := newRootCmd().ExecuteContextC(ctx)
	if err == nil {
		return
	}

	logger := zap.NewNop()
	if s, sErr := sessionOf(executed); sErr == nil {
		logger = s.logger
	} else if l, lErr := logging.New(logging.Config{}); lErr == nil {
		logger = l
	}
	stop()
	logger.Fatal("Command execution failed", crawler.ErrorFields(err)...)
}

func sessionOf(cmd *cobra.Command) (*session, error) {
	if cmd == nil || cmd.Context() == nil {
		return nil, errors.New("no command executed")
	}
	return resolveSession(cmd.Context())
}
