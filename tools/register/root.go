package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/TNZtims/bazaar-pos-sub001/client"
	"github.com/TNZtims/bazaar-pos-sub001/client/abandon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	StoreID string
	Token   string
	DB      string
	Format  string
	Verbose bool

	logger *zap.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the register CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Point-of-sale register for the reservation service",
		Long: `Reserve, release and watch stock of one store from a terminal.

Carts rung up with "ring" are written to a local intent log, so holds left
behind by a crashed or killed register are released by "recover" or by the
next "ring" session.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.Verbose {
				l, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				opts.logger = l
			} else {
				opts.logger = zap.NewNop()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("RESERVATION_URL", "http://localhost:8090"), "reservation service base URL")
	cmd.PersistentFlags().StringVar(&opts.StoreID, "store", os.Getenv("STORE_ID"), "store id")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("REGISTER_TOKEN"), "bearer token; anonymous session when empty")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", envOr("REGISTER_DB", filepath.Join(".register", "intents.db")), "path to the intent log")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewProductsCommand(opts))
	cmd.AddCommand(NewReserveCommand(opts))
	cmd.AddCommand(NewReleaseCommand(opts))
	cmd.AddCommand(NewAdjustCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewRingCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *RootOptions) requireStore() error {
	if o.StoreID == "" {
		return NewExitError(ExitCommandError, "--store is required")
	}
	return nil
}

// newClient builds a client without touching the intent log.
func (o *RootOptions) newClient(sessionID string) (*client.Client, error) {
	if err := o.requireStore(); err != nil {
		return nil, err
	}
	opts := []client.Option{client.WithLogger(o.logger)}
	if o.Token != "" {
		opts = append(opts, client.WithToken(o.Token))
	}
	if sessionID != "" {
		opts = append(opts, client.WithSessionID(sessionID))
	}
	return client.New(o.Server, o.StoreID, opts...), nil
}

// openSession opens the intent log and a client whose anonymous identity
// is the one stored in the log, so a later run acts as the same visitor.
func (o *RootOptions) openSession(ctx context.Context) (*client.Client, *abandon.IntentLog, error) {
	if err := o.requireStore(); err != nil {
		return nil, nil, err
	}
	if dir := filepath.Dir(o.DB); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to create intent log directory", err)
		}
	}
	log, err := abandon.OpenIntentLog(o.DB)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open intent log", err)
	}
	session, err := log.SessionID(ctx)
	if err != nil {
		log.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to read session id", err)
	}
	c, err := o.newClient(session)
	if err != nil {
		log.Close()
		return nil, nil, err
	}
	return c, log, nil
}
