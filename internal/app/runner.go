// Package app wires the broker pipeline behind its command surface.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/approval"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/chain"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/config"
	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/executor"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/logging"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/params"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/pending"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/pin"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/pipeline"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/preview"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/token"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/wallet"
)

const cliName = "brokerd"

// Runner owns the process lifecycle around one command invocation.
type Runner struct {
	stdout io.Writer
	stderr io.Writer

	// newClient builds the chain client; tests swap it for a fake.
	newClient func(ctx context.Context, settings config.Settings) (chain.Client, error)
	// newWallets builds the wallet store; tests swap in light scrypt
	// parameters.
	newWallets func(dir string) *wallet.Manager
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		newClient: func(ctx context.Context, settings config.Settings) (chain.Client, error) {
			return chain.Dial(ctx, settings.RPCURL, settings.ChainID, settings.RPCTimeout)
		},
		newWallets: wallet.NewManager,
	}
}

type globalFlags struct {
	ConfigPath string
	UserID     int64
	JSON       bool
}

type runtimeState struct {
	runner   *Runner
	flags    globalFlags
	settings config.Settings

	client     chain.Client
	tokenCache *token.Cache
	history    *pending.History
	wallets    *wallet.Manager
	pipeline   *pipeline.Pipeline
}

// Run executes one invocation and returns the process exit code.
func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	state.close()
	logging.Sync()
	if err == nil {
		return 0
	}
	fmt.Fprintln(r.stderr, renderError(err))
	return brokererr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.tokenCache != nil {
		_ = s.tokenCache.Close()
	}
	if s.history != nil {
		_ = s.history.Close()
	}
}

func renderError(err error) string {
	if typed, ok := brokererr.As(err); ok {
		return fmt.Sprintf("error (%s): %s", typed.Kind, typed.UserMessage())
	}
	return "error: " + err.Error()
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   cliName,
		Short: "Transaction broker for TidalDex wallet users",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			settings, err := config.Load(s.flags.ConfigPath)
			if err != nil {
				return brokererr.Wrap(brokererr.KindParameterValidation, "load configuration", err)
			}
			s.settings = settings
			if err := logging.Init(logging.Options{
				Level:    settings.LogLevel,
				FilePath: settings.LogFilePath,
			}); err != nil {
				return brokererr.Wrap(brokererr.KindInternal, "init logging", err)
			}
			s.wallets = s.runner.newWallets(settings.KeystoreDir)
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return brokererr.Wrap(brokererr.KindParameterValidation, "parse flags", err)
	})

	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().Int64Var(&s.flags.UserID, "user", 0, "Acting user ID")
	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON")

	cmd.AddCommand(s.newAppsCommand())
	cmd.AddCommand(s.newWalletCommand())
	cmd.AddCommand(s.newPrepareCommand())
	cmd.AddCommand(s.newConfirmCommand())
	cmd.AddCommand(s.newCancelCommand())
	cmd.AddCommand(s.newStatusCommand())
	cmd.AddCommand(s.newHistoryCommand())
	cmd.AddCommand(s.newViewCommand())
	cmd.AddCommand(s.newConsoleCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print broker version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// ensurePipeline dials the node and assembles the pipeline on first
// use. Commands that never touch the chain skip the cost.
func (s *runtimeState) ensurePipeline(ctx context.Context) error {
	if s.pipeline != nil {
		return nil
	}
	client, err := s.runner.newClient(ctx, s.settings)
	if err != nil {
		return err
	}
	s.client = client

	cache, err := token.OpenCache(s.settings.TokenCachePath, s.settings.TokenCacheLock, s.settings.TokenCacheTTL)
	if err != nil {
		return brokererr.Wrap(brokererr.KindInternal, "open token cache", err)
	}
	s.tokenCache = cache

	history, err := pending.OpenHistory(s.settings.HistoryPath, s.settings.HistoryLock)
	if err != nil {
		return brokererr.Wrap(brokererr.KindInternal, "open history", err)
	}
	s.history = history

	resolver := token.NewResolver(client, cache, s.settings.NativeSymbol)
	exec := executor.New(client, s.settings.ConfirmTimeout, s.settings.PollInterval,
		s.settings.GasLimitFallback, big.NewInt(s.settings.GasPriceFallback))
	processor := params.NewProcessor(resolver, params.NewOracle(client, resolver))
	store := pending.NewStore(s.settings.PendingExpiry, history)
	gate := pin.NewGate(s.wallets, pin.NewCache(s.settings.PinCacheTTL))

	s.pipeline = pipeline.New(client, resolver, processor, preview.NewBuilder(resolver),
		approval.New(client, exec), exec, store, history, s.wallets, gate, s.settings.PendingExpiry)
	return nil
}

func (s *runtimeState) requireUser() (int64, error) {
	if s.flags.UserID == 0 {
		return 0, brokererr.New(brokererr.KindParameterValidation, "--user is required")
	}
	return s.flags.UserID, nil
}

// emit writes the command result: JSON when requested, otherwise the
// plain rendering.
func (s *runtimeState) emit(w io.Writer, plain string, data any) error {
	if s.flags.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	_, err := fmt.Fprintln(w, plain)
	return err
}

func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
