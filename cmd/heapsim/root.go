package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fortiblox/stratus-heap/internal/config"
	"github.com/fortiblox/stratus-heap/internal/logging"
	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/accounts"
	"github.com/fortiblox/stratus-heap/pkg/ledger"
	"github.com/fortiblox/stratus-heap/pkg/programs/customheap"
	"github.com/fortiblox/stratus-heap/pkg/programs/persistent"
	"github.com/fortiblox/stratus-heap/pkg/svm/executor"
)

// Well-known program names accepted wherever a program is expected.
var programNames = map[string]types.Pubkey{
	"persistent":  persistent.ProgramID,
	"custom-heap": customheap.ProgramID,
}

type simulator struct {
	configPath string
	dataDir    string
	logLevel   string

	config   *config.Config
	log      *zap.Logger
	closeLog func() error

	db     *accounts.BadgerDB
	ledger *ledger.Ledger
	exec   *executor.Executor
}

func newRootCmd() *cobra.Command {
	s := &simulator{}
	cmd := &cobra.Command{
		Use:   "heapsim",
		Short: "Persistent heap program simulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.DisableAutoGenTag = true
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVar(&s.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&s.dataDir, "data-dir", "", "data directory for the accounts store and ledger")
	cmd.PersistentFlags().StringVar(&s.logLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(
		newRunCmd(s),
		newInspectCmd(s),
		newHistoryCmd(s),
		newSnapshotCmd(s),
		newVersionCmd(),
	)
	return cmd
}

// withStores wraps fn so that it runs with the configuration loaded and the
// stores open, closing them afterwards whether or not fn fails.
func (s *simulator) withStores(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		if err := s.open(cmd); err != nil {
			return err
		}
		defer func() {
			if cerr := s.close(); err == nil {
				err = cerr
			}
		}()
		return fn(cmd, args)
	}
}

// open loads the configuration and opens the stores.
func (s *simulator) open(cmd *cobra.Command) (err error) {
	s.config, err = config.Load(s.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("data-dir") {
		s.config.DataDir = s.dataDir
	}
	if cmd.Flags().Changed("log-level") {
		s.config.LogLevel = s.logLevel
	}

	logConfig := logging.DefaultConfig()
	logConfig.Level = s.config.LogLevel
	logConfig.File = s.config.LogFile
	logConfig.Console = cmd.ErrOrStderr()
	s.log, s.closeLog, err = logging.New(logConfig)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = s.close()
		}
	}()

	dbConfig := accounts.DefaultBadgerDBConfig(s.config.AccountsPath())
	dbConfig.SyncWrites = s.config.SyncWrites
	dbConfig.Logger = s.log.Named("badger")
	s.db, err = accounts.NewBadgerDB(dbConfig)
	if err != nil {
		return fmt.Errorf("open accounts store: %w", err)
	}

	s.ledger, err = ledger.Open(ledger.DefaultConfig(s.config.LedgerPath()))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	s.exec = executor.New(s.db,
		executor.WithLogger(s.log.Named("executor")),
		executor.WithJournal(s.ledger),
		executor.WithComputeBudget(s.config.ComputeBudget()),
	)
	s.exec.Register(persistent.ProgramID, persistent.NewProcessor())
	s.exec.Register(customheap.ProgramID, customheap.NewProcessor())

	s.log.Debug("simulator initialized",
		zap.String("data_dir", s.config.DataDir),
		zap.Uint64("compute_limit", s.config.ComputeLimit),
		zap.Uint32("heap_size", s.config.HeapSize),
	)
	return nil
}

// close releases everything open opened. It is safe to call more than once.
func (s *simulator) close() error {
	var errs []error
	if s.ledger != nil {
		errs = append(errs, s.ledger.Close())
		s.ledger = nil
	}
	if s.db != nil {
		errs = append(errs, s.db.RunGC(), s.db.Close())
		s.db = nil
	}
	if s.closeLog != nil {
		errs = append(errs, s.closeLog())
		s.closeLog = nil
	}
	return errors.Join(errs...)
}

// resolveKey accepts a base58 pubkey, a program name, or any other string,
// which is turned into a deterministic fixture key.
func resolveKey(s string) types.Pubkey {
	if key, ok := programNames[s]; ok {
		return key
	}
	if key, err := types.PubkeyFromBase58(s); err == nil {
		return key
	}
	return types.DeriveKey(s)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "heapsim %s (%s)\n", Version, GitCommit)
			return err
		},
	}
}
