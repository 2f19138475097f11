package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fortiblox/stratus-heap/pkg/accounts"
)

func newSnapshotCmd(s *simulator) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save or restore the accounts store",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "save <file>",
			Short: "Write every account to a compressed snapshot",
			Args:  cobra.ExactArgs(1),
			RunE: s.withStores(func(cmd *cobra.Command, args []string) error {
				return s.saveSnapshot(args[0])
			}),
		},
		&cobra.Command{
			Use:   "load <file>",
			Short: "Restore accounts from a snapshot",
			Args:  cobra.ExactArgs(1),
			RunE: s.withStores(func(cmd *cobra.Command, args []string) error {
				return s.loadSnapshot(args[0])
			}),
		},
	)
	return cmd
}

func (s *simulator) saveSnapshot(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	header, err := accounts.WriteSnapshot(w, s.db)
	if err != nil {
		f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	s.log.Info("snapshot saved",
		zap.String("path", path),
		zap.Uint64("accounts", header.AccountsCount),
		zap.Stringer("accounts_hash", header.AccountsHash),
	)
	return nil
}

func (s *simulator) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := accounts.ReadSnapshot(bufio.NewReader(f), s.db)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	s.log.Info("snapshot loaded",
		zap.String("path", path),
		zap.Uint64("accounts", header.AccountsCount),
		zap.Stringer("accounts_hash", header.AccountsHash),
	)
	return nil
}
