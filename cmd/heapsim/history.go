package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortiblox/stratus-heap/pkg/ledger"
)

// HistoryEntry is the printed form of one ledger record.
type HistoryEntry struct {
	Seq          uint64            `json:"seq"`
	Time         time.Time         `json:"time"`
	Success      bool              `json:"success"`
	Error        string            `json:"error,omitempty"`
	ComputeUnits uint64            `json:"computeUnits"`
	Instructions []HistoryIx       `json:"instructions"`
	Accounts     map[string]string `json:"accountHashes,omitempty"`
	Logs         []string          `json:"logs,omitempty"`
}

// HistoryIx is one recorded instruction.
type HistoryIx struct {
	Program  string   `json:"program"`
	Accounts []string `json:"accounts"`
	Data     []int    `json:"data"`
}

func newHistoryCmd(s *simulator) *cobra.Command {
	var (
		account  string
		withLogs bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List executed transactions",
		Args:  cobra.NoArgs,
		RunE: s.withStores(func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			emit := func(rec *ledger.Record) error {
				return enc.Encode(historyEntry(rec, withLogs))
			}

			if account == "" {
				return s.ledger.Iterate(emit)
			}
			seqs, err := s.ledger.ForAccount(resolveKey(account))
			if err != nil {
				return err
			}
			for _, seq := range seqs {
				rec, err := s.ledger.Get(seq)
				if err != nil {
					return err
				}
				if err := emit(rec); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&account, "account", "", "only list transactions referencing this account")
	cmd.Flags().BoolVar(&withLogs, "logs", false, "include program logs")
	return cmd
}

func historyEntry(rec *ledger.Record, withLogs bool) HistoryEntry {
	entry := HistoryEntry{
		Seq:          rec.Seq,
		Time:         time.Unix(0, rec.UnixNano).UTC(),
		Success:      rec.Success,
		Error:        rec.Error,
		ComputeUnits: rec.ComputeUnits,
	}
	for _, ix := range rec.Instructions {
		hix := HistoryIx{Program: ix.ProgramID.String(), Data: make([]int, len(ix.Data))}
		for _, key := range ix.Accounts {
			hix.Accounts = append(hix.Accounts, key.String())
		}
		for i, b := range ix.Data {
			hix.Data[i] = int(b)
		}
		entry.Instructions = append(entry.Instructions, hix)
	}
	if len(rec.Accounts) > 0 {
		entry.Accounts = make(map[string]string, len(rec.Accounts))
		for _, acc := range rec.Accounts {
			entry.Accounts[acc.Pubkey.String()] = acc.Hash.String()
		}
	}
	if withLogs {
		entry.Logs = rec.Logs
	}
	return entry
}
