package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/accounts"
	"github.com/fortiblox/stratus-heap/pkg/svm/executor"
)

// contextLamports funds a newly created execution-context account.
const contextLamports = 73_000_000_000

// Response is printed for every executed step.
type Response struct {
	// The index of the step that generated this response.
	ID          int    `json:"id"`
	Description string `json:"description,omitempty"`

	Seq          uint64   `json:"seq"`
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
	ComputeUnits uint64   `json:"computeUnits"`
	Logs         []string `json:"logs"`
	Modified     []string `json:"modifiedAccounts,omitempty"`
}

func newRunCmd(s *simulator) *cobra.Command {
	return &cobra.Command{
		Use:   "run <plan.yaml|->",
		Short: "Run a simulation plan",
		Args:  cobra.ExactArgs(1),
		RunE: s.withStores(func(cmd *cobra.Command, args []string) error {
			planBytes, err := readPlan(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			plan, err := unmarshalPlan(planBytes)
			if err != nil {
				return err
			}
			if err := plan.Verify(); err != nil {
				return err
			}
			return s.runPlan(plan, cmd.OutOrStdout())
		}),
	}
}

// readPlan reads the plan from path, or from stdin when path is "-".
func readPlan(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// runPlan executes every step in order, printing one JSON response per
// step. It stops at the first failed requirement.
func (s *simulator) runPlan(plan *Plan, out io.Writer) error {
	s.log.Info("simulation", zap.String("plan", plan.Name), zap.String("description", plan.Description))

	enc := json.NewEncoder(out)
	for i := range plan.Steps {
		step := &plan.Steps[i]
		tx := plan.transaction(step)

		if err := s.ensureAccounts(tx); err != nil {
			return err
		}

		s.log.Debug("simulation step",
			zap.Int("step", i),
			zap.String("description", step.Description),
			zap.Int("instructions", len(tx.Instructions)),
		)
		result, err := s.exec.ExecuteTransaction(tx)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}

		resp := Response{
			ID:           i,
			Description:  step.Description,
			Seq:          result.Seq,
			Success:      result.Success,
			Error:        result.Error,
			ComputeUnits: result.ComputeUnitsConsumed,
			Logs:         result.Logs,
		}
		for _, acc := range result.ModifiedAccounts {
			resp.Modified = append(resp.Modified, acc.Pubkey.String())
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}

		if err := step.Require.check(result); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// ensureAccounts creates every account tx references that does not exist
// yet, zero-filled and owned by the first program that references it.
func (s *simulator) ensureAccounts(tx *executor.Transaction) error {
	var created []accounts.AccountEntry
	seen := make(map[types.Pubkey]bool)
	for _, ix := range tx.Instructions {
		for _, meta := range ix.Accounts {
			if seen[meta.Pubkey] {
				continue
			}
			seen[meta.Pubkey] = true

			exists, err := s.db.HasAccount(meta.Pubkey)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			created = append(created, accounts.AccountEntry{
				Pubkey: meta.Pubkey,
				Account: &accounts.Account{
					Lamports: contextLamports,
					Data:     make([]byte, s.config.AccountSize),
					Owner:    ix.ProgramID,
				},
			})
			s.log.Info("created account",
				zap.Stringer("pubkey", meta.Pubkey),
				zap.Stringer("owner", ix.ProgramID),
				zap.Uint64("size", s.config.AccountSize),
			)
		}
	}
	if len(created) == 0 {
		return nil
	}
	return s.db.SetAccounts(created)
}
