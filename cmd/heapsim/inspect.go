package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fortiblox/stratus-heap/pkg/accounts"
	"github.com/fortiblox/stratus-heap/pkg/heap"
	"github.com/fortiblox/stratus-heap/pkg/layout"
	"github.com/fortiblox/stratus-heap/pkg/state"
	"github.com/fortiblox/stratus-heap/pkg/svm/memory"
)

// AccountReport describes an account and, for an execution-context account,
// the heap and state living in its data.
type AccountReport struct {
	Pubkey   string       `json:"pubkey"`
	Owner    string       `json:"owner"`
	Lamports uint64       `json:"lamports"`
	DataLen  int          `json:"dataLen"`
	Hash     string       `json:"hash"`
	Heap     *HeapReport  `json:"heap,omitempty"`
	State    *StateReport `json:"state,omitempty"`
}

// HeapReport is the allocator usage of a persistent heap.
type HeapReport struct {
	Initialized bool   `json:"initialized"`
	Used        uint64 `json:"used"`
	Free        uint64 `json:"free"`
	Holes       int    `json:"holes"`
	LargestHole uint64 `json:"largestHole"`
	Error       string `json:"error,omitempty"`
}

// StateReport is the persisted state vector.
type StateReport struct {
	Present  bool   `json:"present"`
	Addr     string `json:"addr,omitempty"`
	Len      uint64 `json:"len"`
	Contents []int  `json:"contents,omitempty"`
	Error    string `json:"error,omitempty"`
}

func newInspectCmd(s *simulator) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <account>",
		Short: "Show an account and the persistent heap in its data",
		Args:  cobra.ExactArgs(1),
		RunE: s.withStores(func(cmd *cobra.Command, args []string) error {
			key := resolveKey(args[0])
			acc, err := s.db.GetAccount(key)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}

			report := AccountReport{
				Pubkey:   key.String(),
				Owner:    acc.Owner.String(),
				Lamports: acc.Lamports,
				DataLen:  len(acc.Data),
				Hash:     accounts.ComputeAccountHash(key, acc).String(),
			}
			if uint64(len(acc.Data)) >= layout.AccountRegionLength {
				report.Heap, report.State = inspectHeap(acc.Data)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}),
	}
}

// inspectHeap maps data where the executor would put it and reads the heap
// and state without modifying them.
func inspectHeap(data []byte) (*HeapReport, *StateReport) {
	hr := &HeapReport{}
	sr := &StateReport{}

	mapping, err := memory.NewMapping(&memory.Region{
		Name:  "account",
		Vaddr: layout.FirstAccountDataAddress,
		Data:  data,
	})
	if err != nil {
		hr.Error = err.Error()
		return hr, nil
	}
	h, err := heap.New(mapping, layout.PersistentHeap)
	if err != nil {
		hr.Error = err.Error()
		return hr, nil
	}

	hr.Initialized, err = h.Initialized()
	if err != nil {
		hr.Error = err.Error()
		return hr, nil
	}
	if hr.Initialized {
		stats, err := h.Stats()
		if err != nil {
			hr.Error = err.Error()
			return hr, nil
		}
		hr.Used, hr.Free, hr.Holes, hr.LargestHole = stats.Used, stats.Free, stats.Holes, stats.LargestHole
	}

	handle, err := state.New(h, layout.StateSlot)
	if err != nil {
		sr.Error = err.Error()
		return hr, sr
	}
	sr.Present, err = handle.Present()
	if err != nil {
		sr.Error = err.Error()
		return hr, sr
	}
	if !sr.Present {
		return hr, sr
	}

	view, err := handle.Read()
	if err != nil {
		sr.Error = err.Error()
		return hr, sr
	}
	contents, err := view.Bytes()
	if err != nil {
		sr.Error = err.Error()
		return hr, sr
	}
	sr.Addr = fmt.Sprintf("0x%x", view.Addr())
	sr.Len = uint64(len(contents))
	sr.Contents = make([]int, len(contents))
	for i, b := range contents {
		sr.Contents[i] = int(b)
	}
	return hr, sr
}
