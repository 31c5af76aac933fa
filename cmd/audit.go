package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/witness-cli/internal/audit"
	"github.com/sells-group/witness-cli/internal/model"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Re-verify an anchored session hash against a ledger",
	Long:  "Recomputes the hash of a session (--session) or of a snapshot file (--snapshot with --tx) and compares it with the hash recorded on the ledger.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("audit"); err != nil {
			return err
		}

		sessionID, _ := cmd.Flags().GetString("session")
		path, _ := cmd.Flags().GetString("snapshot")
		txID, _ := cmd.Flags().GetString("tx")
		ledgerName, _ := cmd.Flags().GetString("ledger")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		verifier := audit.NewVerifier(initLedgers(ctx, st), st)

		var report *model.AuditReport
		switch {
		case sessionID != "":
			report, err = verifier.VerifySession(ctx, sessionID, ledgerName)
		case path != "":
			if txID == "" {
				return eris.New("--tx is required with --snapshot")
			}
			snap, rerr := readSnapshot(path)
			if rerr != nil {
				return rerr
			}
			report, err = verifier.Verify(ctx, snap, ledgerName, txID)
		default:
			return eris.New("one of --session or --snapshot is required")
		}

		if report != nil {
			formatReport(os.Stdout, report)
		}
		return err
	},
}

func formatReport(w io.Writer, r *model.AuditReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if r.SessionID != "" {
		fmt.Fprintf(tw, "Session:\t%s\n", r.SessionID)
	}
	fmt.Fprintf(tw, "Ledger:\t%s\n", r.Ledger)
	fmt.Fprintf(tw, "Transaction:\t%s\n", valueOr(r.TxID, "-"))
	fmt.Fprintf(tw, "Recomputed:\t%s\n", valueOr(r.RecomputedHash, "-"))
	fmt.Fprintf(tw, "On-chain:\t%s\n", valueOr(r.OnChainHash, "-"))
	if r.AnchoredAt != nil {
		fmt.Fprintf(tw, "Anchored at:\t%s (position %d)\n", r.AnchoredAt.UTC().Format(time.RFC3339), r.Position)
	}
	if r.ExplorerURL != "" {
		fmt.Fprintf(tw, "Explorer:\t%s\n", r.ExplorerURL)
	}
	result := "MATCH"
	if !r.Match {
		result = "MISMATCH"
	}
	if r.Reason != "" {
		result += " (" + r.Reason + ")"
	}
	fmt.Fprintf(tw, "Result:\t%s\n", result)
	tw.Flush() //nolint:errcheck

	for i, step := range r.Steps {
		fmt.Fprintf(w, "  %d. %s\n", i+1, step)
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// auditAll re-verifies every ledger of a session and reports whether all matched.
func auditAll(ctx context.Context, verifier *audit.Verifier, w io.Writer, sessionID string) (bool, error) {
	ok := true
	for _, name := range model.Ledgers {
		report, err := verifier.VerifySession(ctx, sessionID, name)
		if report != nil {
			formatReport(w, report)
			fmt.Fprintln(w)
		}
		if err != nil {
			ok = false
			if report == nil {
				return false, err
			}
		}
	}
	return ok, nil
}

var auditAllCmd = &cobra.Command{
	Use:   "all <session-id>",
	Short: "Re-verify a session on every ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("audit"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ok, err := auditAll(ctx, audit.NewVerifier(initLedgers(ctx, st), st), os.Stdout, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return eris.Errorf("session %s did not verify on every ledger", args[0])
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().String("session", "", "session id to audit")
	auditCmd.Flags().String("snapshot", "", "path to a snapshot JSON file")
	auditCmd.Flags().String("tx", "", "ledger transaction id (with --snapshot)")
	auditCmd.Flags().String("ledger", model.LedgerEVM, "ledger to check (evm or xrpl)")
	auditCmd.AddCommand(auditAllCmd)
	rootCmd.AddCommand(auditCmd)
}
