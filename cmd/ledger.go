package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/witness-cli/internal/ledger"
	"github.com/sells-group/witness-cli/internal/model"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and exercise the anchoring ledgers",
}

var ledgerCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Initialize every ledger and report readiness",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("anchor"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ledgers := initLedgers(ctx, st)
		if !formatReadiness(os.Stdout, ledgers) {
			return eris.New("one or more ledgers failed to initialize")
		}
		return nil
	},
}

var ledgerAnchorCmd = &cobra.Command{
	Use:   "anchor <sha256-hex>",
	Short: "Anchor a raw digest on every ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("anchor"); err != nil {
			return err
		}
		if err := ledger.ValidateHash(args[0]); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		recs := initLedgers(ctx, st).AnchorAll(ctx, args[0], nil)
		formatAnchors(os.Stdout, recs)
		for _, r := range recs {
			if r.State != model.AnchorAnchored {
				return eris.Errorf("anchoring failed on %s", r.Ledger)
			}
		}
		return nil
	},
}

func formatReadiness(w io.Writer, ledgers *ledger.Service) bool {
	modes := map[string]string{
		model.LedgerEVM:  cfg.Ledger.EVMMode(),
		model.LedgerXRPL: cfg.Ledger.XRPLMode(),
	}
	ok := true
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LEDGER\tMODE\tSTATUS")
	for _, name := range ledgers.Names() {
		status := "ready"
		if err := ledgers.Ready(name); err != nil {
			status = "error: " + err.Error()
			ok = false
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, modes[name], status)
	}
	tw.Flush() //nolint:errcheck
	return ok
}

func formatAnchors(w io.Writer, recs map[string]model.AnchorRecord) {
	names := make([]string, 0, len(recs))
	for name := range recs {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LEDGER\tSTATE\tTX\tPOSITION\tERROR")
	for _, name := range names {
		r := recs[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", name, r.State, valueOr(r.TxID, "-"), r.Position, valueOr(r.Error, "-"))
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	ledgerCmd.AddCommand(ledgerCheckCmd, ledgerAnchorCmd)
	rootCmd.AddCommand(ledgerCmd)
}
