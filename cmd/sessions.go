package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/witness-cli/internal/model"
	"github.com/sells-group/witness-cli/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect witness sessions",
}

// -- sessions list --

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		customer, _ := cmd.Flags().GetString("customer")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.SessionFilter{
			Status:     model.SessionStatus(status),
			CustomerID: customer,
			Limit:      limit,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("unknown status %q", status)
		}

		sessions, err := st.ListSessions(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "sessions list")
		}
		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions found.")
			return nil
		}
		formatSessionsList(os.Stdout, sessions)
		return nil
	},
}

// -- sessions show --

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session with its event trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sess, err := st.GetSession(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "load session %s", args[0])
		}
		events, err := st.ListEvents(ctx, sess.ID)
		if err != nil {
			return eris.Wrapf(err, "load events for %s", sess.ID)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Summary model.Summary        `json:"summary"`
			Session *model.Session       `json:"session"`
			Events  []model.SessionEvent `json:"events"`
		}{sess.Summarize(), sess, events})
	},
}

func formatSessionsList(w io.Writer, sessions []model.Session) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCUSTOMER\tSTATUS\tREVIEW\tANCHORING\tCONFIDENCE\tSCHEDULED")
	for i := range sessions {
		s := sessions[i].Summarize()
		confidence := "-"
		if s.OverallConfidence != nil {
			confidence = fmt.Sprintf("%.2f", *s.OverallConfidence)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.CustomerID, s.Status, s.ReviewStatus, s.Anchoring, confidence,
			s.ScheduledAt.UTC().Format(time.RFC3339))
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	sessionsListCmd.Flags().String("status", "", "filter by status")
	sessionsListCmd.Flags().String("customer", "", "filter by customer id")
	sessionsListCmd.Flags().Int("limit", 50, "maximum sessions to list")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}
