package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/witness-cli/internal/canonhash"
	"github.com/sells-group/witness-cli/internal/store"
)

var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the canonical encoding and digest of a session snapshot",
	Long:  "Reads a snapshot from --snapshot (JSON) or builds it from a sealed session with --session, then prints the canonical encoding and its SHA-256.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		path, _ := cmd.Flags().GetString("snapshot")

		var snap canonhash.Snapshot
		switch {
		case path != "":
			s, err := readSnapshot(path)
			if err != nil {
				return err
			}
			snap = s
		case sessionID != "":
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
			s, err := sessionSnapshot(cmd, st, sessionID)
			if err != nil {
				return err
			}
			snap = s
		default:
			return eris.New("one of --session or --snapshot is required")
		}

		return writeHash(os.Stdout, snap)
	},
}

func sessionSnapshot(cmd *cobra.Command, st store.Store, id string) (canonhash.Snapshot, error) {
	sess, err := st.GetSession(cmd.Context(), id)
	if err != nil {
		return canonhash.Snapshot{}, eris.Wrapf(err, "load session %s", id)
	}
	return canonhash.FromSession(sess)
}

func readSnapshot(path string) (canonhash.Snapshot, error) {
	var snap canonhash.Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, eris.Wrap(err, "read snapshot")
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, eris.Wrap(err, "parse snapshot")
	}
	return snap, nil
}

func writeHash(w io.Writer, snap canonhash.Snapshot) error {
	data, err := canonhash.Canonical(snap)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\n", data)
	fmt.Fprintf(w, "sha256: %s\n", canonhash.SumBytes(data))
	return nil
}

func init() {
	hashCmd.Flags().String("session", "", "sealed session id")
	hashCmd.Flags().String("snapshot", "", "path to a snapshot JSON file")
	rootCmd.AddCommand(hashCmd)
}
