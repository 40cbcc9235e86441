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

	"github.com/pnw-tools/raidscout/internal/snapshot"
	"github.com/pnw-tools/raidscout/internal/store"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage the daily export snapshot",
	Long:  "Commands for downloading the bulk exports and inspecting the stored generation.",
}

// -- snapshot sync --

var snapshotSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download and load today's exports",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		var date time.Time
		if s, _ := cmd.Flags().GetString("date"); s != "" {
			d, err := time.Parse(snapshot.DateLayout, s)
			if err != nil {
				return eris.Wrapf(err, "parse --date %q", s)
			}
			date = d
		}

		env, err := initEnv(ctx, "snapshot")
		if err != nil {
			return err
		}
		defer env.Close()

		res := runIngest(ctx, env, date)
		formatIngestResult(os.Stdout, res)
		if !res.OK() {
			return eris.Errorf("snapshot sync: datasets failed: %v", res.Failed())
		}
		return nil
	},
}

// -- snapshot status --

var snapshotStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored export dates and recent ingests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		dates, err := st.SnapshotDates(ctx)
		if err != nil {
			return eris.Wrap(err, "snapshot status")
		}
		since, _ := cmd.Flags().GetDuration("since")
		entries, err := st.ListIngests(ctx, store.IngestFilter{
			FinishedAfter: time.Now().Add(-since),
			Limit:         100,
		})
		if err != nil {
			return eris.Wrap(err, "snapshot status")
		}

		formatSnapshotStatus(os.Stdout, dates, entries)
		return nil
	},
}

// -- snapshot diff --

var snapshotDiffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Compare today's nations with the previous generation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ref := snapshot.NewReference(st, 0)
		view, err := ref.Reload(ctx)
		if err != nil {
			return eris.Wrap(err, "snapshot diff")
		}
		diff := snapshot.DiffNations(view.PreviousDayNations(), view.Nations())

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(diff)
		}
		formatNationDiff(os.Stdout, diff)
		return nil
	},
}

func init() {
	snapshotSyncCmd.Flags().String("date", "", "export date to load (YYYY-MM-DD, default today)")
	snapshotStatusCmd.Flags().Duration("since", 7*24*time.Hour, "ingest log window")
	snapshotDiffCmd.Flags().Bool("json", false, "print the diff as JSON")

	snapshotCmd.AddCommand(snapshotSyncCmd)
	snapshotCmd.AddCommand(snapshotStatusCmd)
	snapshotCmd.AddCommand(snapshotDiffCmd)
	rootCmd.AddCommand(snapshotCmd)
}

// formatIngestResult writes one line per dataset.
func formatIngestResult(out io.Writer, res *snapshot.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATASET\tDATE\tROWS\tELAPSED\tSTATUS")
	_, _ = fmt.Fprintln(w, "-------\t----\t----\t-------\t------")
	if res != nil {
		for _, d := range res.Datasets {
			status := "ok"
			if d.FellBack {
				status = "ok (previous day)"
			}
			if d.Err != nil {
				status = "failed: " + d.Err.Error()
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				d.Dataset,
				d.Date,
				d.Rows,
				d.Elapsed.Round(time.Millisecond),
				status,
			)
		}
	}
	_ = w.Flush()
}

// formatSnapshotStatus writes stored dates followed by the ingest log.
func formatSnapshotStatus(out io.Writer, dates map[string]string, entries []store.IngestEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, ds := range []string{store.DatasetNations, store.DatasetCities, store.DatasetAlliances, store.DatasetWars} {
		date := dates[ds]
		if date == "" {
			date = "(none)"
		}
		_, _ = fmt.Fprintf(w, "%s:\t%s\n", ds, date)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "DATASET\tDATE\tSTATUS\tROWS\tFINISHED\tERROR")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Dataset,
			e.Date,
			e.Status,
			e.Rows,
			e.FinishedAt.Local().Format("2006-01-02 15:04"),
			truncate(e.Error, 40),
		)
	}
	_ = w.Flush()
}

// formatNationDiff writes a summary of day-over-day changes.
func formatNationDiff(out io.Writer, d snapshot.NationDiff) {
	if d.Empty() {
		_, _ = fmt.Fprintln(out, "No changes.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Joined:\t%d\n", len(d.Joined))
	_, _ = fmt.Fprintf(w, "Left:\t%d\n", len(d.Left))
	_, _ = fmt.Fprintf(w, "Alliance changes:\t%d\n", len(d.AllianceChanges))
	_, _ = fmt.Fprintf(w, "City changes:\t%d\n", len(d.CityChanges))
	if len(d.AllianceChanges) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "NATION\tFROM\tTO")
		for _, c := range d.AllianceChanges {
			_, _ = fmt.Fprintf(w, "%s (%d)\t%s\t%s\n", c.Name, c.NationID, allianceLabel(c.From, c.FromName), allianceLabel(c.To, c.ToName))
		}
	}
	_ = w.Flush()
}

func allianceLabel(id int, name string) string {
	switch {
	case id == 0:
		return "none"
	case name == "":
		return fmt.Sprintf("#%d", id)
	default:
		return name
	}
}

// truncate shortens s to n runes with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
