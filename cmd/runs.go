package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/pnw-tools/raidscout/internal/raid"
	"github.com/pnw-tools/raidscout/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect raid search history",
	Long:  "Commands for listing and summarizing recorded raid pipeline runs.",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent raid runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := loadRuns(cmd, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		runs, err := loadRuns(cmd, statsRunLimit)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

const statsRunLimit = 10000

// loadRuns opens the store and reads up to limit runs newer than --since.
func loadRuns(cmd *cobra.Command, limit int) ([]store.RunRecord, error) {
	ctx := cmd.Context()
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close() //nolint:errcheck

	filter := store.RunFilter{Limit: limit}
	if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
		filter.CreatedAfter = time.Now().Add(-since)
	}
	return st.ListRuns(ctx, filter)
}

func init() {
	runsListCmd.Flags().Duration("since", 0, "only runs finished within this window (e.g. 24h)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd, runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

type runStats struct {
	Total         int
	Empty         int
	Returned      int
	Estimated     int
	AvgReturned   float64
	EstimatedRate float64
	AvgDurSecs    float64
	Removed       map[string]int
}

func computeRunStats(runs []store.RunRecord) runStats {
	s := runStats{Total: len(runs), Removed: make(map[string]int)}

	var totalDur time.Duration
	for _, r := range runs {
		s.Returned += r.Returned
		s.Estimated += r.Estimated
		if r.Returned == 0 {
			s.Empty++
		}
		for stage, n := range r.Counts {
			s.Removed[stage] += n
		}
		totalDur += r.FinishedAt.Sub(r.StartedAt)
	}

	if s.Total > 0 {
		s.AvgReturned = float64(s.Returned) / float64(s.Total)
		s.AvgDurSecs = totalDur.Seconds() / float64(s.Total)
	}
	if s.Returned > 0 {
		s.EstimatedRate = float64(s.Estimated) / float64(s.Returned)
	}
	return s
}

func formatRunsList(out io.Writer, runs []store.RunRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush() //nolint:errcheck

	_, _ = fmt.Fprintln(w, "ID\tREQUESTER\tSCORE\tINITIAL\tRETURNED\tESTIMATED\tFINISHED\tDURATION")
	for _, r := range runs {
		requester := "-"
		if r.RequesterID != 0 {
			requester = strconv.Itoa(r.RequesterID)
		}
		took := r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID), requester, r.RequesterScore,
			r.Initial, r.Returned, r.Estimated,
			r.FinishedAt.Local().Format("2006-01-02 15:04"), took)
	}
}

func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Empty results:\t%d\n", s.Empty)
	_, _ = fmt.Fprintf(w, "Targets returned:\t%d\n", s.Returned)
	if s.Total > 0 {
		_, _ = fmt.Fprintf(w, "Avg targets:\t%.1f\n", s.AvgReturned)
		_, _ = fmt.Fprintf(w, "Estimated share:\t%.0f%%\n", s.EstimatedRate*100)
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	for _, stage := range raid.StageNames {
		if n := s.Removed[stage]; n > 0 {
			_, _ = fmt.Fprintf(w, "  Removed by %s:\t%d\n", stage, n)
		}
	}
	_ = w.Flush()
}

// truncateID keeps the first UUID group.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
