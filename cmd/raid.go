package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/pnw-tools/raidscout/internal/api"
	"github.com/pnw-tools/raidscout/internal/model"
	"github.com/pnw-tools/raidscout/internal/raid"
)

var raidCmd = &cobra.Command{
	Use:   "raid",
	Short: "Find raid targets for a nation",
	Long:  "Runs the staged target search against the stored snapshot and the live API, then prints the best targets by estimated loot.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		nation, _ := cmd.Flags().GetInt("nation")
		score, _ := cmd.Flags().GetFloat64("score")
		alliance, _ := cmd.Flags().GetInt("alliance")
		minRatio, _ := cmd.Flags().GetFloat64("min-ratio")
		maxRatio, _ := cmd.Flags().GetFloat64("max-ratio")
		top, _ := cmd.Flags().GetInt("top")
		page, _ := cmd.Flags().GetInt("page")
		asJSON, _ := cmd.Flags().GetBool("json")

		if nation == 0 && score <= 0 {
			return eris.New("raid: --nation or --score is required")
		}
		if top <= 0 {
			top = cfg.Raid.DefaultResultSize
		}

		env, err := initEnv(ctx, "raid")
		if err != nil {
			return err
		}
		defer env.Close()

		req := raid.Request{
			Requester:     raid.Requester{NationID: nation, Score: score, AllianceID: alliance},
			MinScoreRatio: minRatio,
			MaxScoreRatio: maxRatio,
		}
		if !asJSON {
			req.Notify = func(msg string) { fmt.Fprintln(os.Stderr, msg) }
		}

		res, err := env.Pipeline.Run(ctx, req)
		if err != nil {
			return eris.Wrap(err, "raid")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(api.NewRaidResponse(res, top, page))
		}
		formatRaidResult(os.Stdout, res, top, page)
		return nil
	},
}

// -- raid counters --

var raidCountersCmd = &cobra.Command{
	Use:   "counters",
	Short: "List alliance members able to counter an attacker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		attacker, _ := cmd.Flags().GetInt("attacker")
		alliance, _ := cmd.Flags().GetInt("alliance")
		if attacker <= 0 || alliance <= 0 {
			return eris.New("raid counters: --attacker and --alliance are required")
		}

		env, err := initEnv(ctx, "snapshot")
		if err != nil {
			return err
		}
		defer env.Close()

		counters, err := env.Pipeline.CounterTargets(ctx, attacker, alliance)
		if err != nil {
			return eris.Wrap(err, "raid counters")
		}
		if len(counters) == 0 {
			fmt.Fprintln(os.Stderr, "No members in range.")
			return nil
		}
		formatCounters(os.Stdout, counters)
		return nil
	},
}

// -- raid purge --

var raidPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "List small purple nations outside top alliances",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		nation, _ := cmd.Flags().GetInt("nation")
		score, _ := cmd.Flags().GetFloat64("score")
		alliance, _ := cmd.Flags().GetInt("alliance")
		maxScore, _ := cmd.Flags().GetFloat64("max-score")
		top, _ := cmd.Flags().GetInt("top")

		env, err := initEnv(ctx, "snapshot")
		if err != nil {
			return err
		}
		defer env.Close()

		targets, err := env.Pipeline.PurgeTargets(ctx, raid.PurgeRequest{
			Requester: raid.Requester{NationID: nation, Score: score, AllianceID: alliance},
			MaxScore:  maxScore,
		})
		if err != nil {
			return eris.Wrap(err, "raid purge")
		}
		if len(targets) == 0 {
			fmt.Fprintln(os.Stderr, "No purge targets.")
			return nil
		}
		if top > 0 && len(targets) > top {
			targets = targets[:top]
		}
		formatNations(os.Stdout, targets)
		return nil
	},
}

func init() {
	raidCmd.Flags().Int("nation", 0, "requesting nation id (score and alliance come from the snapshot)")
	raidCmd.Flags().Float64("score", 0, "requester score, overrides the snapshot")
	raidCmd.Flags().Int("alliance", 0, "requester alliance id, overrides the snapshot")
	raidCmd.Flags().Float64("min-ratio", 0, "minimum target score ratio (default from config)")
	raidCmd.Flags().Float64("max-ratio", 0, "maximum target score ratio (default from config)")
	raidCmd.Flags().Int("top", 0, "targets per page (default from config)")
	raidCmd.Flags().Int("page", 0, "zero based result page")
	raidCmd.Flags().Bool("json", false, "print the result page as JSON")

	raidCountersCmd.Flags().Int("attacker", 0, "attacking nation id")
	raidCountersCmd.Flags().Int("alliance", 0, "alliance whose members should counter")

	raidPurgeCmd.Flags().Int("nation", 0, "requesting nation id")
	raidPurgeCmd.Flags().Float64("score", 0, "requester score")
	raidPurgeCmd.Flags().Int("alliance", 0, "requester alliance id, excluded from results")
	raidPurgeCmd.Flags().Float64("max-score", 0, "maximum target score")
	raidPurgeCmd.Flags().Int("top", 50, "max number of targets to display")

	raidCmd.AddCommand(raidCountersCmd)
	raidCmd.AddCommand(raidPurgeCmd)
	rootCmd.AddCommand(raidCmd)
}

// formatRaidResult writes the summary and one page of targets to w.
func formatRaidResult(out io.Writer, res *raid.Result, size, page int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Score range:\t%.0f-%.0f\n", res.MinScore, res.MaxScore)
	_, _ = fmt.Fprintf(w, "Nations searched:\t%d\n", res.Initial)
	for _, stage := range raid.StageNames {
		if n := res.Counts[stage]; n > 0 {
			_, _ = fmt.Fprintf(w, "  Removed by %s:\t%d\n", stage, n)
		}
	}
	_, _ = fmt.Fprintf(w, "Targets:\t%d (%d estimated)\n", len(res.Candidates), res.Estimated())
	_ = w.Flush()

	candidates := res.Top(size, page)
	if len(candidates) == 0 {
		_, _ = fmt.Fprintln(out, "No targets on this page.")
		return
	}
	_, _ = fmt.Fprintf(out, "\nPage %d of %d\n", page+1, res.Pages(size))

	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "#\tNATION\tALLIANCE\tSCORE\tCITIES\tDEF\tLOOT\tCONFIDENCE")
	_, _ = fmt.Fprintln(w, "-\t------\t--------\t-----\t------\t---\t----\t----------")
	for i, c := range candidates {
		_, _ = fmt.Fprintf(w, "%d\t%s (%d)\t%s\t%.2f\t%d\t%d\t%s\t%s\n",
			page*size+i+1,
			truncate(c.Nation.Name, 24),
			c.Nation.ID,
			truncate(allianceLabel(c.Alliance.AllianceID, c.Alliance.AllianceName), 20),
			c.Nation.Score,
			c.Nation.Cities,
			c.Wars.Defensive,
			formatMoney(c.LootPotential()),
			c.Confidence,
		)
	}
	_ = w.Flush()
}

func formatCounters(out io.Writer, counters []raid.Counter) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NATION\tLEADER\tSCORE\tCITIES\tDISTANCE")
	for _, c := range counters {
		_, _ = fmt.Fprintf(w, "%s (%d)\t%s\t%.2f\t%d\t%.2f\n",
			truncate(c.Nation.Name, 24),
			c.Nation.ID,
			truncate(c.Nation.Leader, 20),
			c.Nation.Score,
			c.Nation.Cities,
			c.Distance,
		)
	}
	_ = w.Flush()
}

func formatNations(out io.Writer, nations []model.Nation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NATION\tALLIANCE\tSCORE\tCITIES\tCOLOR")
	for _, n := range nations {
		_, _ = fmt.Fprintf(w, "%s (%d)\t%s\t%.2f\t%d\t%s\n",
			truncate(n.Name, 24),
			n.ID,
			truncate(allianceLabel(n.AllianceID, n.AllianceName), 20),
			n.Score,
			n.Cities,
			n.Color,
		)
	}
	_ = w.Flush()
}

// formatMoney renders v as $1.2M / $350k / $900.
func formatMoney(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("$%.2fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("$%.1fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("$%.0fk", v/1e3)
	default:
		return fmt.Sprintf("$%.0f", v)
	}
}
