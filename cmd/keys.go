package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/pnw-tools/raidscout/internal/keypool"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect API key usage",
	Long:  "Shows per-key call counts and health. With --server the running API server is queried, since usage lives in its memory.",
}

// -- keys list --

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys with usage and health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		server, _ := cmd.Flags().GetString("server")

		var stats []keypool.KeyStats
		if server != "" {
			var err error
			if stats, err = fetchKeyStats(cmd.Context(), http.MethodGet, server, "/keys"); err != nil {
				return err
			}
		} else {
			stats = localKeyPool().Stats()
		}

		if len(stats) == 0 {
			fmt.Fprintln(os.Stderr, "No keys configured.")
			return nil
		}
		formatKeyStats(os.Stdout, stats)
		return nil
	},
}

// -- keys reset --

var keysResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear usage counters and quarantines on a running server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		server, _ := cmd.Flags().GetString("server")
		if server == "" {
			return eris.New("keys reset: --server is required")
		}
		stats, err := fetchKeyStats(cmd.Context(), http.MethodPost, server, "/keys/reset")
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Reset %d keys.\n", len(stats))
		formatKeyStats(os.Stdout, stats)
		return nil
	},
}

func init() {
	keysCmd.PersistentFlags().String("server", "", "base URL of a running raidscout server (e.g. http://localhost:8080)")

	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysResetCmd)
	rootCmd.AddCommand(keysCmd)
}

// localKeyPool builds a pool from the configuration. Its counters are
// fresh, so it only shows which keys are configured.
func localKeyPool() *keypool.Pool {
	return keypool.New(cfg.Keys, keypool.Options{
		HourlyQuota: cfg.KeyPool.HourlyQuota,
		Quarantine:  cfg.KeyPool.QuarantineDuration(),
	})
}

// fetchKeyStats calls a key endpoint of a running server.
func fetchKeyStats(ctx context.Context, method, server, path string) ([]keypool.KeyStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := strings.TrimRight(server, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "keys: build request %s", url)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "keys: request %s", url)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, eris.Errorf("keys: %s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var body struct {
		Keys []keypool.KeyStats `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, eris.Wrap(err, "keys: decode response")
	}
	return body.Keys, nil
}

// formatKeyStats writes a table of key usage to w.
func formatKeyStats(out io.Writer, stats []keypool.KeyStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SCOPE\tKEY\tCALLS\tTOTAL\tRESETS\tHEALTH")
	_, _ = fmt.Fprintln(w, "-----\t---\t-----\t-----\t------\t------")
	for _, s := range stats {
		health := string(s.Health)
		if s.QuarantineReason != "" {
			health += " (" + truncate(s.QuarantineReason, 30) + ")"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			s.Scope,
			s.Key,
			s.CallsThisWindow,
			s.TotalCalls,
			s.WindowReset.Local().Format("15:04"),
			health,
		)
	}
	_ = w.Flush()
}
