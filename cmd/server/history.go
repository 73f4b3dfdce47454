package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/iontrap-lab/backend/internal/models"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	historyFrom    string
	historyTo      string
	historyProfile string
	historyMsgpack bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the loading history",
	Long: `Prints the recorded loading events as JSON, or as msgpack with --msgpack.
--from and --to take RFC 3339 timestamps; either may be omitted.

Example:
  autoloader history --from 2024-05-01T00:00:00Z --profile Yb171`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyFrom, "from", "", "start of the window (RFC 3339)")
	historyCmd.Flags().StringVar(&historyTo, "to", "", "end of the window (RFC 3339)")
	historyCmd.Flags().StringVar(&historyProfile, "profile", "", "only events loaded with this profile")
	historyCmd.Flags().BoolVar(&historyMsgpack, "msgpack", false, "write msgpack instead of JSON")
}

func parseWindow(from, to string) (models.TimeRange, error) {
	var window models.TimeRange
	var err error
	if from != "" {
		if window.Start, err = time.Parse(time.RFC3339Nano, from); err != nil {
			return window, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if to != "" {
		if window.End, err = time.Parse(time.RFC3339Nano, to); err != nil {
			return window, fmt.Errorf("invalid --to: %w", err)
		}
	}
	if !window.Start.IsZero() && !window.End.IsZero() && window.End.Before(window.Start) {
		return window, fmt.Errorf("--to is before --from")
	}
	return window, nil
}

func runHistory(cmd *cobra.Command, _ []string) error {
	window, err := parseWindow(historyFrom, historyTo)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	events := st.history.Query(window, historyProfile)
	if events == nil {
		events = []models.LoadingEvent{}
	}
	out := cmd.OutOrStdout()
	if historyMsgpack {
		return msgpack.NewEncoder(out).Encode(events)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}
