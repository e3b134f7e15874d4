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

	"github.com/markconroy/markie-sub000/internal/model"
	"github.com/markconroy/markie-sub000/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect rule run history",
	Long:  "Commands for listing, viewing, and summarizing rule runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rule runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		record, _ := cmd.Flags().GetString("record")
		rule, _ := cmd.Flags().GetString("rule")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		filter := store.RunFilter{
			Status:   model.RunStatus(status),
			RecordID: record,
			RuleID:   rule,
			Limit:    limit,
			Offset:   offset,
		}

		runs, err := st.ListRuns(ctx, filter)
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

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rule, _ := cmd.Flags().GetString("rule")
		runs, err := st.ListRuns(ctx, store.RunFilter{RuleID: rule, Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, complete, skipped, failed)")
	runsListCmd.Flags().String("record", "", "filter by record ID")
	runsListCmd.Flags().String("rule", "", "filter by rule ID")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Int("offset", 0, "number of runs to skip")

	runsStatsCmd.Flags().String("rule", "", "only count runs of this rule")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Complete   int
	Stored     int
	Skipped    int
	Failed     int
	Other      int
	Candidates int
	Rejected   int
	AvgDurMs   float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalMs int64
	var durCount int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			s.Complete++
		case model.RunStatusSkipped:
			s.Skipped++
		case model.RunStatusFailed:
			s.Failed++
		default:
			s.Other++
		}
		if r.Result == nil {
			continue
		}
		if r.Result.Stored {
			s.Stored++
		}
		s.Candidates += r.Result.Candidates
		s.Rejected += r.Result.Rejected
		if r.Status != model.RunStatusSkipped {
			totalMs += r.Result.Duration
			durCount++
		}
	}

	if durCount > 0 {
		s.AvgDurMs = float64(totalMs) / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tRECORD\tRULE\tFIELD\tSTATUS\tACCEPTED\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t----\t-----\t------\t--------\t-------\t--------")

	for _, r := range runs {
		accepted, dur := "", ""
		if r.Result != nil {
			accepted = fmt.Sprintf("%d/%d", r.Result.Accepted, r.Result.Candidates)
			dur = (time.Duration(r.Result.Duration) * time.Millisecond).String()
		}

		record := r.RecordType + "/" + r.RecordID
		if len(record) > 30 {
			record = record[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			record,
			r.RuleID,
			r.FieldName,
			r.Status,
			accepted,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "  Stored:\t%d\n", s.Stored)
	_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", s.Skipped)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Other:\t%d\n", s.Other)
	_, _ = fmt.Fprintf(w, "Candidates:\t%d\n", s.Candidates)
	_, _ = fmt.Fprintf(w, "Rejected:\t%d\n", s.Rejected)
	if s.AvgDurMs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.0fms\n", s.AvgDurMs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
