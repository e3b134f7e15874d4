package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/model"
)

var (
	runRecord string
	runRules  string
	runField  string
	runForce  bool
	runOut    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the automation rules on a single record",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ruleSet, err := model.ReadRules(runRules)
		if err != nil {
			return err
		}

		out := runOut
		if out == "" {
			out = runRecord
		}
		report, err := processRecordFile(ctx, env.Runner, runRecord, out, ruleSet, automator.ProcessOptions{
			Field: runField,
			Force: runForce,
		})
		if report == nil {
			return err
		}
		if encErr := writeReport(os.Stdout, report); encErr != nil {
			return encErr
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&runRecord, "record", "", "record JSON file (required)")
	runCmd.Flags().StringVar(&runRules, "rules", "rules.yaml", "automation rules YAML file")
	runCmd.Flags().StringVar(&runField, "field", "", "only run the rules targeting this field")
	runCmd.Flags().BoolVar(&runForce, "force", false, "run rules even when the target is populated")
	runCmd.Flags().StringVar(&runOut, "out", "", "write the updated record here instead of over --record")
	_ = runCmd.MarkFlagRequired("record")
	rootCmd.AddCommand(runCmd)
}

// recordProcessor runs rules on a record.
type recordProcessor interface {
	Process(ctx context.Context, rec *model.Record, rules []model.Rule, opts automator.ProcessOptions) ([]automator.Outcome, error)
}

// recordReport summarizes one processed record.
type recordReport struct {
	Record   string        `json:"record"`
	RecordID string        `json:"record_id"`
	Rules    []ruleSummary `json:"rules"`
}

type ruleSummary struct {
	Rule   string          `json:"rule"`
	Field  string          `json:"field"`
	Status model.RunStatus `json:"status"`
	Result model.RunResult `json:"result"`
}

// processRecordFile loads a record, runs the rules and writes the record to
// out when any rule stored values. Rule failures are returned alongside the
// report; the record keeps the values earlier rules committed.
func processRecordFile(ctx context.Context, p recordProcessor, path, out string, ruleSet []model.Rule, opts automator.ProcessOptions) (*recordReport, error) {
	rec, err := model.ReadRecord(path)
	if err != nil {
		return nil, err
	}

	outcomes, runErr := p.Process(ctx, rec, ruleSet, opts)

	report := &recordReport{Record: path, RecordID: rec.ID}
	stored := false
	for _, o := range outcomes {
		report.Rules = append(report.Rules, ruleSummary{Rule: o.RuleID, Field: o.Field, Status: o.Status, Result: o.Result})
		stored = stored || o.Result.Stored
	}

	if stored {
		if err := model.WriteRecord(out, rec); err != nil {
			return report, err
		}
		zap.L().Info("record updated", zap.String("record", rec.ID), zap.String("path", out))
	}
	if runErr != nil {
		return report, eris.Wrapf(runErr, "record %s", path)
	}
	return report, nil
}

func writeReport(w io.Writer, report *recordReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
