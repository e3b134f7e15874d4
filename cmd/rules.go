package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/markconroy/markie-sub000/internal/automator"
	"github.com/markconroy/markie-sub000/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the available automation strategies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg := automator.NewRegistry()
		// Listing only reads metadata; no collaborators are needed.
		rules.Register(reg, rules.Deps{})
		formatStrategies(os.Stdout, reg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
}

// formatStrategies writes one line per registered strategy.
func formatStrategies(out io.Writer, reg *automator.Registry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTITLE\tINPUTS")
	for _, id := range reg.IDs() {
		s, ok := reg.New(id)
		if !ok {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", id, s.Title(), strings.Join(s.AllowedInputs(), ","))
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
	_ = w.Flush()
}
