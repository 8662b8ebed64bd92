package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/reactor/daemon"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate reactor.yaml without starting the daemon",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}

	cmd.Flags().String("config", "", "Path to reactor.yaml (default: ./reactor.yaml, then ~/.reactor/config.yaml)")
	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

// validateReport is the JSON shape printed by validate --format json.
type validateReport struct {
	Path     string              `json:"path"`
	Valid    bool                `json:"valid"`
	Errors   []string            `json:"errors"`
	Actions  map[string][]string `json:"actions,omitempty"`
	Triggers []string            `json:"triggers,omitempty"`
}

func runValidate(cmd *cobra.Command, _ []string) error {
	explicitConfigPath, _ := cmd.Flags().GetString("config")
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	path, found, err := daemon.DiscoverConfigPath(explicitConfigPath)
	if err != nil {
		return exitError(exitFileNotFound, "%v", err)
	}
	if !found {
		return exitError(exitFileNotFound, "no reactor.yaml found")
	}

	report := validateReport{Path: path, Errors: []string{}}
	cfg, err := daemon.Load(path)
	if err != nil {
		report.Errors = splitErrors(err)
	} else {
		report.Valid = true
		report.Actions = make(map[string][]string, len(cfg.Actions))
		for kind, decls := range cfg.Actions {
			for _, d := range decls {
				report.Actions[string(kind)] = append(report.Actions[string(kind)], d.Name+" ("+d.Type+")")
			}
		}
		for _, t := range cfg.Schedule.Triggers {
			report.Triggers = append(report.Triggers, fmt.Sprintf("%s [%s] -> %s", t.Name, t.Cron, t.Kind))
		}
	}

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
	} else {
		printValidateText(out, report)
	}

	if !report.Valid {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

func printValidateText(w io.Writer, r validateReport) {
	if !r.Valid {
		for _, e := range r.Errors {
			fmt.Fprintf(w, "ERROR: %s\n", e)
		}
		fmt.Fprintf(w, "\n%d %s in %s\n", len(r.Errors), pluralize("error", len(r.Errors)), r.Path)
		return
	}

	kinds := make([]string, 0, len(r.Actions))
	for k := range r.Actions {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "%s: %s\n", k, strings.Join(r.Actions[k], ", "))
	}
	for _, t := range r.Triggers {
		fmt.Fprintf(w, "trigger %s\n", t)
	}
	fmt.Fprintf(w, "Valid! (%s)\n", r.Path)
}

// splitErrors flattens an error built with errors.Join into one message per
// line.
func splitErrors(err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func pluralize(word string, n int) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
