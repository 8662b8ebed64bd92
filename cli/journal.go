package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/reactor/bus"
	"github.com/petal-labs/reactor/core"
)

// NewJournalCmd creates the "journal" subcommand.
func NewJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print change events recorded in a SQLite journal",
		Args:  cobra.NoArgs,
		RunE:  runJournal,
	}

	cmd.Flags().String("dsn", "", "Journal database (path or sqlite DSN)")
	cmd.Flags().Uint64("after", 0, "Only events with a sequence number above this")
	cmd.Flags().Int("limit", 50, "Maximum number of events (0 = all)")
	cmd.Flags().String("kind", "", "Only events of this kind")
	cmd.Flags().String("format", "text", "Output format: text | json")
	_ = cmd.MarkFlagRequired("dsn")

	return cmd
}

type journalLine struct {
	Seq     uint64          `json:"seq"`
	ID      string          `json:"id"`
	Kind    core.Kind       `json:"kind"`
	Source  string          `json:"source,omitempty"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

func runJournal(cmd *cobra.Command, _ []string) error {
	dsn, _ := cmd.Flags().GetString("dsn")
	after, _ := cmd.Flags().GetUint64("after")
	limit, _ := cmd.Flags().GetInt("limit")
	kind, _ := cmd.Flags().GetString("kind")
	format, _ := cmd.Flags().GetString("format")

	if limit < 0 {
		return exitError(exitValidation, "--limit must not be negative")
	}
	if format != "text" && format != "json" {
		return exitError(exitValidation, "unknown format %q (want text or json)", format)
	}

	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: strings.TrimSpace(dsn)})
	if err != nil {
		return exitError(exitRuntime, "opening journal: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	var events []core.Event
	if kind != "" {
		events, err = store.ListKind(cmd.Context(), core.Kind(kind), after, limit)
	} else {
		events, err = store.List(cmd.Context(), after, limit)
	}
	if err != nil {
		return exitError(exitRuntime, "reading journal: %v", err)
	}

	lines := make([]journalLine, 0, len(events))
	for _, e := range events {
		payload, err := core.EncodePayload(e.Payload)
		if err != nil {
			return exitError(exitRuntime, "encoding event %d: %v", e.Seq, err)
		}
		lines = append(lines, journalLine{
			Seq:     e.Seq,
			ID:      e.ID,
			Kind:    e.Kind,
			Source:  e.Source,
			Time:    e.Time,
			Payload: payload,
		})
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(lines); err != nil {
			return fmt.Errorf("encoding events: %w", err)
		}
		return nil
	}
	printJournalText(out, lines)
	return nil
}

func printJournalText(w io.Writer, lines []journalLine) {
	if len(lines) == 0 {
		fmt.Fprintln(w, "No events.")
		return
	}
	for _, l := range lines {
		source := l.Source
		if source == "" {
			source = "-"
		}
		fmt.Fprintf(w, "%6d  %s  %-28s %-20s %s\n",
			l.Seq,
			l.Time.UTC().Format(time.RFC3339),
			l.Kind,
			source,
			l.Payload,
		)
	}
}
