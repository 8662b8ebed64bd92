package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/reactor/bus"
	"github.com/petal-labs/reactor/core"
)

// newTestRoot creates a fresh cobra root command wired to all subcommands.
// Each test gets an isolated command tree to avoid shared state.
func newTestRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "reactor",
		SilenceUsage: true,
	}
	root.PersistentFlags().Bool("verbose", false, "")
	root.PersistentFlags().Bool("quiet", false, "")
	root.AddCommand(NewServeCmd())
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewJournalCmd())
	return root
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error %v is not an ExitError", err)
	}
	return exitErr.Code
}

const validConfigYAML = `
orchestrator:
  aggregation: attempted
actions:
  auth.signed_in:
    - name: audit
      type: log
    - name: notify
      type: webhook
      endpoint: http://hooks.example.test/in
schedule:
  triggers:
    - name: digest
      cron: "0 6 * * *"
      kind: profile.summary_requested
`

const invalidConfigYAML = `
orchestrator:
  aggregation: sometimes
actions:
  auth.signed_in:
    - name: notify
      type: webhook
`

func TestValidate_ValidConfigText(t *testing.T) {
	path := writeTestFile(t, "reactor.yaml", validConfigYAML)

	stdout, _, err := executeCommand(newTestRoot(), "validate", "--config", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Valid!") {
		t.Errorf("expected 'Valid!' in output, got: %s", stdout)
	}
	if !strings.Contains(stdout, "auth.signed_in: audit (log), notify (webhook)") {
		t.Errorf("expected action listing, got: %s", stdout)
	}
	if !strings.Contains(stdout, "trigger digest [0 6 * * *] -> profile.summary_requested") {
		t.Errorf("expected trigger listing, got: %s", stdout)
	}
}

func TestValidate_ValidConfigJSON(t *testing.T) {
	path := writeTestFile(t, "reactor.yaml", validConfigYAML)

	stdout, _, err := executeCommand(newTestRoot(), "validate", "--config", path, "--format", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var report validateReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, stdout)
	}
	if !report.Valid || len(report.Errors) != 0 {
		t.Errorf("report = %+v, want valid", report)
	}
	if got := report.Actions["auth.signed_in"]; len(got) != 2 {
		t.Errorf("actions = %v, want 2 for auth.signed_in", got)
	}
}

func TestValidate_InvalidConfig(t *testing.T) {
	path := writeTestFile(t, "reactor.yaml", invalidConfigYAML)

	stdout, _, err := executeCommand(newTestRoot(), "validate", "--config", path)
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("exit code = %d, want %d", code, exitValidation)
	}
	if !strings.Contains(stdout, "ERROR:") || !strings.Contains(stdout, "2 errors") {
		t.Errorf("expected two errors in output, got: %s", stdout)
	}
	if !strings.Contains(stdout, "webhook endpoint is required") {
		t.Errorf("expected webhook error, got: %s", stdout)
	}
}

func TestValidate_MissingFile(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "validate", "--config", "/nonexistent/reactor.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if code := exitCode(t, err); code != exitFileNotFound {
		t.Errorf("exit code = %d, want %d", code, exitFileNotFound)
	}
}

func TestServe_InvalidConfigFailsFast(t *testing.T) {
	path := writeTestFile(t, "reactor.yaml", invalidConfigYAML)

	_, _, err := executeCommand(newTestRoot(), "serve", "--config", path)
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
	if code := exitCode(t, err); code != exitConfig {
		t.Errorf("exit code = %d, want %d", code, exitConfig)
	}
}

// writeJournal creates a SQLite journal holding events and returns its path.
func writeJournal(t *testing.T, payloads ...core.Payload) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, p := range payloads {
		e := core.NewEvent(p, "test").WithTime(base.Add(time.Duration(i) * time.Second))
		e.Seq = uint64(i + 1)
		if err := store.Append(context.Background(), e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestJournal_JSON(t *testing.T) {
	path := writeJournal(t,
		core.SystemReady{},
		core.SignedIn{UserID: "u1"},
		core.SignedOut{UserID: "u1"},
	)

	stdout, _, err := executeCommand(newTestRoot(), "journal", "--dsn", path, "--after", "1", "--format", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var lines []journalLine
	if err := json.Unmarshal([]byte(stdout), &lines); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, stdout)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d events, want 2", len(lines))
	}
	if lines[0].Seq != 2 || lines[0].Kind != core.KindSignedIn {
		t.Errorf("first event = %+v", lines[0])
	}
	var payload map[string]any
	if err := json.Unmarshal(lines[1].Payload, &payload); err != nil || payload["user_id"] != "u1" {
		t.Errorf("payload = %s", lines[1].Payload)
	}
}

func TestJournal_TextWithKindFilter(t *testing.T) {
	path := writeJournal(t,
		core.SignedIn{UserID: "u1"},
		core.SignedOut{UserID: "u1"},
		core.SignedIn{UserID: "u2"},
	)

	stdout, _, err := executeCommand(newTestRoot(), "journal", "--dsn", path, "--kind", "auth.signed_in")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), stdout)
	}
	if !strings.Contains(lines[1], "2025-01-02T03:04:07Z") || !strings.Contains(lines[1], `"u2"`) {
		t.Errorf("second line = %q", lines[1])
	}
}

func TestJournal_Empty(t *testing.T) {
	path := writeJournal(t)
	stdout, _, err := executeCommand(newTestRoot(), "journal", "--dsn", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(stdout) != "No events." {
		t.Errorf("output = %q", stdout)
	}
}

func TestJournal_FlagErrors(t *testing.T) {
	if _, _, err := executeCommand(newTestRoot(), "journal"); err == nil {
		t.Error("expected error without --dsn")
	}

	path := writeJournal(t)
	_, _, err := executeCommand(newTestRoot(), "journal", "--dsn", path, "--format", "yaml")
	if err == nil {
		t.Fatal("expected error for unknown format")
	}
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("exit code = %d, want %d", code, exitValidation)
	}
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		args      []string
		debug     bool
		info      bool
		errorLogs bool
	}{
		{nil, false, true, true},
		{[]string{"--verbose"}, true, true, true},
		{[]string{"--quiet"}, false, false, true},
	}
	for _, tt := range tests {
		root := newTestRoot()
		var got *cobra.Command
		noop := &cobra.Command{
			Use: "noop",
			RunE: func(cmd *cobra.Command, _ []string) error {
				got = cmd
				return nil
			},
		}
		root.AddCommand(noop)
		if _, _, err := executeCommand(root, append([]string{"noop"}, tt.args...)...); err != nil {
			t.Fatalf("noop %v: %v", tt.args, err)
		}

		logger := NewLogger(got)
		ctx := context.Background()
		if logger.Enabled(ctx, -4) != tt.debug {
			t.Errorf("%v: debug enabled = %v, want %v", tt.args, !tt.debug, tt.debug)
		}
		if logger.Enabled(ctx, 0) != tt.info {
			t.Errorf("%v: info enabled = %v, want %v", tt.args, !tt.info, tt.info)
		}
		if logger.Enabled(ctx, 8) != tt.errorLogs {
			t.Errorf("%v: error enabled = %v, want %v", tt.args, !tt.errorLogs, tt.errorLogs)
		}
	}
}

func TestMiddleware_CORSAndMaxBody(t *testing.T) {
	var readErr error
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		for {
			_, err := r.Body.Read(buf)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr = err
				}
				break
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	h := maxBodyMiddleware(withCORS(inner, "https://app.example.test"), 8)

	pre := httptest.NewRecorder()
	h.ServeHTTP(pre, httptest.NewRequest(http.MethodOptions, "/api/events", nil))
	if pre.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", pre.Code)
	}
	if got := pre.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.test" {
		t.Errorf("allow origin = %q", got)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(strings.Repeat("x", 64))))
	var maxErr *http.MaxBytesError
	if !errors.As(readErr, &maxErr) {
		t.Errorf("read error = %v, want MaxBytesError", readErr)
	}
}
