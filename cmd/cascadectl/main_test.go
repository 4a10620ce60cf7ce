package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/developingchet/cascade-guard/internal/clock"
	"github.com/developingchet/cascade-guard/internal/config"
	"github.com/developingchet/cascade-guard/internal/security"
	"github.com/developingchet/cascade-guard/internal/testutil"
	"github.com/developingchet/cascade-guard/internal/verification"
	"github.com/rs/zerolog"
)

// TestRootSubcommands verifies all expected subcommands are registered.
func TestRootSubcommands(t *testing.T) {
	root := newRoot()

	registered := make(map[string]bool)
	for _, cmd := range root.Commands() {
		registered[cmd.Name()] = true
	}

	for _, want := range []string{"run", "preview", "delete", "watch", "healthcheck", "version"} {
		if !registered[want] {
			t.Errorf("subcommand %q not registered on root command", want)
		}
	}
}

// TestVersionOutput verifies the version subcommand prints the binary name.
func TestVersionOutput(t *testing.T) {
	var buf bytes.Buffer
	root := newRoot()
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version command returned error: %v", err)
	}
	if !strings.Contains(buf.String(), "cascadectl") {
		t.Errorf("version output %q does not contain %q", buf.String(), "cascadectl")
	}
}

// TestRunDaemonMissingConfig verifies run returns an error (not panics)
// when CASCADE_BACKEND_URL is not set.
func TestRunDaemonMissingConfig(t *testing.T) {
	t.Setenv("CASCADE_BACKEND_URL", "")

	root := newRoot()
	root.SetArgs([]string{"run"})
	err := root.Execute()
	if err == nil {
		t.Fatal("expected run to fail when CASCADE_BACKEND_URL is missing")
	}
	if !strings.Contains(err.Error(), "BACKEND_URL") {
		t.Errorf("expected error to mention BACKEND_URL; got: %v", err)
	}
}

// TestLoadMissingRequired verifies config.Load returns a descriptive error
// when required environment variables are absent.
func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("CASCADE_BACKEND_URL", "")

	_, err := config.Load("", nil)
	if err == nil {
		t.Fatal("expected config.Load() to return an error with missing required vars")
	}
}

func TestDeleteRequiresEntity(t *testing.T) {
	root := newRoot()
	root.SetArgs([]string{"delete", "--kind", "cascade"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "needs an entity id") {
		t.Fatalf("expected entity id error, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    security.OperationKind
		wantErr bool
	}{
		{"single", security.Single, false},
		{"CASCADE", security.Cascade, false},
		{"bulk", security.Bulk, false},
		{"cleanup", security.Cleanup, false},
		{"purge", "", true},
	}
	for _, tc := range tests {
		got, err := parseKind(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("parseKind(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func newWorkflow(t *testing.T, kind security.OperationKind, items []string) (*verification.Workflow, *verification.TokenStore) {
	t.Helper()
	api := testutil.NewMockBackend()
	api.SetPassword("u-1", "pw")
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	tokens := verification.NewTokenStore(5*time.Minute, clk)
	wf, err := verification.Begin(verification.Deps{
		Passwords: api,
		Tokens:    tokens,
		Clock:     clk,
		Log:       zerolog.Nop(),
	}, verification.Request{
		SubjectID:   "u-1",
		Kind:        kind,
		EntityID:    "s-1",
		DisplayName: "Ada Lovelace",
		ImpactItems: items,
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return wf, tokens
}

func TestConfirmApproves(t *testing.T) {
	wf, tokens := newWorkflow(t, security.Cascade, []string{"enrollments (2)", "grades (7)"})
	var out bytes.Buffer
	p := &prompter{
		in:  strings.NewReader("wrong\npw\nAda Lovelace\ny\nyes\n"),
		out: &out,
	}

	token, err := p.confirm(context.Background(), wf)
	if err != nil {
		t.Fatalf("confirm: %v\n%s", err, out.String())
	}
	if _, err := tokens.Consume(token, "u-1", security.Cascade, "s-1"); err != nil {
		t.Errorf("issued token not accepted: %v", err)
	}
	if !strings.Contains(out.String(), "try again") {
		t.Errorf("wrong password not reported: %q", out.String())
	}
}

func TestConfirmUsesPasswordFile(t *testing.T) {
	wf, _ := newWorkflow(t, security.Cleanup, nil)
	p := &prompter{in: strings.NewReader(""), out: &bytes.Buffer{}, password: "pw"}

	if _, err := p.confirm(context.Background(), wf); err != nil {
		t.Fatalf("confirm: %v", err)
	}
}

func TestConfirmGivesUpAfterRepeatedFailures(t *testing.T) {
	wf, _ := newWorkflow(t, security.Single, nil)
	p := &prompter{in: strings.NewReader("pw\nAda\nada\nAda L\n"), out: &bytes.Buffer{}}

	_, err := p.confirm(context.Background(), wf)
	if !errors.Is(err, verification.ErrNameMismatch) {
		t.Fatalf("expected ErrNameMismatch, got %v", err)
	}
	if wf.State().Phase != verification.PhaseCancelled {
		t.Errorf("workflow phase %s, want cancelled", wf.State().Phase)
	}
}

func TestConfirmUncheckedImpact(t *testing.T) {
	wf, _ := newWorkflow(t, security.Cascade, []string{"grades (7)"})
	p := &prompter{in: strings.NewReader("pw\nAda Lovelace\nn\nn\nn\n"), out: &bytes.Buffer{}}

	_, err := p.confirm(context.Background(), wf)
	if !errors.Is(err, verification.ErrImpactIncomplete) {
		t.Fatalf("expected ErrImpactIncomplete, got %v", err)
	}
}

func TestConfirmStopsOnEOF(t *testing.T) {
	wf, _ := newWorkflow(t, security.Single, nil)
	p := &prompter{in: strings.NewReader(""), out: &bytes.Buffer{}}

	if _, err := p.confirm(context.Background(), wf); err == nil {
		t.Fatal("expected error on closed input")
	}
	if wf.State().Phase != verification.PhaseCancelled {
		t.Errorf("workflow phase %s, want cancelled", wf.State().Phase)
	}
}
