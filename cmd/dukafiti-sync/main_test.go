package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dukafiti/offline/internal/config"
	"dukafiti/offline/internal/domain"
	"dukafiti/offline/internal/queue"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", ManagerPIN: "739154"})
	if err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
	err = validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "123456"})
	if err == nil {
		t.Fatalf("expected weak PIN to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "739154"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigAcceptsHashedPIN(t *testing.T) {
	hashed, err := bcrypt.GenerateFromPassword([]byte("739154"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	err = validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: string(hashed)})
	if err != nil {
		t.Fatalf("expected hashed PIN to pass, got %v", err)
	}
}

func TestValidatePINStrength(t *testing.T) {
	cases := map[string]bool{
		"739154": true,
		"111111": false,
		"987654": false,
		"345678": false,
		"12a456": false,
		"112233": false,
	}
	for pin, ok := range cases {
		err := validatePINStrength(pin)
		if ok && err != nil {
			t.Fatalf("expected %s to pass, got %v", pin, err)
		}
		if !ok && err == nil {
			t.Fatalf("expected %s to be rejected", pin)
		}
	}
}

func TestWriteSummary(t *testing.T) {
	var out bytes.Buffer
	writeSummary(&out, queueSummary{})
	if !strings.Contains(out.String(), "All changes synced.") {
		t.Fatalf("unexpected empty summary %q", out.String())
	}

	out.Reset()
	oldest := time.Now().Add(-3 * time.Hour)
	writeSummary(&out, queueSummary{
		Pending: 1200,
		Errors:  2,
		Counts:  map[string]int{"sale": 1100, "customer": 100},
		Oldest:  &oldest,
	})
	got := out.String()
	for _, want := range []string{"1,200 pending, 2 failed", "3 hours ago", "customer", "sale"} {
		if !strings.Contains(got, want) {
			t.Fatalf("summary missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "customer") > strings.Index(got, "sale") {
		t.Fatalf("expected types sorted by name:\n%s", got)
	}
}

// seedQueue writes operations into a sqlite-backed queue the commands will
// reopen.
func seedQueue(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DUKAFITI_CONFIG", "")
	t.Setenv("DUKAFITI_STORAGE", config.StorageSQLite)
	t.Setenv("DUKAFITI_SQLITE_PATH", filepath.Join(dir, "agent.db"))
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	l, err := openLocal(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open local: %v", err)
	}
	defer l.Close()

	_, _, err = l.queue.Enqueue(ctx, queue.NewOperation{
		EntityType: domain.EntityCustomer,
		Kind:       domain.OpCreate,
		Payload:    domain.MustJSON(domain.Customer{ID: "temp_1", Name: "Mary"}),
	})
	if err != nil {
		t.Fatalf("enqueue customer: %v", err)
	}
	failed, _, err := l.queue.Enqueue(ctx, queue.NewOperation{
		EntityType: domain.EntityTransaction,
		Kind:       domain.OpCreate,
		Payload:    domain.MustJSON(domain.Transaction{ID: "temp_2", Kind: domain.TransactionExpense, AmountCents: 500}),
	})
	if err != nil {
		t.Fatalf("enqueue transaction: %v", err)
	}
	for i := 0; i < domain.DefaultMaxAttempts; i++ {
		if _, err := l.queue.IncrementAttempts(ctx, failed.ID, errors.New("connection refused")); err != nil {
			t.Fatalf("increment attempts: %v", err)
		}
	}
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	queueTypeFilter = ""
	jsonOutput = false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("%v failed: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestQueueCommandsReadLocalStorage(t *testing.T) {
	seedQueue(t)

	status := execute(t, "status")
	if !strings.Contains(status, "2 pending, 1 failed") {
		t.Fatalf("unexpected status output:\n%s", status)
	}

	listed := execute(t, "queue", "list", "--type", "transaction")
	if !strings.Contains(listed, "connection refused") || strings.Contains(listed, "customer") {
		t.Fatalf("unexpected filtered list:\n%s", listed)
	}

	retried := execute(t, "retry-errors")
	if !strings.Contains(retried, "Queued 1 operation(s) for retry.") {
		t.Fatalf("unexpected retry output:\n%s", retried)
	}
	if got := execute(t, "status"); !strings.Contains(got, "2 pending, 0 failed") {
		t.Fatalf("expected retried op to be pending again:\n%s", got)
	}
}

func TestClearErrorsCommandDropsExhausted(t *testing.T) {
	seedQueue(t)

	cleared := execute(t, "clear-errors")
	if !strings.Contains(cleared, "Cleared 1 failed operation(s).") {
		t.Fatalf("unexpected clear output:\n%s", cleared)
	}
	listed := execute(t, "queue", "list")
	if strings.Contains(listed, "transaction") || !strings.Contains(listed, "customer") {
		t.Fatalf("expected only the customer create to remain:\n%s", listed)
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("DUKAFITI_CONFIG", "")
	t.Setenv("AUTH_SECRET", "short")
	rootCmd.SetArgs([]string{"token"})
	rootCmd.SetOut(&bytes.Buffer{})
	if err := rootCmd.Execute(); err == nil {
		t.Fatalf("expected token command to reject a short secret")
	}

	t.Setenv("AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	out := execute(t, "token", "--role", "manager", "--subject", "back-office")
	if strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Fatalf("expected a JWT, got %q", out)
	}
}
