package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"dukafiti/offline/internal/domain"
	"dukafiti/offline/internal/httpapi"
	"dukafiti/offline/internal/queue"
	"dukafiti/offline/internal/service"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const localCommandNote = "Edits the local queue directly; stop the agent first or use the HTTP API while it runs."

var (
	queueTypeFilter string
	tokenSubject    string
	tokenRole       string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued work from local storage",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass against the remote and exit",
	Args:  cobra.NoArgs,
	RunE:  runSyncOnce,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var clearErrorsCmd = &cobra.Command{
	Use:   "clear-errors",
	Short: "Drop operations that ran out of attempts",
	Long:  localCommandNote,
	Args:  cobra.NoArgs,
	RunE:  runClearErrors,
}

var retryErrorsCmd = &cobra.Command{
	Use:   "retry-errors",
	Short: "Give failed operations a fresh set of attempts",
	Long:  localCommandNote,
	Args:  cobra.NoArgs,
	RunE:  runRetryErrors,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the local HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

func init() {
	queueListCmd.Flags().StringVar(&queueTypeFilter, "type", "", "Only list operations of this entity type")
	queueCmd.AddCommand(queueListCmd)

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "till-1", "Token subject, usually the till name")
	tokenCmd.Flags().StringVar(&tokenRole, "role", httpapi.RoleCashier, "cashier or manager")
}

// withQueue opens local storage only, so it works with the remote unreachable.
func withQueue(fn func(ctx context.Context, q *queue.Store) error) error {
	ctx := context.Background()
	cfg, logger, closeLog, err := loadRuntime()
	if err != nil {
		return err
	}
	defer closeLog()

	l, err := openLocal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(ctx, l.queue)
}

type queueSummary struct {
	Pending int            `json:"pending"`
	Errors  int            `json:"errors"`
	Counts  map[string]int `json:"counts"`
	Oldest  *time.Time     `json:"oldest,omitempty"`
}

func summarize(q *queue.Store) queueSummary {
	sum := queueSummary{
		Pending: q.PendingCount(),
		Errors:  q.ErrorCount(),
		Counts:  make(map[string]int),
	}
	for entityType, n := range q.Counts() {
		sum.Counts[string(entityType)] = n
	}
	for _, op := range q.List() {
		if sum.Oldest == nil || op.CreatedAt.Before(*sum.Oldest) {
			created := op.CreatedAt
			sum.Oldest = &created
		}
	}
	return sum
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withQueue(func(_ context.Context, q *queue.Store) error {
		sum := summarize(q)
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), sum)
		}
		writeSummary(cmd.OutOrStdout(), sum)
		return nil
	})
}

func writeSummary(out io.Writer, sum queueSummary) {
	if sum.Pending == 0 {
		fmt.Fprintln(out, "All changes synced.")
		return
	}
	fmt.Fprintf(out, "%s pending, %s failed\n", humanize.Comma(int64(sum.Pending)), humanize.Comma(int64(sum.Errors)))
	if sum.Oldest != nil {
		fmt.Fprintf(out, "Oldest change queued %s\n", humanize.Time(*sum.Oldest))
	}
	types := make([]string, 0, len(sum.Counts))
	for name := range sum.Counts {
		types = append(types, name)
	}
	sort.Strings(types)
	w := newTabWriter(out)
	fmt.Fprintln(w, "TYPE\tQUEUED")
	for _, name := range types {
		fmt.Fprintf(w, "%s\t%d\n", name, sum.Counts[name])
	}
	w.Flush()
}

func runQueueList(cmd *cobra.Command, args []string) error {
	var types []domain.EntityType
	if queueTypeFilter != "" {
		entityType, err := domain.ParseEntityType(queueTypeFilter)
		if err != nil {
			return err
		}
		types = append(types, entityType)
	}
	return withQueue(func(_ context.Context, q *queue.Store) error {
		ops := q.List(types...)
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"operations": ops, "total": len(ops)})
		}
		if len(ops) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
			return nil
		}
		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tTYPE\tKIND\tQUEUED\tATTEMPTS\tLAST ERROR")
		for _, op := range ops {
			lastErr := op.LastError
			if lastErr == "" {
				lastErr = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				op.ID,
				op.EntityType,
				op.Kind,
				humanize.Time(op.CreatedAt),
				op.AttemptCount,
				op.MaxAttempts,
				lastErr,
			)
		}
		return w.Flush()
	})
}

func runClearErrors(cmd *cobra.Command, args []string) error {
	return withQueue(func(ctx context.Context, q *queue.Store) error {
		n := q.ClearErrors(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d failed operation(s).\n", n)
		return nil
	})
}

func runRetryErrors(cmd *cobra.Command, args []string) error {
	return withQueue(func(ctx context.Context, q *queue.Store) error {
		n := q.RetryErrors(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %d operation(s) for retry.\n", n)
		return nil
	})
}

func runSyncOnce(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg, logger, closeLog, err := loadRuntime()
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.monitor.Probe(ctx)
	report, err := a.service.ForceSyncNow(ctx)
	if errors.Is(err, service.ErrOffline) {
		return fmt.Errorf("remote unreachable, %d change(s) stay queued", a.queue.PendingCount())
	}
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), report)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Synced %d, failed %d, %d still queued.\n", report.Synced, report.Failed, a.queue.PendingCount())
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _, closeLog, err := loadRuntime()
	if err != nil {
		return err
	}
	defer closeLog()
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL.Std(), cfg.ManagerPIN)
	token, err := auth.IssueToken(tokenSubject, tokenRole)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), token)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token.AccessToken)
	return nil
}
