package annosync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"

	"github.com/surrealdb/annosync/pkg/audit"
	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

// command carries what every subcommand needs. The field holding it is
// unexported so go-flags does not scan it.
type command struct {
	ctx    context.Context
	config *Config
	out    io.Writer
}

func (c *command) run(fn func(ctx context.Context, app *App) error) error {
	app, err := New(c.ctx, c.config, c.out)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			app.log.Warn().Err(err).Msg("failed to close")
		}
	}()
	return fn(c.ctx, app)
}

// addCommands registers every operator command under parser.
func addCommands(parser *flags.Parser, env *command) error {
	var cmds = []struct {
		name, short, long string
		data              any
	}{
		{"check-status", "Compare record counts of both stores", `
Count the records of every kind in the primary store and the projections in
the document store, and flag kinds whose counts differ. Also reports how many
records await propagation. Equal counts do not prove field-level consistency;
use repair-sync for that.
`, &cmdCheckStatus{env: env}},
		{"force-sync", "Rewrite the projections of one document", `
Re-run propagation for one document, its schema, annotation and history,
regardless of what the document store currently holds.
`, &cmdForceSync{env: env}},
		{"sync-all", "Create missing projections", `
Walk every document and create the projections of those that have none, then
replay records left pending or failed by earlier propagation.
`, &cmdSyncAll{env: env}},
		{"repair-sync", "Create missing projections and fix drifted ones", `
Like sync-all, but also rewrites projections whose title, status or
description differ from the primary record. With --deep, the complete content
of document, schema and annotation projections is compared.
`, &cmdRepairSync{env: env}},
		{"test-connection", "Check that the document store is reachable", "", &cmdTestConnection{env: env}},
		{"test-sync", "Write, read and delete a probe projection", "", &cmdTestSync{env: env}},
		{"setup", "Create document store indexes", "", &cmdSetup{env: env}},
		{"migrate", "Migrate the primary schema and bootstrap the document store", `
Create or update the primary tables, create the document store indexes, and
write the projections of every document. Safe to run repeatedly.
`, &cmdMigrate{env: env}},
		{"reset-secondary", "Delete every projection", `
Delete every projection of the document store. The primary store is not
touched; run sync-all or migrate to rebuild. Requires --yes.
`, &cmdResetSecondary{env: env}},
		{"pending", "List records awaiting propagation", "", &cmdPending{env: env}},
		{"stats", "Show annotation statistics", "", &cmdStats{env: env}},
		{"run", "Serve the HTTP API", "", &cmdRun{env: env}},
	}
	for _, c := range cmds {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			return err
		}
	}
	return nil
}

type cmdCheckStatus struct {
	env *command
}

func (cmd *cmdCheckStatus) Execute([]string) error {
	return cmd.env.run(func(ctx context.Context, app *App) error {
		status, err := app.auditor.CheckStatus(ctx)
		if err != nil {
			return err
		}
		writeStatus(app.out, status)
		return nil
	})
}

func writeStatus(w io.Writer, status *audit.Status) {
	reachable := "reachable"
	if !status.Reachable {
		reachable = "unreachable"
	}
	fmt.Fprintf(w, "Document store: %s (%s)\n", status.Backend, reachable)

	var table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Kind", "Primary", "Secondary", "Status"})
	for _, k := range status.Kinds {
		secondary, state := "-", "unknown"
		if status.Reachable {
			secondary, state = humanize.Comma(int64(k.Secondary)), "ok"
			if k.Mismatch {
				state = "MISMATCH"
			}
		}
		table.Append([]string{string(k.Kind), humanize.Comma(int64(k.Primary)), secondary, state})
	}
	table.Render()

	fmt.Fprintf(w, "Sync states: %d pending, %d failed, %d in sync\n",
		status.SyncStates[models.SyncPending],
		status.SyncStates[models.SyncFailed],
		status.SyncStates[models.SyncInSync])
	if status.InSync() {
		fmt.Fprintln(w, "Stores are in sync")
	} else {
		fmt.Fprintln(w, "Drift detected: run sync-all or repair-sync")
	}
}

type cmdForceSync struct {
	env  *command
	Args struct {
		DocumentID string `positional-arg-name:"document-id" required:"yes"`
	} `positional-args:"yes"`
}

func (cmd *cmdForceSync) Execute([]string) error {
	id, err := models.ParseDocumentID(cmd.Args.DocumentID)
	if err != nil {
		return fmt.Errorf("invalid document id %q: %w", cmd.Args.DocumentID, err)
	}
	return cmd.env.run(func(ctx context.Context, app *App) error {
		if err := app.auditor.ForceSync(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(app.out, "Synced document %s\n", id)
		return nil
	})
}

type cmdSyncAll struct {
	env *command
}

func (cmd *cmdSyncAll) Execute([]string) error {
	return cmd.env.run(func(ctx context.Context, app *App) error {
		report, err := app.auditor.SyncAll(ctx)
		if err != nil {
			return err
		}
		writeReport(app.out, report)
		return nil
	})
}

type cmdRepairSync struct {
	env  *command
	Deep bool `long:"deep" description:"Compare the complete content of each projection"`
}

func (cmd *cmdRepairSync) Execute([]string) error {
	return cmd.env.run(func(ctx context.Context, app *App) error {
		report, err := app.auditor.Repair(ctx, cmd.Deep)
		if err != nil {
			return err
		}
		writeReport(app.out, report)
		return nil
	})
}

func writeReport(w io.Writer, report *audit.Report) {
	fmt.Fprintf(w, "Checked %s documents: %s drifted, %s repaired, %s errors\n",
		humanize.Comma(int64(report.Checked)),
		humanize.Comma(int64(report.Drifts)),
		humanize.Comma(int64(report.Repaired)),
		humanize.Comma(int64(report.Errors)))
	if len(report.Failures) == 0 {
		return
	}
	var table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Document", "Error"})
	for _, f := range report.Failures {
		table.Append([]string{f.DocumentID, f.Error})
	}
	table.Render()
}

type cmdTestConnection struct {
	env *command
}

func (cmd *cmdTestConnection) Execute([]string) error {
	return cmd.env.run(func(ctx context.Context, app *App) error {
		ctx, cancel := app.secondaryContext(ctx)
		defer cancel()
		if !app.secondary.EnsureConnection(ctx) {
			return &store.ConnectionError{Backend: app.secondary.Backend()}
		}
		fmt.Fprintf(app.out, "Connected to %s\n", app.secondary.Backend())
		return nil
	})
}

type cmdTestSync struct {
	env *command
}

func (cmd *cmdTestSync) Execute([]string) error {
	return cmd.env.run(func(ctx context.Context, app *App) error {
		ctx, cancel := app.secondaryContext(ctx)
		defer cancel()
		took, err := probe(ctx, app.secondary)
		if err != nil {
			return err
		}
		fmt.Fprintf(app.out, "Round trip to %s succeeded in %s\n", app.secondary.Backend(), took.Round(time.Millisecond))
		return nil
	})
}

// probe writes, reads back and deletes a document projection that no
// primary record owns.
func probe(ctx context.Context, s store.ProjectionStore) (time.Duration, error) {
	if !s.EnsureConnection(ctx) {
		return 0, &store.ConnectionError{Backend: s.Backend()}
	}
	start := time.Now()
	p := &models.DocumentProjection{
		DocumentID: "probe-" + uuid.NewString(),
		Title:      "annosync probe",
		Status:     "probe",
	}
	docs := s.Documents()
	if err := docs.Upsert(ctx, p); err != nil {
		return 0, fmt.Errorf("probe write failed: %w", err)
	}
	got, err := docs.Get(ctx, p.DocumentID)
	if err != nil {
		return 0, fmt.Errorf("probe read failed: %w", err)
	}
	if got == nil || got.Title != p.Title {
		return 0, errors.New("probe read returned a different projection")
	}
	if err := docs.Delete(ctx, p.DocumentID); err != nil {
		return 0, fmt.Errorf("probe delete failed: %w", err)
	}
	if got, err = docs.Get(ctx, p.DocumentID); err != nil {
		return 0, fmt.Errorf("probe read failed: %w", err)
	} else if got != nil {
		return 0, errors.New("probe projection survived delete")
	}
	return time.Since(start), nil
}

type cmdSetup struct {
	env *command
}

func (cmd *cmdSetup) Execute([]string) error {
	return cmd.env.run(func(ctx context.Context, app *App) error {
		if err := app.secondary.Setup(ctx); err != nil {
			return err
		}
		fmt.Fprintf(app.out, "Created %s indexes\n", app.secondary.Backend())
		return nil
	})
}

type cmdMigrate struct {
	env *command
}

func (cmd *cmdMigrate) Execute([]string) error {
	return cmd.env.run(func(ctx context.Context, app *App) error {
		report, err := app.auditor.Migrate(ctx)
		if err != nil {
			return err
		}
		writeReport(app.out, report)
		return nil
	})
}

type cmdResetSecondary struct {
	env *command
	Yes bool `long:"yes" description:"Confirm deleting every projection"`
}

func (cmd *cmdResetSecondary) Execute([]string) error {
	if !cmd.Yes {
		return errors.New("refusing to delete every projection without --yes")
	}
	return cmd.env.run(func(ctx context.Context, app *App) error {
		if err := app.secondary.Reset(ctx); err != nil {
			return err
		}
		fmt.Fprintf(app.out, "Deleted every %s projection\n", app.secondary.Backend())
		return nil
	})
}

type cmdPending struct {
	env    *command
	Status string `long:"status" choice:"pending" choice:"failed" description:"Only list rows with this status"`
}

func (cmd *cmdPending) Execute([]string) error {
	return cmd.env.run(func(ctx context.Context, app *App) error {
		states, err := app.primary.ListSyncStates(ctx, models.SyncStatus(cmd.Status))
		if err != nil {
			return err
		}
		if len(states) == 0 {
			fmt.Fprintln(app.out, "Nothing awaits propagation")
			return nil
		}
		var table = tablewriter.NewWriter(app.out)
		table.SetHeader([]string{"Kind", "Entity", "Document", "Op", "Status", "Attempts", "Updated", "Error"})
		for _, s := range states {
			table.Append([]string{
				string(s.Kind),
				s.EntityID,
				s.DocumentID,
				string(s.Operation),
				string(s.Status),
				fmt.Sprintf("%d", s.Attempts),
				humanize.Time(s.UpdatedAt),
				s.LastError,
			})
		}
		table.Render()
		return nil
	})
}

type cmdStats struct {
	env *command
}

func (cmd *cmdStats) Execute([]string) error {
	return cmd.env.run(func(ctx context.Context, app *App) error {
		stats, err := app.service.Statistics(ctx)
		if err != nil {
			return err
		}
		var table = tablewriter.NewWriter(app.out)
		table.SetHeader([]string{"Metric", "Value"})
		table.Append([]string{"Documents", humanize.Comma(int64(stats.TotalDocuments))})
		table.Append([]string{"Schemas", humanize.Comma(int64(stats.TotalSchemas))})
		table.Append([]string{"Annotations", humanize.Comma(int64(stats.TotalAnnotations))})
		table.Append([]string{"Completed", humanize.Comma(int64(stats.CompletedAnnotations))})
		table.Append([]string{"Validated", humanize.Comma(int64(stats.ValidatedAnnotations))})
		table.Append([]string{"Pending", humanize.Comma(int64(stats.PendingAnnotations))})
		table.Append([]string{"Average completion", fmt.Sprintf("%s%%", humanize.FormatFloat("#.#", stats.AverageCompletion))})
		table.Append([]string{"Awaiting propagation", humanize.Comma(int64(stats.SyncStates[models.SyncPending] + stats.SyncStates[models.SyncFailed]))})
		table.Append([]string{"Document store", fmt.Sprintf("%s (%s)", stats.SecondaryBackend, stats.SecondaryStatus)})
		table.Render()
		return nil
	})
}

type cmdRun struct {
	env  *command
	Addr string `long:"addr" env:"HTTP_ADDR" default:":8080" description:"Address to listen on"`
}

func (cmd *cmdRun) Execute([]string) error {
	return cmd.env.run(func(ctx context.Context, app *App) error {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return NewServer(app).ListenAndServe(ctx, cmd.Addr)
	})
}
