package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
	"github.com/kursadbilgin/backfill-engine/internal/partition"
	"github.com/kursadbilgin/backfill-engine/internal/service"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

type migrationView struct {
	ID               int64   `json:"id"`
	Filename         string  `json:"filename"`
	Status           string  `json:"status"`
	MinValue         int64   `json:"minValue"`
	MaxValue         int64   `json:"maxValue"`
	BatchSize        int64   `json:"batchSize"`
	PartitionedUntil int64   `json:"partitionedUntil"`
	TotalBatches     int64   `json:"totalBatches"`
	SucceededBatches int64   `json:"succeededBatches"`
	FailedBatches    int64   `json:"failedBatches"`
	LastError        *string `json:"lastError,omitempty"`
}

func newMigrationView(detail *service.MigrationDetail) migrationView {
	m := detail.Migration
	view := migrationView{
		ID:               m.ID,
		Filename:         m.Filename,
		Status:           m.Status.String(),
		MinValue:         m.MinValue,
		MaxValue:         m.MaxValue,
		BatchSize:        m.BatchSize,
		PartitionedUntil: m.PartitionedUntil,
		SucceededBatches: detail.Summary.Succeeded,
		FailedBatches:    detail.Summary.Failed,
		LastError:        m.LastError,
	}
	if p, err := partition.New(m.MinValue, m.MaxValue, m.BatchSize); err == nil {
		view.TotalBatches = p.Count()
	}
	return view
}

func (v migrationView) progress() string {
	return fmt.Sprintf("%d/%d", v.SucceededBatches, v.TotalBatches)
}

func parseMigrationID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid migration id %q", arg)
	}
	return id, nil
}

func writeJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func renderTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	headerCells := make([]any, 0, len(header))
	for _, h := range header {
		headerCells = append(headerCells, h)
	}
	table.Header(headerCells...)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func lastErrorCell(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// List the batched migrations.
type cmdList struct {
	global *cmdGlobal

	flagStatus string
}

func (c *cmdList) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "list"
	cmd.Aliases = []string{"ls"}
	cmd.Short = "List batched migrations"
	cmd.Long = `Description:
  List the batched migrations of the project with their batch progress
`
	cmd.RunE = c.Run
	cmd.Flags().StringVarP(&c.flagStatus, "status", "s", "", "Only list migrations in this status")

	return cmd
}

func (c *cmdList) Run(cmd *cobra.Command, args []string) error {
	exit, err := c.global.CheckArgs(cmd, args, 0, 0)
	if exit {
		return err
	}

	var status domain.MigrationStatus
	if c.flagStatus != "" {
		status, err = domain.ParseMigrationStatusFromString(c.flagStatus)
		if err != nil {
			return err
		}
	}

	e := c.global.engine
	migrations, err := e.status.SelectAllBatchedMigrations(cmd.Context(), e.project)
	if err != nil {
		return err
	}

	views := make([]migrationView, 0, len(migrations))
	for _, m := range migrations {
		if status != "" && m.Status != status {
			continue
		}
		detail, err := e.status.SelectBatchedMigration(cmd.Context(), e.project, m.ID)
		if err != nil {
			return err
		}
		views = append(views, newMigrationView(detail))
	}

	if c.global.flagFormat == formatJSON {
		return writeJSON(c.global.out, views)
	}

	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			strconv.FormatInt(v.ID, 10),
			v.Filename,
			v.Status,
			v.progress(),
			lastErrorCell(v.LastError),
		})
	}
	return renderTable(c.global.out, []string{"ID", "Filename", "Status", "Progress", "Last error"}, rows)
}

// Show a batched migration.
type cmdShow struct {
	global *cmdGlobal
}

func (c *cmdShow) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "show <id>"
	cmd.Short = "Show a batched migration"
	cmd.Long = `Description:
  Show a batched migration, its batch counts and its failed batches
`
	cmd.RunE = c.Run

	return cmd
}

type batchView struct {
	ID        int64   `json:"id"`
	MinValue  int64   `json:"minValue"`
	MaxValue  int64   `json:"maxValue"`
	Attempts  int     `json:"attempts"`
	LastError *string `json:"lastError,omitempty"`
}

type migrationDetailView struct {
	migrationView
	PendingBatches int64       `json:"pendingBatches"`
	ClaimedBatches int64       `json:"claimedBatches"`
	Failed         []batchView `json:"failed"`
}

func (c *cmdShow) Run(cmd *cobra.Command, args []string) error {
	exit, err := c.global.CheckArgs(cmd, args, 1, 1)
	if exit {
		return err
	}

	id, err := parseMigrationID(args[0])
	if err != nil {
		return err
	}

	e := c.global.engine
	detail, err := e.status.SelectBatchedMigration(cmd.Context(), e.project, id)
	if err != nil {
		return err
	}

	view := migrationDetailView{
		migrationView:  newMigrationView(detail),
		PendingBatches: detail.Summary.Pending,
		ClaimedBatches: detail.Summary.Claimed,
		Failed:         make([]batchView, 0, len(detail.FailedBatches)),
	}
	for _, b := range detail.FailedBatches {
		view.Failed = append(view.Failed, batchView{
			ID:        b.ID,
			MinValue:  b.MinValue,
			MaxValue:  b.MaxValue,
			Attempts:  b.Attempts,
			LastError: b.LastError,
		})
	}

	if c.global.flagFormat == formatJSON {
		return writeJSON(c.global.out, view)
	}

	m := detail.Migration
	rows := [][]string{
		{"ID", strconv.FormatInt(m.ID, 10)},
		{"Filename", m.Filename},
		{"Status", m.Status.String()},
		{"Range", partition.Range{Min: m.MinValue, Max: m.MaxValue}.String()},
		{"Batch size", strconv.FormatInt(m.BatchSize, 10)},
		{"Partitioned until", strconv.FormatInt(m.PartitionedUntil, 10)},
		{"Progress", view.progress()},
		{"Pending", strconv.FormatInt(view.PendingBatches, 10)},
		{"Claimed", strconv.FormatInt(view.ClaimedBatches, 10)},
		{"Failed", strconv.FormatInt(view.FailedBatches, 10)},
		{"Started", formatTime(m.StartedAt)},
		{"Finished", formatTime(m.FinishedAt)},
		{"Last error", lastErrorCell(m.LastError)},
	}
	if err := renderTable(c.global.out, []string{"Field", "Value"}, rows); err != nil {
		return err
	}

	if len(view.Failed) == 0 {
		return nil
	}

	batchRows := make([][]string, 0, len(view.Failed))
	for _, b := range view.Failed {
		batchRows = append(batchRows, []string{
			strconv.FormatInt(b.ID, 10),
			partition.Range{Min: b.MinValue, Max: b.MaxValue}.String(),
			strconv.Itoa(b.Attempts),
			lastErrorCell(b.LastError),
		})
	}
	return renderTable(c.global.out, []string{"Batch", "Range", "Attempts", "Last error"}, batchRows)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Pause a batched migration.
type cmdPause struct {
	global *cmdGlobal
}

func (c *cmdPause) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "pause <id>"
	cmd.Short = "Pause a batched migration"
	cmd.Long = `Description:
  Stop workers from claiming new batches of a pending or running migration

  Batches that are already claimed run to completion.
`
	cmd.RunE = c.Run

	return cmd
}

func (c *cmdPause) Run(cmd *cobra.Command, args []string) error {
	exit, err := c.global.CheckArgs(cmd, args, 1, 1)
	if exit {
		return err
	}

	id, err := parseMigrationID(args[0])
	if err != nil {
		return err
	}

	m, err := c.global.engine.coordinator.Pause(cmd.Context(), id)
	if err != nil {
		return err
	}
	return c.global.printStatus(m)
}

// Resume a paused batched migration.
type cmdResume struct {
	global *cmdGlobal
}

func (c *cmdResume) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "resume <id>"
	cmd.Short = "Resume a paused batched migration"
	cmd.Long = `Description:
  Make a paused migration runnable again
`
	cmd.RunE = c.Run

	return cmd
}

func (c *cmdResume) Run(cmd *cobra.Command, args []string) error {
	exit, err := c.global.CheckArgs(cmd, args, 1, 1)
	if exit {
		return err
	}

	return c.global.resumeFrom(cmd, args[0], domain.MigrationStatusPaused)
}

// Retry a failed batched migration.
type cmdRetry struct {
	global *cmdGlobal
}

func (c *cmdRetry) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "retry <id>"
	cmd.Short = "Retry a failed batched migration"
	cmd.Long = `Description:
  Reset the failed batches of a failed migration and make it runnable again

  Every reset batch gets a fresh attempt budget.
`
	cmd.RunE = c.Run

	return cmd
}

func (c *cmdRetry) Run(cmd *cobra.Command, args []string) error {
	exit, err := c.global.CheckArgs(cmd, args, 1, 1)
	if exit {
		return err
	}

	return c.global.resumeFrom(cmd, args[0], domain.MigrationStatusFailed)
}

// resumeFrom resumes the migration only when it is currently in status want.
func (c *cmdGlobal) resumeFrom(cmd *cobra.Command, arg string, want domain.MigrationStatus) error {
	id, err := parseMigrationID(arg)
	if err != nil {
		return err
	}

	e := c.engine
	detail, err := e.status.SelectBatchedMigration(cmd.Context(), e.project, id)
	if err != nil {
		return err
	}
	if detail.Migration.Status != want {
		return fmt.Errorf("%w: migration %d is %s, not %s", domain.ErrConflict, id, detail.Migration.Status, want)
	}

	m, err := e.coordinator.Resume(cmd.Context(), id)
	if err != nil {
		return err
	}
	return c.printStatus(m)
}

// Finalize a batched migration.
type cmdFinalize struct {
	global *cmdGlobal
}

func (c *cmdFinalize) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "finalize <id>"
	cmd.Short = "Run the finalize step of a batched migration"
	cmd.Long = `Description:
  Run the finalize step of a failed or finalizing migration whose batches
  all succeeded
`
	cmd.RunE = c.Run

	return cmd
}

func (c *cmdFinalize) Run(cmd *cobra.Command, args []string) error {
	exit, err := c.global.CheckArgs(cmd, args, 1, 1)
	if exit {
		return err
	}

	id, err := parseMigrationID(args[0])
	if err != nil {
		return err
	}

	m, err := c.global.engine.coordinator.Finalize(cmd.Context(), id)
	if err != nil {
		return err
	}
	return c.global.printStatus(m)
}

func (c *cmdGlobal) printStatus(m *domain.BatchedMigration) error {
	if c.flagFormat == formatJSON {
		return writeJSON(c.out, map[string]any{
			"id":     m.ID,
			"status": m.Status.String(),
		})
	}

	_, err := fmt.Fprintf(c.out, "Batched migration %d (%s) is now %s\n", m.ID, m.Filename, m.Status)
	return err
}
