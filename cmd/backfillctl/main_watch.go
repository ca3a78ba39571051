package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kursadbilgin/backfill-engine/internal/events"
)

// Watch status changes.
type cmdWatch struct {
	global *cmdGlobal
}

func (c *cmdWatch) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "watch"
	cmd.Short = "Stream batched migration status changes"
	cmd.Long = `Description:
  Print every status change of the project's batched migrations as workers
  apply it, until interrupted

  Requires RABBITMQ_URL. Changes that happen while nothing watches are not
  replayed.
`
	cmd.RunE = c.Run

	return cmd
}

func (c *cmdWatch) Run(cmd *cobra.Command, args []string) error {
	exit, err := c.global.CheckArgs(cmd, args, 0, 0)
	if exit {
		return err
	}

	e := c.global.engine
	if e.events == nil {
		return fmt.Errorf("watch requires RABBITMQ_URL")
	}

	return e.events.Consume(cmd.Context(), e.project, c.print)
}

func (c *cmdWatch) print(ctx context.Context, event events.StatusChange) error {
	if c.global.flagFormat == formatJSON {
		line, err := json.Marshal(event)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.global.out, string(line))
		return err
	}

	_, err := fmt.Fprintf(c.global.out, "%s  %d  %s  %s -> %s%s\n",
		event.OccurredAt.UTC().Format(time.RFC3339),
		event.MigrationID,
		event.Filename,
		event.From,
		event.To,
		errorSuffix(event.LastError),
	)
	return err
}

func errorSuffix(s *string) string {
	if s == nil || *s == "" {
		return ""
	}
	return "  (" + *s + ")"
}
