package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI renders migrator operations for the batchman migrate subcommands.
type CLI struct {
	m   *Migrator
	out io.Writer
}

// NewCLI wraps a migrator with stdout reporting.
func NewCLI(m *Migrator) *CLI {
	return &CLI{m: m, out: os.Stdout}
}

// SetOutput redirects the CLI's reporting, used by tests.
func (c *CLI) SetOutput(w io.Writer) { c.out = w }

// RunUp applies all pending migrations.
func (c *CLI) RunUp(ctx context.Context) error {
	fmt.Fprintln(c.out, "applying pending migrations...")
	if err := c.m.Up(ctx); err != nil {
		return err
	}
	return c.reportVersion(ctx)
}

// RunDown rolls back the most recent migration.
func (c *CLI) RunDown(ctx context.Context) error {
	fmt.Fprintln(c.out, "rolling back one migration...")
	if err := c.m.Down(ctx); err != nil {
		return err
	}
	return c.reportVersion(ctx)
}

// RunDownAll rolls back every applied migration.
func (c *CLI) RunDownAll(ctx context.Context) error {
	fmt.Fprintln(c.out, "rolling back all migrations...")
	if err := c.m.DownAll(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "schema reset")
	return nil
}

// RunGoto migrates to a specific version.
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	fmt.Fprintf(c.out, "migrating to version %d...\n", version)
	if err := c.m.Goto(ctx, version); err != nil {
		return err
	}
	return c.reportVersion(ctx)
}

// RunForce overwrites the recorded version without running SQL.
func (c *CLI) RunForce(ctx context.Context, version int) error {
	if err := c.m.Force(ctx, version); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "schema version forced to %d\n", version)
	return nil
}

// RunVersion prints the current schema version.
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.m.Version(ctx)
	if err != nil {
		return err
	}
	switch {
	case version == 0:
		fmt.Fprintln(c.out, "no migrations applied")
	case dirty:
		fmt.Fprintf(c.out, "schema at version %d (dirty)\n", version)
	default:
		fmt.Fprintf(c.out, "schema at version %d\n", version)
	}
	return nil
}

// RunStatus prints a table of every migration with its applied state.
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.m.Status(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.out, "no migrations found")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	w.Flush()

	sum, err := c.m.Summary(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\n%d total, %d applied, %d pending\n",
		sum.Total, sum.Applied, sum.Pending)
	return nil
}

func (c *CLI) reportVersion(ctx context.Context) error {
	version, _, err := c.m.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "done, schema at version %d\n", version)
	return nil
}
