package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/mandelsoft/vfs/pkg/vfs"

	actx "go.hackfix.me/lockstep/app/context"
	aerrors "go.hackfix.me/lockstep/app/errors"
	"go.hackfix.me/lockstep/db/migrator"
)

// The Apply command applies pending migrations, or a single standalone
// script.
type Apply struct {
	Target string `arg:"" optional:"" default:"all" help:"ID of the migration to stop after, or 'all'."`
	//nolint:lll // Long struct tags are unavoidable.
	Script      string        `type:"path" help:"Path to a standalone SQL or TOML script to apply instead of the migration chain."`
	LockTimeout time.Duration `help:"Maximum time to wait for the exclusive database lock."`
}

// Run the apply command.
func (c *Apply) Run(appCtx *actx.Context) error {
	opts := []migrator.Option{}
	if c.LockTimeout > 0 {
		opts = append(opts, migrator.WithLockTimeout(c.LockTimeout))
	}

	if c.Script != "" {
		return c.runScript(appCtx, opts)
	}

	res, err := appCtx.DB.Migrate(migrator.MigrationUp, c.Target, appCtx.Logger, opts...)
	if err != nil {
		return aerrors.NewWithCause("failed applying migrations", err, "target", c.Target)
	}

	printResult(appCtx, res)

	return nil
}

func (c *Apply) runScript(appCtx *actx.Context, opts []migrator.Option) error {
	data, err := vfs.ReadFile(appCtx.FS, c.Script)
	if err != nil {
		return fmt.Errorf("failed reading script: %w", err)
	}

	name := filepath.Base(c.Script)
	script, err := migrator.ParseScript(name, data)
	if err != nil {
		return err
	}

	res, err := migrator.ApplyScript(appCtx.DB, name, script, appCtx.Logger, opts...)
	if err != nil {
		return aerrors.NewWithCause("failed applying script", err, "script", c.Script)
	}

	printResult(appCtx, res)

	return nil
}

// printResult writes a short summary of a migration run to stdout.
func printResult(appCtx *actx.Context, res *migrator.Result) {
	if len(res.StepsApplied) == 0 && len(res.Adopted) == 0 {
		fmt.Fprintf(appCtx.Stdout, "Nothing to do; schema version %s\n", res.FinalSchemaVersion)
		return
	}

	for _, name := range res.Adopted {
		fmt.Fprintf(appCtx.Stdout, "adopted %s\n", name)
	}
	for _, step := range res.StepsApplied {
		if n, ok := res.RowsAffected[step]; ok {
			fmt.Fprintf(appCtx.Stdout, "applied %s (%d rows)\n", step, n)
		} else {
			fmt.Fprintf(appCtx.Stdout, "applied %s\n", step)
		}
	}
	fmt.Fprintf(appCtx.Stdout, "Schema version: %s\n", res.FinalSchemaVersion)
}
