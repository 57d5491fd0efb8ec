package cli

import (
	"time"

	actx "go.hackfix.me/lockstep/app/context"
	aerrors "go.hackfix.me/lockstep/app/errors"
	"go.hackfix.me/lockstep/db/migrator"
)

// The Rollback command reverts applied migrations, newest first. The target
// must be given explicitly; 'all' reverts everything.
type Rollback struct {
	Target      string        `arg:"" help:"ID of the last migration to keep applied, or 'all' to revert everything."`
	LockTimeout time.Duration `help:"Maximum time to wait for the exclusive database lock."`
}

// Run the rollback command.
func (c *Rollback) Run(appCtx *actx.Context) error {
	opts := []migrator.Option{}
	if c.LockTimeout > 0 {
		opts = append(opts, migrator.WithLockTimeout(c.LockTimeout))
	}

	res, err := appCtx.DB.Migrate(migrator.MigrationDown, c.Target, appCtx.Logger, opts...)
	if err != nil {
		return aerrors.NewWithCause("failed reverting migrations", err, "target", c.Target)
	}

	printResult(appCtx, res)

	return nil
}
