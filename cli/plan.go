package cli

import (
	"fmt"

	actx "go.hackfix.me/lockstep/app/context"
	aerrors "go.hackfix.me/lockstep/app/errors"
	"go.hackfix.me/lockstep/db/migrator"
)

// The Plan command shows what a migration run would do, validating the
// chain against the current schema without executing or locking anything.
type Plan struct {
	Target string `arg:"" optional:"" default:"all" help:"ID of the migration to stop after, or 'all'."`
	Down   bool   `help:"Plan a rollback instead of an upgrade."`
}

// Run the plan command.
func (c *Plan) Run(appCtx *actx.Context) error {
	direction := migrator.MigrationUp
	if c.Down {
		direction = migrator.MigrationDown
	}

	plan, err := appCtx.DB.Plan(direction, c.Target)
	if err != nil {
		return aerrors.NewWithCause("failed planning migrations", err, "target", c.Target)
	}

	for _, d := range plan.Drift {
		fmt.Fprintf(appCtx.Stdout, "warning: %s changed since it was applied\n", d.Migration)
	}
	for _, mig := range plan.Adopt {
		fmt.Fprintf(appCtx.Stdout, "adopt %s\n", mig)
	}
	for _, mig := range plan.Pending {
		fmt.Fprintf(appCtx.Stdout, "%s %s\n", direction, mig)
	}
	if len(plan.Adopt) == 0 && len(plan.Pending) == 0 {
		fmt.Fprintln(appCtx.Stdout, "Nothing to do")
	}

	return nil
}
