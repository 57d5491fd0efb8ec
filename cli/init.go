package cli

import (
	"fmt"
	"time"

	actx "go.hackfix.me/lockstep/app/context"
	aerrors "go.hackfix.me/lockstep/app/errors"
	"go.hackfix.me/lockstep/db/migrator"
)

// The Init command creates the lockstep database and applies all migrations,
// adopting any schema state that is already in place.
type Init struct {
	LockTimeout time.Duration `help:"Maximum time to wait for the exclusive database lock."`
}

// Run the init command.
func (c *Init) Run(appCtx *actx.Context) error {
	if appCtx.VersionInit != "" {
		return aerrors.NewWith(
			fmt.Sprintf("lockstep is already initialized with version %s", appCtx.VersionInit),
			"hint", "Use 'lockstep apply' to run pending migrations.")
	}

	opts := []migrator.Option{}
	if c.LockTimeout > 0 {
		opts = append(opts, migrator.WithLockTimeout(c.LockTimeout))
	}

	err := appCtx.DB.Init(appCtx.Version.Semantic, appCtx.Logger, opts...)
	if err != nil {
		return aerrors.NewWithCause("failed initializing database", err,
			"db.path", appCtx.DB.Path())
	}

	fmt.Fprintf(appCtx.Stdout, "Initialized lockstep database at %s\n", appCtx.DB.Path())

	return nil
}
