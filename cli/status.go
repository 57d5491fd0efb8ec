package cli

import (
	"fmt"
	"time"

	actx "go.hackfix.me/lockstep/app/context"
	aerrors "go.hackfix.me/lockstep/app/errors"
)

// The Status command shows the recorded schema version and the applied state
// of every known migration.
type Status struct{}

// Run the status command.
func (c *Status) Run(appCtx *actx.Context) error {
	status, err := appCtx.DB.Status()
	if err != nil {
		return aerrors.NewWithCause("failed reading migration status", err,
			"db.path", appCtx.DB.Path())
	}

	fmt.Fprintf(appCtx.Stdout, "Schema version: %s\n", status.SchemaVersion)

	if len(status.Entries) == 0 {
		return nil
	}

	data := make([][]string, len(status.Entries))
	for i, e := range status.Entries {
		applied, appliedAt, duration := "pending", "", ""
		if e.Applied {
			applied = "applied"
			appliedAt = e.AppliedAt.Format(time.DateTime)
			duration = e.ExecutionTime.String()
		}
		notes := ""
		if e.Drift {
			notes = "script changed since applied"
		}

		data[i] = []string{
			e.Migration.String(), applied, appliedAt, duration,
			e.Migration.Up.Fingerprint(), notes,
		}
	}

	fmt.Fprintln(appCtx.Stdout)
	header := []string{"Migration", "State", "Applied At", "Duration", "Checksum", "Notes"}
	if err := renderTable(header, data, appCtx.Stdout); err != nil {
		return fmt.Errorf("failed rendering the status table: %w", err)
	}

	return nil
}
