package migrator

import (
	"context"
	"fmt"
	"strconv"
)

// Plan describes what a migration run would do.
type Plan struct {
	Direction Direction
	// Pending are the migrations the run would execute, in order.
	Pending []*Migration
	// Adopt are pending migrations whose final schema state is already in
	// place; a run records them as applied without executing them.
	Adopt []*Migration
	// Drift lists applied migrations whose scripts have changed since they
	// were applied.
	Drift []DriftEntry

	applied map[uint64]historyEntry
}

// DriftEntry records a checksum mismatch between an applied migration and
// its current script.
type DriftEntry struct {
	Migration *Migration
	Recorded  string
}

// PlanMigrations computes what a run with the given direction and target
// would do, validating the migration chain against the current schema. It
// takes no locks and writes nothing.
func PlanMigrations(
	d Database, migrations []*Migration, direction Direction, target string,
) (*Plan, error) {
	targetID, err := resolveTarget(target, migrations, direction)
	if err != nil {
		return nil, err
	}
	return computePlan(d.NewContext(), d, migrations, direction, targetID)
}

// computePlan determines the pending migrations for a run and dry-runs their
// scripts against the current schema, so dependency and conflict problems
// surface before anything is executed.
func computePlan(
	ctx context.Context, q querier, migrations []*Migration,
	direction Direction, targetID uint64,
) (*Plan, error) {
	entries, err := historyEntries(ctx, q)
	if err != nil {
		return nil, err
	}
	applied := appliedSet(entries)

	plan := &Plan{Direction: direction, applied: applied}
	for _, mig := range migrations {
		if entry, ok := applied[mig.ID]; ok && entry.Checksum != mig.Up.Checksum() {
			plan.Drift = append(plan.Drift, DriftEntry{Migration: mig, Recorded: entry.Checksum})
		}
	}

	objs, err := loadObjects(ctx, q)
	if err != nil {
		return nil, err
	}

	switch direction {
	case MigrationUp:
		var pending []*Migration
		for _, mig := range migrations {
			if _, ok := applied[mig.ID]; ok || mig.ID > targetID {
				continue
			}
			pending = append(pending, mig)
		}

		// A pending migration whose final schema state is already fully in
		// place was applied by other means, e.g. by the tool this database
		// came from. It is adopted rather than executed, along with every
		// pending migration before it, since reaching its state implies
		// having passed through theirs.
		liveSet := newObjectSet(objs, false)
		for i := len(pending) - 1; i >= 0; i-- {
			if settled(pending[i].Up, liveSet) {
				plan.Adopt = pending[:i+1]
				pending = pending[i+1:]
				break
			}
		}
		plan.Pending = pending

		sim := newObjectSet(objs, false)
		for _, mig := range plan.Pending {
			if _, err := mig.Up.validate(sim); err != nil {
				return nil, err
			}
		}
	case MigrationDown:
		// Revert applied migrations above the target, newest first.
		var pending []*Migration
		for i := len(migrations) - 1; i >= 0; i-- {
			mig := migrations[i]
			if _, ok := applied[mig.ID]; !ok || mig.ID <= targetID {
				continue
			}
			if mig.Down == nil {
				return nil, fmt.Errorf("migration %s can't be reverted: it has no down script", mig)
			}
			pending = append(pending, mig)
		}
		plan.Pending = pending

		sim := newObjectSet(objs, false)
		for _, mig := range plan.Pending {
			if _, err := mig.Down.validate(sim); err != nil {
				return nil, err
			}
		}
	}

	return plan, nil
}

// settled reports whether the script's final schema state is already in
// place: every object it guarantees to exist is present, and every object it
// guarantees to remove is absent. Scripts that provide no objects are never
// considered settled.
func settled(script *Script, objs *objectSet) bool {
	present, absent := script.settledState()
	if len(present) == 0 {
		return false
	}
	for _, name := range present {
		if !objs.has(name) {
			return false
		}
	}
	for _, name := range absent {
		if objs.has(name) {
			return false
		}
	}
	return true
}

// resolveTarget parses the run target: "all" or a migration ID. For down
// runs, the target is the migration to stop at, exclusive; 0 or "all"
// reverts everything.
func resolveTarget(target string, migrations []*Migration, direction Direction) (uint64, error) {
	if target == TargetAll || target == "" {
		if direction == MigrationDown {
			return 0, nil
		}
		var maxID uint64
		for _, mig := range migrations {
			maxID = max(maxID, mig.ID)
		}
		return maxID, nil
	}

	id, err := strconv.ParseUint(target, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid migration target %q: must be a migration ID or %q", target, TargetAll)
	}
	if id == 0 && direction == MigrationDown {
		return 0, nil
	}
	for _, mig := range migrations {
		if mig.ID == id {
			return id, nil
		}
	}

	return 0, fmt.Errorf("unknown migration target %q", target)
}
