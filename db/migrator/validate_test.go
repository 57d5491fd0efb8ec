package migrator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.hackfix.me/lockstep/db/migrator"
)

func TestScriptValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		src       string
		expErr    string
		expObject string
	}{
		{
			name: "ok/create_then_backfill",
			src: `-- +step create_accounts create
CREATE TABLE Accounts (Id INTEGER PRIMARY KEY, Email TEXT);
-- +step backfill_accounts backfill
INSERT INTO Accounts (Id, Email) SELECT Id, Email FROM LegacyAccounts;
`,
		},
		{
			name: "ok/unknown_objects_assumed_present",
			src: `-- +step fill backfill
UPDATE SomeTable SET Value = 1;
`,
		},
		{
			name: "err/use_after_drop",
			src: `-- +step drop_accounts drop
DROP TABLE Accounts;
-- +step fill backfill
UPDATE Accounts SET Email = '';
`,
			expErr:    "doesn't exist at that point in the migration",
			expObject: "Accounts",
		},
		{
			name: "err/read_after_drop",
			src: `-- +step drop_legacy drop
DROP TABLE LegacyAccounts;
-- +step fill backfill
INSERT INTO Accounts (Id) SELECT Id FROM LegacyAccounts;
`,
			expErr:    "doesn't exist at that point in the migration",
			expObject: "LegacyAccounts",
		},
		{
			name: "err/double_create",
			src: `-- +step create_accounts create
CREATE TABLE Accounts (Id INTEGER);
CREATE TABLE Accounts (Id INTEGER);
`,
			expErr: "schema conflict",
		},
		{
			name: "ok/create_if_not_exists_after_create",
			src: `-- +step create_accounts create
CREATE TABLE Accounts (Id INTEGER);
CREATE TABLE IF NOT EXISTS Accounts (Id INTEGER);
`,
		},
		{
			name: "err/drop_after_drop",
			src: `-- +step drop_accounts drop
DROP TABLE Accounts;
DROP TABLE Accounts;
`,
			expErr:    "doesn't exist at that point in the migration",
			expObject: "Accounts",
		},
		{
			name: "ok/if_exists_drop_after_drop",
			src: `-- +step drop_accounts drop
DROP TABLE Accounts;
DROP TABLE IF EXISTS Accounts;
`,
		},
		{
			name: "err/rename_source_dropped",
			src: `-- +step drop_accounts drop
DROP TABLE Accounts;
-- +step rename_accounts rename
ALTER TABLE Accounts RENAME TO UserAccounts;
`,
			expErr:    "doesn't exist at that point in the migration",
			expObject: "Accounts",
		},
		{
			name: "err/rename_onto_created",
			src: `-- +step create_accounts create
CREATE TABLE UserAccounts (Id INTEGER);
-- +step rename_accounts rename
ALTER TABLE Accounts RENAME TO UserAccounts;
`,
			expErr: "schema conflict",
		},
		{
			name: "ok/rename_then_use_new_name",
			src: `-- +step rename_accounts rename
ALTER TABLE Accounts RENAME TO UserAccounts;
-- +step fill backfill
UPDATE UserAccounts SET Email = '';
`,
		},
		{
			name: "err/use_old_name_after_rename",
			src: `-- +step rename_accounts rename
ALTER TABLE Accounts RENAME TO UserAccounts;
-- +step fill backfill
UPDATE Accounts SET Email = '';
`,
			expErr:    "doesn't exist at that point in the migration",
			expObject: "Accounts",
		},
		{
			name: "ok/drop_then_recreate",
			src: `-- +step drop_accounts drop
DROP TABLE Accounts;
-- +step create_accounts create
CREATE TABLE Accounts (Id INTEGER);
-- +step fill backfill
UPDATE Accounts SET Email = '';
`,
		},
		{
			name: "ok/case_insensitive_names",
			src: `-- +step create_accounts create
CREATE TABLE Accounts (Id INTEGER);
-- +step fill backfill
UPDATE ACCOUNTS SET Id = 1;
`,
		},
		{
			name: "err/index_on_dropped_table",
			src: `-- +step drop_accounts drop
DROP TABLE Accounts;
-- +step create_index create
CREATE INDEX AccountsIdx ON Accounts (Id);
`,
			expErr:    "doesn't exist at that point in the migration",
			expObject: "Accounts",
		},
		{
			name: "err/reference_to_dropped_table",
			src: `-- +step drop_groups drop
DROP TABLE UserGroups;
-- +step create_members create
CREATE TABLE Members (
    GroupId INTEGER NOT NULL,
    FOREIGN KEY (GroupId) REFERENCES UserGroups (GroupId)
);
`,
			expErr:    "doesn't exist at that point in the migration",
			expObject: "UserGroups",
		},
		{
			name: "ok/self_reference",
			src: `-- +step create_tree create
CREATE TABLE Nodes (
    Id INTEGER PRIMARY KEY,
    ParentId INTEGER,
    FOREIGN KEY (ParentId) REFERENCES Nodes (Id)
);
`,
		},
		{
			name: "ok/cte_names_not_sources",
			src: `-- +step drop_legacy drop
DROP TABLE Recent;
-- +step fill backfill
WITH Recent AS (SELECT Id FROM Events)
INSERT INTO Archive (Id) SELECT Id FROM Recent;
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			script, err := migrator.ParseSQL("test.sql", []byte(tt.src))
			require.NoError(t, err)

			err = script.Validate()

			if tt.expErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expErr)
				if tt.expObject != "" {
					var depErr *migrator.DependencyOrderError
					require.ErrorAs(t, err, &depErr)
					assert.Equal(t, tt.expObject, depErr.Object)
				} else {
					var conflictErr *migrator.SchemaConflictError
					assert.ErrorAs(t, err, &conflictErr)
				}
			} else {
				require.NoError(t, err)
			}
		})
	}
}
