package cli

import (
	"fmt"
	"log/slog"

	"github.com/alecthomas/kong"

	"go.hackfix.me/lockstep/app/config"
	actx "go.hackfix.me/lockstep/app/context"
)

// CLI is the command line interface of lockstep.
type CLI struct {
	Init     Init     `kong:"cmd,help='Initialize the database and apply all migrations.'"`
	Apply    Apply    `kong:"cmd,help='Apply pending migrations, or a standalone script.'"`
	Rollback Rollback `kong:"cmd,help='Revert applied migrations.'"`
	Plan     Plan     `kong:"cmd,help='Show what a migration run would do, without executing it.'"`
	Status   Status   `kong:"cmd,help='Show the schema version and migration history.'"`
	Group    Group    `kong:"cmd,help='Manage user groups.'"`

	Log struct {
		Level slog.Level `enum:"DEBUG,INFO,WARN,ERROR" default:"INFO" help:"Set the app logging level."`
	} `embed:"" prefix:"log-"`
	// NOTE: I'm deliberately not using kong.ConfigFlag or its support for reading
	// values from configuration files, since I want to manage configuration
	// independently from the CLI.
	ConfigFile string `kong:"default='${configFile}',help='Path to the lockstep configuration file.'"`
	DataDir    string `kong:"default='${dataDir}',help='Path to the directory where lockstep data is stored.'"`
	//nolint:lll // Long struct tags are unavoidable.
	DB            string           `kong:"help='Path to the SQLite database file. Overrides the configured path.'"`
	MigrationsDir string           `kong:"help='Directory of migration scripts used instead of the embedded ones.'"`
	Version       kong.VersionFlag `kong:"help='Output version and exit.'"`

	kong *kong.Kong
	kctx *kong.Context
}

// New initializes the command-line interface.
func New(configFilePath, dataDir, version string) (*CLI, error) {
	c := &CLI{}
	kparser, err := kong.New(c,
		kong.Name("lockstep"),
		kong.UsageOnError(),
		kong.DefaultEnvars("LOCKSTEP"),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			Summary:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"configFile": configFilePath,
			"dataDir":    dataDir,
			"version":    version,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed creating the Kong parser: %w", err)
	}

	c.kong = kparser

	return c, nil
}

// Execute starts the command execution. Parse must be called before this method.
func (c *CLI) Execute(appCtx *actx.Context) error {
	if c.kctx == nil {
		panic("the CLI wasn't initialized properly")
	}
	c.kong.Stdout = appCtx.Stdout
	c.kong.Stderr = appCtx.Stderr

	//nolint:wrapcheck // This is fine.
	return c.kctx.Run(appCtx)
}

// Parse the given command line arguments. This method must be called before
// Execute.
func (c *CLI) Parse(args []string) error {
	kctx, err := c.kong.Parse(args)
	if err != nil {
		return fmt.Errorf("failed parsing CLI arguments: %w", err)
	}
	c.kctx = kctx

	return nil
}

// ApplyConfig applies configuration values to the CLI, but only if they weren't
// already set.
func (c *CLI) ApplyConfig(cfg *config.Config) {
	if c.DB == "" && cfg.Database.Path.Valid {
		c.DB = cfg.Database.Path.V
	}
	if c.MigrationsDir == "" && cfg.Migrations.Dir.Valid {
		c.MigrationsDir = cfg.Migrations.Dir.V
	}

	if cfg.Database.LockTimeout.Valid {
		lockTimeout := cfg.Database.LockTimeout.V
		if c.Init.LockTimeout == 0 {
			c.Init.LockTimeout = lockTimeout
		}
		if c.Apply.LockTimeout == 0 {
			c.Apply.LockTimeout = lockTimeout
		}
		if c.Rollback.LockTimeout == 0 {
			c.Rollback.LockTimeout = lockTimeout
		}
	}
}
