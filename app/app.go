package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mandelsoft/vfs/pkg/memoryfs"

	cfg "go.hackfix.me/lockstep/app/config"
	actx "go.hackfix.me/lockstep/app/context"
	"go.hackfix.me/lockstep/cli"
	"go.hackfix.me/lockstep/db"
	"go.hackfix.me/lockstep/db/queries"
)

// App is the application.
type App struct {
	name string
	ctx  *actx.Context
	cli  *cli.CLI
	// the logging level is set via the CLI, if the app was initialized with the
	// WithLogger option.
	logLevel *slog.LevelVar
}

// New initializes a new application.
func New(name, configFile, dataDir string, opts ...Option) (*App, error) {
	version, err := actx.GetVersion()
	if err != nil {
		return nil, err
	}

	defaultCtx := &actx.Context{
		Ctx:     context.Background(),
		FS:      memoryfs.New(),
		Logger:  slog.Default(),
		TimeNow: time.Now,
		Version: version,
	}
	app := &App{name: name, ctx: defaultCtx}

	for _, opt := range opts {
		opt(app)
	}

	ver := fmt.Sprintf("%s %s", app.name, app.ctx.Version.String())
	app.cli, err = cli.New(configFile, dataDir, ver)
	if err != nil {
		return nil, err
	}

	return app, nil
}

// Run initializes the application environment and starts execution of the
// application.
func (app *App) Run(args []string) error {
	if err := app.cli.Parse(args); err != nil {
		return err
	}

	if app.logLevel != nil {
		app.logLevel.Set(app.cli.Log.Level)
		slog.SetLogLoggerLevel(app.cli.Log.Level)
	}

	if app.ctx.Config == nil {
		config := cfg.NewConfig(app.ctx.FS, app.cli.ConfigFile)
		if err := config.Load(); err != nil {
			return err
		}
		config.SetDefaults()
		app.ctx.Config = config
	}
	app.cli.ApplyConfig(app.ctx.Config)

	if err := app.openDB(); err != nil {
		return err
	}

	if app.cli.MigrationsDir != "" {
		if err := app.ctx.DB.UseMigrations(os.DirFS(app.cli.MigrationsDir)); err != nil {
			return err
		}
	}

	appVersion, err := queries.AppVersion(app.ctx.DB.NewContext(), app.ctx.DB)
	if err != nil {
		return err
	}
	if appVersion.Valid {
		app.ctx.VersionInit = appVersion.V
	}

	if err := app.cli.Execute(app.ctx); err != nil {
		return err
	}

	return nil
}

// openDB opens the SQLite database, unless one was already set with the
// WithDB option. The database path is resolved from the --db flag, the
// configuration file, or the data directory, in that order.
func (app *App) openDB() error {
	if app.ctx.DB != nil {
		return nil
	}

	path := app.cli.DB
	if path == "" {
		path = filepath.Join(app.cli.DataDir, fmt.Sprintf("%s.db", app.name))
	}

	// The SQLite driver writes to the OS filesystem directly, so the data
	// directory can't be created on the app FS abstraction.
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("failed creating data directory: %w", err)
		}
	}

	d, err := db.Open(app.ctx.Ctx, path, app.ctx.TimeNow)
	if err != nil {
		return err
	}
	app.ctx.DB = d

	return nil
}
