package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"go.hackfix.me/lockstep/app"
	aerrors "go.hackfix.me/lockstep/app/errors"
)

func main() {
	configFile := filepath.Join(xdg.ConfigHome, "lockstep", "config.json")
	dataDir := filepath.Join(xdg.DataHome, "lockstep")

	a, err := app.New("lockstep", configFile, dataDir,
		app.WithTimeNow(time.Now),
		app.WithFDs(
			os.Stdin,
			colorable.NewColorable(os.Stdout),
			colorable.NewColorable(os.Stderr),
		),
		app.WithFS(osfs.New()),
		app.WithLogger(isatty.IsTerminal(os.Stderr.Fd())),
	)
	if err != nil {
		aerrors.Log(err)
		os.Exit(1)
	}
	if err = a.Run(os.Args[1:]); err != nil {
		aerrors.Log(err)
		os.Exit(1)
	}
}
