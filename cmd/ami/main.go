/*
ami highlights elements of HTML documents by rule and runs the automation
triggers stored for them.
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/jakopako/ami/internal/config"
	"github.com/jakopako/ami/internal/log"
)

var version = "dev"

type VersionFlag string

func (v VersionFlag) Decode(_ *kong.DecodeContext) error { return nil }
func (v VersionFlag) IsBool() bool                       { return true }
func (v VersionFlag) BeforeApply(app *kong.Kong, vars kong.Vars) error {
	fmt.Println(vars["version"])
	app.Exit(0)
	return nil
}

type cli struct {
	Version VersionFlag `short:"v" long:"version" help:"Print the version and exit."`
	Debug   bool        `short:"d" long:"debug" help:"Set log level to 'debug' and keep copies of fetched pages."`
	Config  string      `short:"c" long:"config" help:"The configuration file. Without one only environment variables and defaults are used." type:"path"`

	Highlight HighlightCmd `cmd:"" help:"Highlight a document once and report the matches."`
	Watch     WatchCmd     `cmd:"" help:"Highlight a local document and re-scan it whenever it changes."`
	Pick      PickCmd      `cmd:"" help:"Choose an element interactively and place a trigger on it."`
	Trigger   TriggerCmd   `cmd:"" help:"Manage the automation triggers of a document."`
	Scenario  ScenarioCmd  `cmd:"" help:"Manage the automation scenarios of a document."`
	Enable    EnableCmd    `cmd:"" help:"Enable automation for a document."`
	Disable   DisableCmd   `cmd:"" help:"Disable automation for a document."`
	Serve     ServeCmd     `cmd:"" help:"Serve the automation persistence API."`
	Show      ShowCmd      `cmd:"" name:"config" help:"Print the effective configuration."`
}

func getVersion() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if ok {
		if buildInfo.Main.Version != "" && buildInfo.Main.Version != "(devel)" {
			return buildInfo.Main.Version
		}
	}
	return version
}

func main() {
	cli := cli{
		Version: VersionFlag(getVersion()),
	}

	kctx := kong.Parse(&cli,
		kong.Name("ami"),
		kong.Vars{
			"version": string(cli.Version),
		})

	log.Debug = cli.Debug
	cfg, err := config.NewConfig(cli.Config)
	if err != nil {
		log.InitializeDefaultLogger("")
		slog.Error(err.Error())
		os.Exit(1)
	}
	log.InitializeDefaultLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	kctx.BindTo(ctx, (*context.Context)(nil))

	err = kctx.Run(cfg)
	kctx.FatalIfErrorf(err)
}
