package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kong"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/lmittmann/tint"

	"github.com/xakep666/ird/internal/kongutil"
	"github.com/xakep666/ird/pkg/kongini"
	"github.com/xakep666/ird/pkg/logutil"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func init() {
	// Bound the engine's pooled buffers to the container's memory limit,
	// same shape as the teacher's main would reach for were it run in a cgroup.
	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.8)); err != nil {
		slog.Debug("memlimit: no cgroup limit applied", logutil.ErrorAttr(err))
	}
}

type app struct {
	Debug   bool `help:"Enable debug log messages."`
	JSONLog bool `help:"Output log messages in json format."`
	Config  string `help:"Optional ird.ini config file; flags override it." type:"path"`

	Create  createCmd  `cmd:"" help:"Generate an IRD from an ISO and a disc key."`
	Info    infoCmd    `cmd:"" help:"Print the contents of an IRD file."`
	Verify  verifyCmd  `cmd:"" help:"Re-derive hashes from an ISO and diff them against a stored IRD."`

	Version kong.VersionFlag `help:"Show application version info."`
}

func main() {
	var cliApp app

	options := []kong.Option{
		kong.Name("ird"),
		kong.Description("Generate, read and verify PS3 IRD (ISO Rebuild Data) files."),
		kong.Vars{
			"version": fmt.Sprintf("%s (commit %s at %s)", version, commit, date),
		},
		kongutil.OutputFileMapper,
		kongutil.BinSizeMapper,
		kong.UsageOnError(),
	}

	if configPath := preScanConfigFlag(os.Args[1:]); configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ird: opening config %s: %v\n", configPath, err)
			os.Exit(1)
		}
		resolver, err := kongini.Loader(f)
		f.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ird: loading config %s: %v\n", configPath, err)
			os.Exit(1)
		}
		options = append(options, kong.Resolvers(resolver))
	}

	ctx := kong.Parse(&cliApp, options...)
	cliApp.setupLogger()
	ctx.FatalIfErrorf(ctx.Run())
}

// preScanConfigFlag finds --config=<path> or --config <path> before the real
// kong.Parse runs, since the config resolver must be installed as a kong
// option rather than read after parsing.
func preScanConfigFlag(args []string) string {
	for i, a := range args {
		switch {
		case a == "--config" && i+1 < len(args):
			return args[i+1]
		case len(a) > len("--config="):
			if a[:len("--config=")] == "--config=" {
				return a[len("--config="):]
			}
		}
	}
	return ""
}

func (a *app) setupLogger() {
	level := slog.LevelInfo
	if a.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if a.JSONLog {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(colorable.NewColorable(os.Stdout), &tint.Options{
			Level:   level,
			NoColor: !isatty.IsTerminal(os.Stdout.Fd()),
		})
	}

	slog.SetDefault(slog.New(handler))
}
