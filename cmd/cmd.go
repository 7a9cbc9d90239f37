/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package picmd facilitates the command line interface (CLI)
// and implements the main().
package picmd

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/timelinize/photoimport/app"
	"github.com/timelinize/photoimport/importer"
	"go.uber.org/zap"
)

func Main() {
	flag.StringVar(&configFile, "config", "", "path to the config file (default "+app.DefaultConfigFilePath()+")")
	flag.BoolVar(&jsonOutput, "json", false, "print reports as JSON")
	flag.BoolVar(&verbose, "v", false, "log debug messages")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if verbose {
		importer.SetConsoleLevel(zap.DebugLevel)
	}

	subCommand := flag.Arg(0)
	if subCommand == "" {
		subCommand = "help"
	}
	if _, ok := offlineCommands[subCommand]; ok {
		if err := offlineCommands[subCommand](); err != nil {
			importer.Log.Fatal("subcommand failed", zap.String("subcommand", subCommand), zap.Error(err))
		}
		return
	}

	cfg, err := app.LoadConfig(configFile)
	if err != nil {
		importer.Log.Fatal("failed loading config", zap.Error(err))
	}
	a, err := app.New(cfg)
	if err != nil {
		importer.Log.Fatal("failed to run application", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.TrapSignals(cancel)

	subCommandFunc, ok := standardCommands(ctx, a)[subCommand]
	if !ok {
		a.Close()
		importer.Log.Fatal("unrecognized command", zap.String("subcommand", subCommand))
	}
	if err := checkFlagParsing(); err != nil {
		a.Close()
		importer.Log.Fatal("possible syntax error detected", zap.Error(err))
	}
	err = subCommandFunc(flag.Args()[1:])
	if closeErr := a.Close(); closeErr != nil {
		importer.Log.Error("shutting down", zap.Error(closeErr))
	}
	if err != nil {
		importer.Log.Fatal("subcommand failed",
			zap.String("subcommand", subCommand),
			zap.Error(err))
	}
}

// offlineCommands need no config.
var offlineCommands = map[string]func() error{
	"help": func() error {
		fmt.Print(usage)
		return nil
	},
	"version": func() error {
		fmt.Println(version())
		return nil
	},
}

func standardCommands(ctx context.Context, a *app.App) map[string]func(args []string) error {
	return map[string]func(args []string) error{
		"scan": func(args []string) error {
			path, err := onePath(args)
			if err != nil {
				return err
			}
			report, err := a.Scan(ctx, path)
			if err != nil {
				return err
			}
			return printReport(os.Stdout, report, func(w io.Writer) { printScan(w, report) })
		},
		"cluster": func(args []string) error {
			path, err := onePath(args)
			if err != nil {
				return err
			}
			report, err := a.Cluster(ctx, path)
			if err != nil {
				return err
			}
			return printReport(os.Stdout, report, func(w io.Writer) { printClusters(w, report) })
		},
		"upload": func(args []string) error {
			path, err := onePath(args)
			if err != nil {
				return err
			}
			report, err := a.Upload(ctx, path)
			if err != nil {
				return err
			}
			return printReport(os.Stdout, report, func(w io.Writer) { printUpload(w, report) })
		},
		"retry": func(args []string) error {
			if len(args) > 1 {
				return errors.New("retry takes at most one session ID")
			}
			var sessionID string
			if len(args) == 1 {
				sessionID = args[0]
			}
			report, err := a.Retry(ctx, sessionID)
			if err != nil {
				return err
			}
			return printReport(os.Stdout, report, func(w io.Writer) { printUpload(w, report) })
		},
	}
}

func onePath(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("expected exactly one file, folder, or archive path")
	}
	return args[0], nil
}

func printReport(w io.Writer, report any, human func(io.Writer)) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "\t")
		return enc.Encode(report)
	}
	human(w)
	return nil
}

func printScan(w io.Writer, r app.ScanReport) {
	for _, it := range r.Items {
		where := "no location"
		if it.Latitude != nil && it.Longitude != nil {
			where = fmt.Sprintf("%.5f, %.5f", *it.Latitude, *it.Longitude)
		}
		when := "no timestamp"
		if it.Timestamp != nil {
			when = *it.Timestamp
		}
		status := string(it.Status)
		switch {
		case it.Deferred:
			status = color.YellowString("deferred")
		case it.Status == importer.StatusError:
			status = color.RedString("error: %s", it.Message)
		}
		fmt.Fprintf(w, "%-40s  %-24s  %-19s  %s\n", displayName(it), where, when, status)
	}
	fmt.Fprintf(w, "\n%s photos scanned in %s: %s located, %s timestamped, %s deferred, %s failed\n",
		color.CyanString("%d", r.Total), r.Duration.Round(time.Millisecond),
		color.GreenString("%d", r.Located), color.GreenString("%d", r.Timestamped),
		color.YellowString("%d", r.Deferred), color.RedString("%d", r.Failed))
}

func printClusters(w io.Writer, r app.ClusterReport) {
	for _, c := range r.Clusters {
		fmt.Fprintf(w, "%s  %s → %s",
			color.CyanString(c.Label),
			c.StartTime.Format("2006-01-02 15:04"),
			c.EndTime.Format("2006-01-02 15:04"))
		if c.TimeZone != "" {
			fmt.Fprintf(w, " (%s)", c.TimeZone)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "\n%d photos in %d clusters\n", r.Photos, len(r.Clusters))
}

func printUpload(w io.Writer, r app.UploadReport) {
	for _, it := range r.Failures {
		reason := it.Message
		if it.Deferred {
			reason = "deferred: " + reason
		}
		fmt.Fprintf(w, "%s %s: %s\n", color.RedString("✗"), displayName(it), reason)
	}
	fmt.Fprintf(w, "\nsession %s: %s uploaded, %s already there, %s failed, %s not uploadable (%s)\n",
		r.SessionID,
		color.GreenString("%d", r.Uploaded),
		color.YellowString("%d", r.Duplicates),
		color.RedString("%d", r.Failed),
		color.YellowString("%d", r.Skipped),
		r.Duration.Round(time.Millisecond))
	if r.Cancelled {
		color.New(color.FgYellow).Fprintln(w, "cancelled; run 'photoimport retry' to finish")
	} else if r.Failed > 0 {
		fmt.Fprintf(w, "run 'photoimport retry %s' to try the failed photos again\n", r.SessionID)
	}
}

func displayName(it app.ItemReport) string {
	if it.Path != "" {
		return it.Path
	}
	return it.FileName
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "photoimport (devel)"
	}
	return "photoimport " + info.Main.Version
}

// checkFlagParsing returns an error if it looks like the program may
// have been invoked with flags after the subcommand, as in
// `photoimport upload -json ~/Photos`, where they are not parsed.
func checkFlagParsing() error {
	for _, arg := range flag.Args()[1:] {
		if strings.HasPrefix(arg, "-") {
			return fmt.Errorf("flag %q after subcommand was not parsed; make sure flags go before the subcommand", arg)
		}
	}
	return nil
}

const usage = `usage: photoimport [flags] <command> [args]

commands:
	scan <path>         parse and fingerprint the photos at path
	cluster <path>      group the photos at path into memories
	upload <path>       upload photos the destination doesn't have yet
	retry [session-id]  upload the failed photos of a session again (default: latest)
	help                show this help
	version             print the version

path may be a single photo, a folder, or an archive.

flags:
	-config <file>  config file
	-json           print reports as JSON
	-v              log debug messages
`

var (
	configFile string
	jsonOutput bool
	verbose    bool
)
