// objrt exercises the object runtime from the command line: it runs the
// concurrency stress scenarios, dumps table snapshots and prints the
// effective configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"

	"github.com/chazu/objrt/manifest"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("objrt")

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configDir string
	verbose   int
	logFile   string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetArgs(os.Args[1:])
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "objrt",
		Short:         "objrt drives the reference-counting object runtime.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configDir, "config", "c", ".", "directory to search (upwards) for "+manifest.FileName)
	rootCmd.PersistentFlags().CountVarP(&flags.verbose, "verbose", "v", "increase log verbosity (repeatable)")
	rootCmd.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "write logs to this file instead of stderr")

	rootCmd.AddCommand(
		newStressCommand(flags),
		newDumpCommand(flags),
		newInspectCommand(),
		newConfigCommand(flags),
	)
	return rootCmd
}

// loadConfig finds objrt.toml, falling back to defaults, and configures
// logging from the [log] section and the command-line flags.
func loadConfig(flags *globalFlags) (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(flags.configDir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if m == nil {
		m = manifest.Default()
	}

	verbosity := m.Log.Verbosity + flags.verbose
	path := m.Log.File
	if flags.logFile != "" {
		path = flags.logFile
	}
	if path != "" {
		commonlog.Configure(verbosity, &path)
	} else {
		commonlog.Configure(verbosity, nil)
	}

	if m.Dir != "" {
		log.Infof("loaded %s from %s", manifest.FileName, m.Dir)
	} else {
		log.Infof("no %s found, using defaults", manifest.FileName)
	}
	return m, nil
}
