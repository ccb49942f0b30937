package main

import (
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/scingestor/scingestor/cmd"
	"github.com/scingestor/scingestor/pkg/configuration"
	"github.com/scingestor/scingestor/pkg/inotify"
	"github.com/scingestor/scingestor/pkg/logging"
	"github.com/scingestor/scingestor/pkg/scicat"
	"github.com/scingestor/scingestor/pkg/watching"
)

func rootMain(command *cobra.Command, arguments []string) error {
	// Set up logging.
	closer, err := cmd.ConfigureLogging(&rootConfiguration.logging)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger := logging.RootLogger.Sublogger("ingestor")

	// Create a channel to track termination signals. We do this before
	// starting any watchers so that they terminate smoothly.
	signalTermination := make(chan os.Signal, 1)
	signal.Notify(signalTermination, cmd.TerminationSignals...)

	// Bound the runtime if requested.
	var expiration <-chan time.Time
	if rootConfiguration.runtime > 0 {
		timer := time.NewTimer(time.Duration(rootConfiguration.runtime * float64(time.Second)))
		defer timer.Stop()
		expiration = timer.C
	}

	// Load the configuration. An invalid configuration leaves the daemon idle
	// so that service managers don't restart it in a loop.
	c, err := configuration.Load(rootConfiguration.configuration)
	if err != nil {
		logger.Warn("Invalid configuration, idling:", err)
	} else {
		// Create the shared notifier and defer its shutdown.
		notifier, err := inotify.Shared(c.InotifyTimeoutDuration())
		if err != nil {
			return errors.Wrap(err, "unable to create inotify notifier")
		}
		defer inotify.StopShared()

		// Start the watcher tree and defer its shutdown, which has to happen
		// before the notifier stops.
		watcher := watching.NewBeamtimeWatcher(&watching.Environment{
			Configuration: c,
			Notifier:      notifier,
			Catalog:       scicat.NewClient(c, logging.RootLogger.Sublogger("scicat")),
			Logger:        logging.RootLogger.Sublogger("beamtime"),
		})
		watcher.Start()
		defer watcher.Stop()
		logger.Info("Watching", len(c.BeamtimeDirectories), "beamtime directories")
	}

	// Wait for termination.
	select {
	case sig := <-signalTermination:
		logger.Infof("Terminated by signal: %s", sig)
	case <-expiration:
		logger.Info("Runtime expired")
	}
	return nil
}

var rootCommand = &cobra.Command{
	Use:   "scicat_dataset_ingestor",
	Short: "Watches beamtime directories and ingests scans into SciCat",
	Args:  cobra.NoArgs,
	Run:   cmd.Mainify(rootMain),
}

var rootConfiguration struct {
	// help indicates whether or not help information should be shown for the
	// command.
	help bool
	// configuration is the configuration file path.
	configuration string
	// runtime is the run time limit in seconds, or 0 for no limit.
	runtime float64
	// logging are the logging flags.
	logging cmd.LoggingFlags
}

func init() {
	// Bind flags to configuration. We manually add help to override the
	// default message, but Cobra still implements it automatically.
	flags := rootCommand.Flags()
	flags.BoolVarP(&rootConfiguration.help, "help", "h", false, "Show help information")
	flags.StringVarP(&rootConfiguration.configuration, "configuration", "c", "", "Configuration file path")
	flags.Float64VarP(&rootConfiguration.runtime, "runtime", "r", 0, "Run time limit in seconds (0 for no limit)")
	rootConfiguration.logging.Register(flags)
}

func main() {
	cmd.Execute(rootCommand)
}
