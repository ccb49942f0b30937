package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/scingestor/scingestor/cmd"
	"github.com/scingestor/scingestor/pkg/configuration"
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
	logger := logging.RootLogger.Sublogger("ingest")

	// Load the configuration.
	c, err := configuration.Load(rootConfiguration.configuration)
	if err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	// Stop between scans if a termination signal arrives.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalTermination := make(chan os.Signal, 1)
	signal.Notify(signalTermination, cmd.TerminationSignals...)
	go func() {
		select {
		case sig := <-signalTermination:
			logger.Infof("Terminated by signal: %s", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Perform the pass. Failures are logged rather than reported through the
	// exit code.
	ingested, err := watching.Ingest(ctx, &watching.Environment{
		Configuration: c,
		Catalog:       scicat.NewClient(c, logging.RootLogger.Sublogger("scicat")),
		Logger:        logging.RootLogger.Sublogger("beamtime"),
	})
	if err != nil {
		logger.Error("Ingestion interrupted:", err)
	}
	logger.Infof("Ingested %d scans", ingested)
	return nil
}

var rootCommand = &cobra.Command{
	Use:   "scicat_dataset_ingest",
	Short: "Performs a single pass of SciCat ingestion over beamtime directories",
	Args:  cobra.NoArgs,
	Run:   cmd.Mainify(rootMain),
}

var rootConfiguration struct {
	// help indicates whether or not help information should be shown for the
	// command.
	help bool
	// configuration is the configuration file path.
	configuration string
	// logging are the logging flags.
	logging cmd.LoggingFlags
}

func init() {
	// Bind flags to configuration. We manually add help to override the
	// default message, but Cobra still implements it automatically.
	flags := rootCommand.Flags()
	flags.BoolVarP(&rootConfiguration.help, "help", "h", false, "Show help information")
	flags.StringVarP(&rootConfiguration.configuration, "configuration", "c", "", "Configuration file path")
	rootConfiguration.logging.Register(flags)
}

func main() {
	cmd.Execute(rootCommand)
}
