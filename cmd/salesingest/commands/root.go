package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PowerDNS/salesingest/config"
	"github.com/PowerDNS/salesingest/config/logger"
)

const defaultConfigFile = "salesingest.yaml"

var (
	configFile string
	debug      bool
	logConfig  bool
	conf       config.Config
)

var (
	// These are set by Execute
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootHelp = `This tool receives weekly sales reports from branches over TCP and
stores them per branch on disk.
`

var rootCmd = &cobra.Command{
	Use:   "salesingest",
	Short: "Receive and store branch weekly sales reports",
	Long:  rootHelp,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		c, err := loadConfig(configFile, cmd.Flags().Changed("config"))
		if err != nil {
			logrus.Fatalf("Load config file %q: %v", configFile, err)
		}
		// Also check at this stage. A config must always be valid, even if you
		// later override some items.
		if err := c.Check(); err != nil {
			logrus.Fatalf("Config file error: %v", err)
		}

		c.Log = c.Log.Merge(logger.FlagConfig)
		if debug {
			c.Log.Level = "debug"
		}
		if err := c.Log.Check(); err != nil {
			logrus.Fatalf("Log config error: %v", err)
		}
		logger.Configure(c.Log)
		conf = c

		logrus.WithField("version", version).Debug("Running")
		if logConfig {
			logrus.Infof("Effective configuration:\n%s\n", conf.String())
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
	Version: version,
}

// loadConfig returns the defaults with the config file applied. A missing
// file is only an error if it was explicitly requested.
func loadConfig(fpath string, explicit bool) (config.Config, error) {
	c := config.Default()
	c.Version = version
	err := c.LoadYAMLFile(fpath, true)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			logrus.WithField("config", fpath).Debug("No config file, using defaults")
			return c, nil
		}
		return c, err
	}
	return c, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "Config file")
	rootCmd.PersistentFlags().BoolVar(&logConfig, "log-config", false, "Log the evaluated configuration on startup")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	logger.RegisterFlagsWith(rootCmd.PersistentFlags().StringVar)
}

func Execute() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("Error")
		os.Exit(1)
	}
}
