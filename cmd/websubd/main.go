// Package main provides the websubd command, a standalone WebSub hub
// with small publish and subscribe clients for working against one.
package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var log = logging.Logger("websubd")

var rootCmd = &cobra.Command{
	Use:   "websubd",
	Short: "WebSub hub daemon and protocol tools",
	Long: `websubd runs a WebSub hub: it accepts subscription requests, verifies
subscriber intent, and fans published content out to subscribers with
signed notifications.

The publish and subscribe commands are clients for exercising a running
hub from the command line.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runInit,
}

var (
	configPath string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(subscribeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath

	if path == "" {
		path = DefaultPath()
	}

	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("%s already exists", path)
	}

	if err := Save(path, Default()); err != nil {
		return errors.Wrap(err, "save config")
	}

	log.Infof("Wrote default configuration to %s", path)

	return nil
}
