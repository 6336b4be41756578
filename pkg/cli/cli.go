package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vorteil/vdisc/pkg/elog"
)

var log elog.View = &elog.CLI{}

var (
	flagJSON      bool
	flagVerbose   bool
	flagDebug     bool
	flagConfig    string
	flagForce     bool
	flagFormat    string
	flagOutput    string
	flagPartition int
	flagVolume    string
	flagRecords   bool
	flagFilter    string
)

func InitializeCommands() {

	// setup logging across all commands
	RootCommand.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	RootCommand.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	RootCommand.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")
	RootCommand.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default is $HOME/"+configFileName+")")
	RootCommand.PersistentFlags().String("numbers", "short", "number format: dec, hex or short")
	bindFlags(RootCommand.PersistentFlags())

	RootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {

		logger := &elog.CLI{}

		if flagJSON {
			logger.DisableTTY = true
			logrus.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logrus.SetFormatter(logger)
		}

		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}

		log = logger

		initConfig(flagConfig, log)

		return SetNumbersMode(numbersMode())
	}

	RootCommand.AddCommand(versionCmd)
	RootCommand.AddCommand(infoCmd)
	RootCommand.AddCommand(partitionsCmd)
	RootCommand.AddCommand(volumesCmd)
	RootCommand.AddCommand(ldmCmd)
	RootCommand.AddCommand(catCmd)
	RootCommand.AddCommand(convertCmd)
	RootCommand.AddCommand(formatsCmd)
}

var RootCommand = &cobra.Command{
	Use:   "vdisc",
	Short: "Inspect and convert virtual disk images",
	Long: `vdisc opens virtual disk images and their differencing chains, and reports
the partitions and volumes they hold, including volumes spanning several
Windows dynamic disks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "View CLI version information",
	Long:  "View CLI version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if flagJSON {
			fmt.Printf("{\n\t\"version\": \"%s\",\n\t\"ref\": \"%s\",\n\t\"released\": \"%s\"\n}\n",
				release, commit, date)
			return
		}
		fmt.Printf("Version: %s\nRef: %s\nReleased: %s\n", release, commit, date)
	},
}
