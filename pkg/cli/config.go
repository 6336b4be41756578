package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vorteil/vdisc/pkg/elog"
)

const (
	configFileName = ".vdisc.yaml"
	configName     = ".vdisc"
	envPrefix      = "VDISC"

	configSearchPaths = "search-paths"
	configNumbers     = "numbers"
)

// bindFlags lets the config file and environment supply values for flags
// the user did not set.
func bindFlags(f *pflag.FlagSet) {
	if err := viper.BindPFlag(configNumbers, f.Lookup("numbers")); err != nil {
		panic(err)
	}
}

// reads in config file, uses defaults if not found
func initConfig(cfgFile string, log elog.View) {

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()
	viper.SetDefault(configNumbers, "short")
	viper.SetDefault(configSearchPaths, []string{})

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			log.Debugf("%s", err.Error())
			return
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(configName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err == nil {
		log.Debugf("using config file: %s", viper.ConfigFileUsed())
	} else {
		log.Debugf("%s", err.Error())
		log.Debugf("using default settings")
	}
}

// searchPaths are extra directories searched for parent images.
func searchPaths() []string {
	return viper.GetStringSlice(configSearchPaths)
}

func numbersMode() string {
	return viper.GetString(configNumbers)
}
