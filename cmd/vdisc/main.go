package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/sirupsen/logrus"

	"github.com/vorteil/vdisc/pkg/cli"
	"github.com/vorteil/vdisc/pkg/elog"

	// image formats register themselves with vdisk
	_ "github.com/vorteil/vdisc/pkg/qcow2"
	_ "github.com/vorteil/vdisc/pkg/vdi"
	_ "github.com/vorteil/vdisc/pkg/vhd"
	_ "github.com/vorteil/vdisc/pkg/vhdx"
	_ "github.com/vorteil/vdisc/pkg/vmdk"
)

func init() {
	log := &elog.CLI{}
	logrus.SetFormatter(log)
	logrus.SetLevel(logrus.TraceLevel)
}

func main() {

	defer cli.HandleErrors()

	cli.InitializeCommands()

	if err := cli.RootCommand.Execute(); err != nil {
		cli.SetError(err, 1)
	}
}
