// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package app implements the gateway command line interface.
package app

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/DataDog/mtp-gateway/pkg/version"
)

var (
	// GatewayCmd is the root command
	GatewayCmd = &cobra.Command{
		Use:   "gateway [command]",
		Short: "MTP gateway for legacy PLCs.",
		Long: `
The MTP gateway polls legacy controllers over Modbus, S7, EtherNet/IP or
OPC UA and republishes their process data as an MTP-conformant Process
Equipment Assembly: an OPC UA server, a CAEX manifest and a web UI.`,
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			if version.Commit != "" {
				fmt.Printf("mtp-gateway %s (commit %s)\n", version.GatewayVersion, version.Commit)
				return
			}
			fmt.Printf("mtp-gateway %s\n", version.GatewayVersion)
		},
	}

	flagNoColor bool
)

func init() {
	GatewayCmd.PersistentFlags().BoolVarP(&flagNoColor, "no-color", "n", false, "disable color output")
	GatewayCmd.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		if flagNoColor {
			color.NoColor = true
		}
	}

	GatewayCmd.AddCommand(versionCmd)
}
