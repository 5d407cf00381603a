// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/DataDog/mtp-gateway/pkg/gatewayconfig"
)

var (
	schemaCmd = &cobra.Command{
		Use:   "schema [command]",
		Short: "Work with the configuration schema",
	}

	schemaExportCmd = &cobra.Command{
		Use:   "export",
		Short: "Print the configuration JSON schema",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(gatewayconfig.Schema)
		},
	}

	schemaValidateCmd = &cobra.Command{
		Use:   "validate <config>",
		Short: "Check a configuration file against the schema only",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := gatewayconfig.ValidateSchema(raw); err != nil {
				fmt.Printf("%s %s\n", color.RedString("INVALID"), args[0])
				return err
			}
			fmt.Printf("%s %s\n", color.GreenString("VALID"), args[0])
			return nil
		},
	}

	schemaVersionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the schema version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(gatewayconfig.SchemaVersion)
		},
	}
)

func init() {
	schemaCmd.AddCommand(schemaExportCmd)
	schemaCmd.AddCommand(schemaValidateCmd)
	schemaCmd.AddCommand(schemaVersionCmd)

	GatewayCmd.AddCommand(schemaCmd)
}
