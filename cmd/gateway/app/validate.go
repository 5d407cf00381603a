// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/DataDog/mtp-gateway/pkg/gatewayconfig"
)

var (
	validateCmd = &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a configuration file",
		Long: `Checks the configuration against the JSON schema and the semantic
rules: reference integrity, address syntax, binding types.`,
		Args: cobra.ExactArgs(1),
		RunE: validate,
	}

	flagVerbose bool
)

func init() {
	validateCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "print a summary of the validated document")

	GatewayCmd.AddCommand(validateCmd)
}

func validate(cmd *cobra.Command, args []string) error {
	path := args[0]
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	if err := gatewayconfig.ValidateSchema(raw); err != nil {
		errs = multierror.Append(errs, err)
	}

	cfg, err := gatewayconfig.Load(path)
	if err != nil {
		errs = multierror.Append(errs, err)
	} else if err := cfg.Validate(true); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := errs.ErrorOrNil(); err != nil {
		if merr, ok := err.(*multierror.Error); ok {
			fmt.Printf("%s %s has %d problem(s):\n", color.RedString("INVALID"), path, len(merr.Errors))
			for _, e := range merr.Errors {
				fmt.Printf("  - %v\n", e)
			}
		}
		return fmt.Errorf("configuration is invalid")
	}

	fmt.Printf("%s %s\n", color.GreenString("VALID"), path)
	if flagVerbose && cfg != nil {
		fmt.Printf("  gateway:         %s (%s)\n", cfg.Gateway.Name, cfg.Gateway.Version)
		fmt.Printf("  opcua endpoint:  %s\n", cfg.OPCUA.Endpoint())
		fmt.Printf("  connectors:      %d\n", len(cfg.Connectors))
		fmt.Printf("  tags:            %d\n", len(cfg.Tags))
		fmt.Printf("  data assemblies: %d\n", len(cfg.DataAssemblies))
		fmt.Printf("  services:        %d\n", len(cfg.Services))
	}
	return nil
}
