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
	"github.com/DataDog/mtp-gateway/pkg/mtp"
	"github.com/DataDog/mtp-gateway/pkg/pea"
)

var (
	manifestCmd = &cobra.Command{
		Use:   "generate-manifest <config>",
		Short: "Generate the CAEX manifest",
		Long: `Builds the PEA model from the configuration and writes the
AutomationML/CAEX manifest, or a complete .mtp package archive.`,
		Args: cobra.ExactArgs(1),
		RunE: generateManifest,
	}

	nodesetCmd = &cobra.Command{
		Use:   "generate-nodeset <config>",
		Short: "Generate the OPC UA NodeSet2 XML",
		Args:  cobra.ExactArgs(1),
		RunE:  generateNodeSet,
	}

	exampleCmd = &cobra.Command{
		Use:   "generate-example",
		Short: "Write a complete example configuration",
		RunE:  generateExample,
	}

	flagOutput        string
	flagPackage       bool
	flagDeterministic bool
)

func init() {
	for _, c := range []*cobra.Command{manifestCmd, nodesetCmd, exampleCmd} {
		c.Flags().StringVarP(&flagOutput, "output", "O", "", "write to this file instead of stdout")
	}
	manifestCmd.Flags().BoolVar(&flagPackage, "package", false, "emit a zipped .mtp package instead of bare XML")
	manifestCmd.Flags().BoolVar(&flagDeterministic, "deterministic", false, "derive IDs and timestamps from the model, for reproducible output")
	nodesetCmd.Flags().BoolVar(&flagDeterministic, "deterministic", false, "derive IDs and timestamps from the model, for reproducible output")

	GatewayCmd.AddCommand(manifestCmd)
	GatewayCmd.AddCommand(nodesetCmd)
	GatewayCmd.AddCommand(exampleCmd)
}

func loadModel(path string) (*pea.Model, error) {
	cfg, err := gatewayconfig.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(false); err != nil {
		return nil, err
	}
	return cfg.PEAModel()
}

func emit(data []byte) error {
	if flagOutput == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(flagOutput, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("%s %s (%d bytes)\n", color.GreenString("wrote"), flagOutput, len(data))
	return nil
}

func generateManifest(cmd *cobra.Command, args []string) error {
	model, err := loadModel(args[0])
	if err != nil {
		return err
	}
	opts := mtp.Options{Deterministic: flagDeterministic}
	if flagPackage {
		data, err := mtp.GeneratePackage(model, opts)
		if err != nil {
			return err
		}
		return emit(data)
	}
	data, err := mtp.GenerateManifest(model, opts)
	if err != nil {
		return err
	}
	return emit(data)
}

func generateNodeSet(cmd *cobra.Command, args []string) error {
	model, err := loadModel(args[0])
	if err != nil {
		return err
	}
	data, err := mtp.GenerateNodeSet(model, mtp.Options{Deterministic: flagDeterministic})
	if err != nil {
		return err
	}
	return emit(data)
}

func generateExample(cmd *cobra.Command, args []string) error {
	data, err := gatewayconfig.ExampleYAML()
	if err != nil {
		return err
	}
	return emit(data)
}
