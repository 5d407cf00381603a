// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/DataDog/mtp-gateway/pkg/gatewayconfig"
	"github.com/DataDog/mtp-gateway/pkg/tag"
)

var (
	probeCmd = &cobra.Command{
		Use:   "probe <config>",
		Short: "Connect to the configured devices and read every tag once",
		Long: `Connects to each configured connector, performs one batch read of
its tags and prints the results. Useful for commissioning a new
configuration before running the gateway.`,
		Args: cobra.ExactArgs(1),
		RunE: probe,
	}

	flagProbeConnector string
	flagProbeTimeout   time.Duration
)

func init() {
	probeCmd.Flags().StringVar(&flagProbeConnector, "connector", "", "probe only this connector")
	probeCmd.Flags().DurationVar(&flagProbeTimeout, "timeout", 10*time.Second, "per-connector probe timeout")

	GatewayCmd.AddCommand(probeCmd)
}

func probe(cmd *cobra.Command, args []string) error {
	cfg, err := gatewayconfig.Load(args[0])
	if err != nil {
		return err
	}
	if err := cfg.Validate(false); err != nil {
		return err
	}
	tagsByConn, err := cfg.BuildTags()
	if err != nil {
		return err
	}

	failed := 0
	probed := 0
	for _, cc := range cfg.Connectors {
		if flagProbeConnector != "" && cc.Name != flagProbeConnector {
			continue
		}
		probed++
		if !probeOne(cc, tagsByConn[cc.Name]) {
			failed++
		}
	}
	if probed == 0 {
		return fmt.Errorf("no connector matches %q", flagProbeConnector)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d connector(s) failed", failed, probed)
	}
	return nil
}

func probeOne(cc gatewayconfig.ConnectorConfig, tags []*tag.Tag) bool {
	fmt.Printf("%s %s (%s %s)\n", color.CyanString("probing"), cc.Name, cc.Protocol, cc.Address)

	conn, err := gatewayconfig.BuildConnector(cc)
	if err != nil {
		fmt.Printf("  %s %v\n", color.RedString("FAIL"), err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), flagProbeTimeout)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		fmt.Printf("  %s connect: %v\n", color.RedString("FAIL"), err)
		return false
	}
	defer conn.Disconnect()

	if len(tags) == 0 {
		fmt.Printf("  %s connected, no tags to read\n", color.GreenString("OK"))
		return true
	}

	values := conn.ReadTagValues(ctx, tags)
	bad := 0
	for _, t := range tags {
		v, ok := values[t.Name]
		if !ok {
			fmt.Printf("  %s %-30s no sample\n", color.RedString("BAD"), t.Name)
			bad++
			continue
		}
		if v.Quality.IsGood() {
			fmt.Printf("  %s %-30s = %v %s\n", color.GreenString("OK"), t.Name, v.Value, t.Unit)
		} else {
			fmt.Printf("  %s %-30s quality %s\n", color.YellowString("BAD"), t.Name, v.Quality)
			bad++
		}
	}
	fmt.Printf("  %d/%d tags good\n", len(tags)-bad, len(tags))
	return bad == 0
}
