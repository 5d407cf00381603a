// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version defines the version of the gateway
package version

// GatewayVersion contains the version of the gateway. It is populated
// at build time using build flags.
var GatewayVersion string

// Commit is populated with the short commit hash from which the gateway
// was built.
var Commit string

var gatewayVersionDefault = "1.0.0"

func init() {
	if GatewayVersion == "" {
		GatewayVersion = gatewayVersionDefault
	}
}
