// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	securityCmd = &cobra.Command{
		Use:   "security [command]",
		Short: "Certificate tooling for the OPC UA endpoint",
	}

	generateCertCmd = &cobra.Command{
		Use:   "generate-cert",
		Short: "Generate a self-signed certificate",
		Long: `Generates an RSA key pair and a self-signed certificate suitable
for the OPC UA endpoint. The application URI goes into the URI SAN as
OPC UA clients expect.`,
		RunE: generateCert,
	}

	checkCertCmd = &cobra.Command{
		Use:   "check-cert <cert.pem>",
		Short: "Inspect a certificate and warn about upcoming expiry",
		Args:  cobra.ExactArgs(1),
		RunE:  checkCert,
	}

	flagCertHost    string
	flagCertURI     string
	flagCertOut     string
	flagCertKeyOut  string
	flagCertDays    int
	flagCertKeyBits int
)

func init() {
	generateCertCmd.Flags().StringVar(&flagCertHost, "host", "localhost", "comma-separated hostnames and IPs for the SAN")
	generateCertCmd.Flags().StringVar(&flagCertURI, "uri", "", "application URI for the URI SAN")
	generateCertCmd.Flags().StringVar(&flagCertOut, "out-cert", "gateway-cert.pem", "certificate output path")
	generateCertCmd.Flags().StringVar(&flagCertKeyOut, "out-key", "gateway-key.pem", "private key output path")
	generateCertCmd.Flags().IntVar(&flagCertDays, "days", 365, "validity in days")
	generateCertCmd.Flags().IntVar(&flagCertKeyBits, "bits", 2048, "RSA key size")

	securityCmd.AddCommand(generateCertCmd)
	securityCmd.AddCommand(checkCertCmd)
	GatewayCmd.AddCommand(securityCmd)
}

func generateCert(cmd *cobra.Command, args []string) error {
	key, err := rsa.GenerateKey(rand.Reader, flagCertKeyBits)
	if err != nil {
		return errors.Wrap(err, "generating key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return errors.Wrap(err, "generating serial")
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "mtp-gateway", Organization: []string{"mtp-gateway"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(0, 0, flagCertDays),
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range splitComma(flagCertHost) {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	if flagCertURI != "" {
		u, err := url.Parse(flagCertURI)
		if err != nil {
			return errors.Wrapf(err, "parsing uri %q", flagCertURI)
		}
		template.URIs = append(template.URIs, u)
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return errors.Wrap(err, "creating certificate")
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(flagCertOut, certPEM, 0o644); err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(flagCertKeyOut, keyPEM, 0o600); err != nil {
		return err
	}

	fmt.Printf("%s %s and %s, valid until %s\n", color.GreenString("wrote"),
		flagCertOut, flagCertKeyOut, template.NotAfter.Format("2006-01-02"))
	return nil
}

func checkCert(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return errors.Errorf("%s does not contain a PEM certificate", args[0])
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return errors.Wrap(err, "parsing certificate")
	}

	fmt.Printf("subject:    %s\n", cert.Subject)
	fmt.Printf("issuer:     %s\n", cert.Issuer)
	fmt.Printf("not before: %s\n", cert.NotBefore.Format(time.RFC3339))
	fmt.Printf("not after:  %s\n", cert.NotAfter.Format(time.RFC3339))
	for _, u := range cert.URIs {
		fmt.Printf("uri san:    %s\n", u)
	}
	for _, d := range cert.DNSNames {
		fmt.Printf("dns san:    %s\n", d)
	}

	now := time.Now()
	switch {
	case now.After(cert.NotAfter):
		fmt.Println(color.RedString("EXPIRED"))
		return errors.New("certificate is expired")
	case now.Add(30 * 24 * time.Hour).After(cert.NotAfter):
		fmt.Println(color.YellowString("certificate expires within 30 days"))
	default:
		fmt.Println(color.GreenString("OK"))
	}
	return nil
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
