// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	authtls "github.com/sensfusion/authd/internal/tls"
	"github.com/sensfusion/authd/internal/xdg"
)

// NewCertsCmd creates the certs subcommand.
func NewCertsCmd() *cobra.Command {
	var (
		dir   string
		hosts []string
		newCA bool
	)

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Generate a development CA and server certificate",
		Long: `Generate a self-signed CA and a server certificate signed by it.
An existing CA in the directory is reused unless --new-ca is given.
Point tls.cert_file and tls.key_file at the server pair, and give
clients the CA with --ca-file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = xdg.CertsDir()
			}

			ca, err := loadOrCreateCA(dir, newCA)
			if err != nil {
				return err
			}
			server, err := authtls.GenerateServerCert(ca, hosts...)
			if err != nil {
				return err
			}
			if err := authtls.SaveCertificates(dir, ca, server); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "CA certificate:     %s\n", filepath.Join(dir, authtls.CACertFile))
			_, _ = fmt.Fprintf(out, "Server certificate: %s\n", filepath.Join(dir, authtls.ServerCertFile))
			_, _ = fmt.Fprintf(out, "Server key:         %s\n", filepath.Join(dir, authtls.ServerKeyFile))
			_, _ = fmt.Fprintf(out, "Server names:       %v\n", append(server.Certificate.DNSNames, ipStrings(server)...))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default: $XDG_CONFIG_HOME/authd/certs)")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "extra DNS name or IP for the server certificate (repeatable)")
	cmd.Flags().BoolVar(&newCA, "new-ca", false, "replace an existing CA")
	return cmd
}

func loadOrCreateCA(dir string, fresh bool) (*authtls.CA, error) {
	if !fresh {
		if _, err := os.Stat(filepath.Join(dir, authtls.CACertFile)); err == nil {
			return authtls.LoadCA(dir)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err //nolint:wrapcheck // os.Stat error carries the path
		}
	}
	return authtls.GenerateCA()
}

func ipStrings(server *authtls.ServerCert) []string {
	out := make([]string, 0, len(server.Certificate.IPAddresses))
	for _, ip := range server.Certificate.IPAddresses {
		out = append(out, ip.String())
	}
	return out
}
