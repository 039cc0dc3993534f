// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Shibo Chen

package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Settings file
	configPath string

	// Protocol timing flags
	keepaliveMS uint32
	timeoutMS   uint32
	maxRetries  int
)

var rootCmd = &cobra.Command{
	Use:   "robust-serial",
	Short: "Robust Serial protocol stack tool",
	Long: `robust-serial - reliable byte-stream connections over raw serial links.

Wraps an untyped byte channel (UART, SPI, I2C, or a WebSocket byte bridge)
in COBS-framed, CRC-16-protected frames and runs a connection-oriented,
acknowledged transport with keep-alive detection on top. Provides commands
for both ends of a session, connectionless datagrams, link soak testing,
and an MQTT datagram bridge.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the
ROBUST_SERIAL_PASSWORD environment variable, or prompted interactively if
not set.`,
	Version: "1.0.0",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Settings file (default ~/.robust-serial.yaml)")
	rootCmd.PersistentFlags().Uint32Var(&keepaliveMS, "keepalive", 0, "Keep-alive interval in ms (default 1000)")
	rootCmd.PersistentFlags().Uint32Var(&timeoutMS, "timeout", 0, "Connection timeout in ms (default 3000)")
	rootCmd.PersistentFlags().IntVar(&maxRetries, "max-retries", 0, "Connection setup retries (default 3)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}