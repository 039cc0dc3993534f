// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Shibo Chen

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cnshibo/robust-serial/pkg/robustserial"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Connect to a listening peer and stream stdin lines",
	Long: `Establishes a reliable connection to a peer running 'listen' and sends
each line read from stdin as one stream payload. Data received from the
peer is printed to stdout. EOF on stdin disconnects gracefully.`,
	RunE: runClient,
}

func init() {
	rootCmd.AddCommand(clientCmd)
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := applySettings()
	if err != nil {
		return err
	}

	port, err := openLinkPort()
	if err != nil {
		return err
	}
	defer port.Close()

	fmt.Printf("Connection: %s\n", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(port, cfg)

	connected := make(chan struct{})
	disconnected := make(chan struct{})
	session.Stack.SetEventCallback(func(ev robustserial.Event) {
		switch ev {
		case robustserial.EventConnected:
			close(connected)
		case robustserial.EventDisconnected, robustserial.EventTimeout, robustserial.EventError:
			select {
			case <-disconnected:
			default:
				fmt.Printf("[%s]\n", ev)
				close(disconnected)
			}
		}
	})
	session.Stack.SetDataCallback(func(data []byte) {
		fmt.Printf("< %s\n", string(data))
	})
	session.Stack.SetDatagramCallback(func(data []byte) {
		fmt.Printf("< datagram % X\n", data)
	})

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	var connectErr error
	session.Do(func() { connectErr = session.Stack.Connect() })
	if connectErr != nil {
		return fmt.Errorf("connect failed: %v", connectErr)
	}

	select {
	case <-connected:
		fmt.Println("Connected. Type lines to send; Ctrl+D to disconnect.")
	case <-disconnected:
		return fmt.Errorf("connection failed")
	case err := <-runErr:
		return err
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				session.Do(func() { session.Stack.Disconnect() })
				return nil
			}
			if line == "" {
				continue
			}
			if err := session.Send([]byte(line)); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		case <-disconnected:
			return nil
		case err := <-runErr:
			return err
		}
	}
}