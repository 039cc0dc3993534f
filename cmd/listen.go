// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Shibo Chen

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cnshibo/robust-serial/pkg/robustserial"
)

var listenEcho bool

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Accept a connection and print received data",
	Long: `Waits for a peer running 'client' to connect, then prints every stream
payload and datagram it delivers. With --echo, stream payloads are sent
back to the peer. Runs until interrupted.`,
	RunE: runListen,
}

func init() {
	listenCmd.Flags().BoolVar(&listenEcho, "echo", false, "Echo stream data back to the peer")
	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, args []string) error {
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

	echoCh := make(chan []byte, 16)
	session.Stack.SetEventCallback(func(ev robustserial.Event) {
		switch ev {
		case robustserial.EventConnected, robustserial.EventDisconnected,
			robustserial.EventTimeout, robustserial.EventError:
			fmt.Printf("[%s]\n", ev)
		}
	})
	session.Stack.SetDataCallback(func(data []byte) {
		fmt.Printf("< %s\n", string(data))
		if listenEcho {
			// The stack must not be reentered from a callback; hand the
			// echo to a separate goroutine that goes back through Do.
			cp := make([]byte, len(data))
			copy(cp, data)
			select {
			case echoCh <- cp:
			default:
				fmt.Fprintln(os.Stderr, "echo queue full, dropping")
			}
		}
	})
	session.Stack.SetDatagramCallback(func(data []byte) {
		fmt.Printf("< datagram % X\n", data)
	})

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	var listenErr error
	session.Do(func() { listenErr = session.Stack.Listen() })
	if listenErr != nil {
		return fmt.Errorf("listen failed: %v", listenErr)
	}
	fmt.Println("Listening. Ctrl+C to stop.")

	if listenEcho {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case p := <-echoCh:
					// Stop-and-wait allows one payload in flight; retry
					// until the previous echo is acknowledged.
					for {
						err := session.Send(p)
						if err != robustserial.ErrTransportBusy {
							break
						}
						time.Sleep(5 * time.Millisecond)
					}
				}
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		session.Do(func() { session.Stack.Disconnect() })
		return nil
	case err := <-runErr:
		return err
	}
}