// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Shibo Chen

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"
)

var datagramKind uint8

var datagramCmd = &cobra.Command{
	Use:   "datagram [hex bytes | field=value ...]",
	Short: "Send a one-shot connectionless datagram",
	Long: `Sends a single datagram and exits. Datagrams need no connection and are
not acknowledged.

Without --kind, the arguments are hex bytes sent verbatim:

  robust-serial datagram -p /dev/ttyUSB0 DE AD BE EF

With --kind, the arguments are numeric field=value pairs encoded as a CBOR
message [kind, {field: value, ...}]; values parse as integers when they
can and strings otherwise:

  robust-serial datagram -p /dev/ttyUSB0 --kind 0x1F 0=1 1=controller`,
	Args: cobra.ArbitraryArgs,
	RunE: runDatagram,
}

func init() {
	datagramCmd.Flags().Uint8Var(&datagramKind, "kind", 0, "CBOR message kind; 0 sends raw hex bytes")
	rootCmd.AddCommand(datagramCmd)
}

func buildDatagramPayload(args []string) ([]byte, error) {
	if datagramKind == 0 {
		payload := make([]byte, 0, len(args))
		for _, arg := range args {
			v, err := strconv.ParseUint(strings.TrimPrefix(arg, "0x"), 16, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid hex byte %q: %v", arg, err)
			}
			payload = append(payload, byte(v))
		}
		if len(payload) == 0 {
			return nil, fmt.Errorf("no payload bytes given")
		}
		return payload, nil
	}

	fields := make(map[int]interface{})
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found {
			return nil, fmt.Errorf("field %q is not of the form key=value", arg)
		}
		k, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("field key %q is not numeric: %v", key, err)
		}
		if n, err := strconv.ParseInt(value, 0, 64); err == nil {
			fields[k] = n
		} else {
			fields[k] = value
		}
	}

	var msg interface{}
	if len(fields) == 0 {
		msg = []interface{}{uint64(datagramKind), nil}
	} else {
		msg = []interface{}{uint64(datagramKind), fields}
	}
	return cbor.Marshal(msg)
}

func runDatagram(cmd *cobra.Command, args []string) error {
	cfg, err := applySettings()
	if err != nil {
		return err
	}

	payload, err := buildDatagramPayload(args)
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
	go session.Run(ctx)

	if err := session.SendDatagram(payload); err != nil {
		return fmt.Errorf("send failed: %v", err)
	}

	// Give the pump a moment to drain the egress ring before closing.
	time.Sleep(100 * time.Millisecond)
	fmt.Printf("Sent %d byte datagram\n", len(payload))
	return nil
}