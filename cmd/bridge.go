// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Shibo Chen

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var brokerURL string

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Bridge datagrams to an MQTT broker",
	Long: `Connects the local link to an MQTT broker. Datagrams received from the
peer are published to <prefix>/rx; messages arriving on <prefix>/tx are
forwarded to the peer as datagrams. The topic prefix is the path component
of the broker URL:

  robust-serial bridge -p /dev/ttyUSB0 --broker tcp://broker:1883/devices/heater1`,
	RunE: runBridge,
}

func init() {
	bridgeCmd.Flags().StringVar(&brokerURL, "broker", "", "MQTT broker URL with topic prefix path")
	rootCmd.AddCommand(bridgeCmd)
}

// bridgeClientID derives a stable MQTT client id from the machine identity,
// so the bridge uses the same id on every run on this host. If the machine
// id is unavailable it falls back to a time-based id.
func bridgeClientID() string {
	id, err := machineid.ProtectedID("robust-serial")
	if err != nil {
		return fmt.Sprintf("robust-serial-%d", time.Now().Unix())
	}
	return "robust-serial-" + id[:12]
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := applySettings()
	if err != nil {
		return err
	}
	if brokerURL == "" {
		return fmt.Errorf("--broker is required")
	}

	server, prefix, err := splitBrokerURL(brokerURL)
	if err != nil {
		return err
	}

	port, err := openLinkPort()
	if err != nil {
		return err
	}
	defer port.Close()

	fmt.Printf("Connection: %s\n", port)
	fmt.Printf("Broker:     %s (prefix %q)\n", server, prefix)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(port, cfg)

	opts := paho.NewClientOptions().
		AddBroker(server).
		SetClientID(bridgeClientID()).
		SetAutoReconnect(true).
		SetCleanSession(true)
	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %v", token.Error())
	}
	defer client.Disconnect(250)

	session.Stack.SetDatagramCallback(func(data []byte) {
		cp := make([]byte, len(data))
		copy(cp, data)
		client.Publish(prefix+"/rx", 0, false, cp)
		glog.V(1).Infof("bridge: published %d bytes", len(cp))
	})

	txTopic := prefix + "/tx"
	token := client.Subscribe(txTopic, 0, func(c paho.Client, msg paho.Message) {
		if err := session.SendDatagram(msg.Payload()); err != nil {
			glog.Warningf("bridge: datagram send failed: %v", err)
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT subscribe failed: %v", token.Error())
	}

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	fmt.Println("Bridging. Ctrl+C to stop.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		return nil
	case err := <-runErr:
		return err
	}
}

// splitBrokerURL separates the broker address from the topic prefix path.
func splitBrokerURL(raw string) (server, prefix string, err error) {
	rest := raw
	scheme := "tcp://"
	if i := strings.Index(raw, "://"); i >= 0 {
		scheme = raw[:i+3]
		rest = raw[i+3:]
	}

	host, path, _ := strings.Cut(rest, "/")
	if host == "" {
		return "", "", fmt.Errorf("broker URL %q has no host", raw)
	}
	if path == "" {
		return "", "", fmt.Errorf("broker URL %q has no topic prefix path", raw)
	}
	return scheme + host, strings.TrimSuffix(path, "/"), nil
}