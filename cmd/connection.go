// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Shibo Chen

package cmd

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// LinkPort is the byte channel beneath a stack. Send satisfies
// robustserial.PhysicalTransport, so a port plugs straight into the stack as
// its physical layer; Recv hands back raw inbound chunks for
// Stack.QueueLinkData. Chunks alias a buffer owned by the port and are only
// valid until the next Recv.
type LinkPort interface {
	Send(p []byte) (int, error)
	Recv() ([]byte, error)
	Close() error
	String() string
}

// serialPort runs the stack over a serial device.
type serialPort struct {
	port serial.Port
	name string
	buf  [512]byte
}

func (s *serialPort) Send(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialPort) Recv() ([]byte, error) {
	n, err := s.port.Read(s.buf[:])
	return s.buf[:n], err
}

func (s *serialPort) Close() error { return s.port.Close() }

func (s *serialPort) String() string { return s.name }

// wsPort runs the stack over a WebSocket that carries raw link bytes as
// binary messages. Each message is one inbound chunk; there is no stream
// position to track because the stack's ingress ring does the buffering.
type wsPort struct {
	conn *websocket.Conn
	name string
}

func (w *wsPort) Send(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsPort) Recv() ([]byte, error) {
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.BinaryMessage {
			return data, nil
		}
		// Text and control frames carry no link bytes.
	}
}

func (w *wsPort) Close() error { return w.conn.Close() }

func (w *wsPort) String() string { return w.name }

func dialSerial(device string, baud int) (LinkPort, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %v", device, err)
	}
	return &serialPort{
		port: port,
		name: fmt.Sprintf("Serial: %s @ %d baud", device, baud),
	}, nil
}

func dialWebSocket(rawURL string) (LinkPort, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("URL scheme %q is not ws or wss", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	if u.Scheme == "wss" && wsNoSSLVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var headers http.Header
	if wsUsername != "" {
		password, err := getPassword()
		if err != nil {
			return nil, err
		}
		auth := base64.StdEncoding.EncodeToString([]byte(wsUsername + ":" + password))
		headers = http.Header{"Authorization": {"Basic " + auth}}
	}

	conn, resp, err := dialer.Dial(rawURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: HTTP %d: %v", rawURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %v", rawURL, err)
	}
	return &wsPort{conn: conn, name: "WebSocket: " + rawURL}, nil
}

// getPassword takes the WebSocket password from the environment, or prompts
// for it with echo disabled when stdin is a terminal.
func getPassword() (string, error) {
	if pw := os.Getenv("ROBUST_SERIAL_PASSWORD"); pw != "" {
		return pw, nil
	}

	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no password: set ROBUST_SERIAL_PASSWORD or run interactively")
	}

	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %v", err)
	}
	return strings.TrimSpace(string(pw)), nil
}

// openLinkPort opens the port selected by the root flags.
func openLinkPort() (LinkPort, error) {
	switch {
	case wsURL != "":
		return dialWebSocket(wsURL)
	case portName != "":
		return dialSerial(portName, baudRate)
	}
	return nil, fmt.Errorf("either --port or --url must be specified")
}
