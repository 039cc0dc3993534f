// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Shibo Chen

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/cnshibo/robust-serial/pkg/robustserial"
)

// Session owns a stack and the single goroutine that drives it. The port's
// Send side is the stack's physical layer directly; the receive side runs on
// its own goroutine that only moves raw chunks into the loop over a channel,
// and other goroutines submit stack operations with Do. All stack callbacks
// fire on the loop goroutine.
type Session struct {
	Stack *robustserial.Stack

	port LinkPort
	rxCh chan []byte
	opCh chan func()
}

// NewSession builds a stack over port and initializes it. Callbacks should
// be registered on s.Stack before Run is called.
func NewSession(port LinkPort, cfg robustserial.Config) *Session {
	s := &Session{
		port: port,
		rxCh: make(chan []byte, 32),
		opCh: make(chan func(), 16),
	}
	s.Stack = robustserial.New(port, cfg)
	s.Stack.Initialize()
	return s
}

// Do submits a stack operation to the session loop and waits for it.
func (s *Session) Do(op func()) {
	done := make(chan struct{})
	s.opCh <- func() {
		op()
		close(done)
	}
	<-done
}

// Send transmits reliable stream data from any goroutine.
func (s *Session) Send(data []byte) error {
	var err error
	s.Do(func() { err = s.Stack.Send(data) })
	return err
}

// SendDatagram transmits a datagram from any goroutine.
func (s *Session) SendDatagram(data []byte) error {
	var err error
	s.Do(func() { err = s.Stack.SendDatagram(data) })
	return err
}

// Run drives the stack until ctx is done or the port fails. It blocks; run
// it on its own goroutine when the caller needs to keep working.
func (s *Session) Run(ctx context.Context) error {
	readErr := make(chan error, 1)
	go s.receiver(ctx, readErr)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			return fmt.Errorf("port receive failed: %v", err)

		case data := <-s.rxCh:
			if err := s.Stack.QueueLinkData(data); err != nil {
				glog.Warningf("session: ingress overflow: %v", err)
			}
			s.Stack.ProcessIncomingData()
			s.flush()

		case <-ticker.C:
			s.Stack.Tick()
			s.Stack.ProcessIncomingData()
			s.flush()

		case op := <-s.opCh:
			op()
			s.flush()
		}
	}
}

// flush pushes egress bytes until the port stops accepting them.
func (s *Session) flush() {
	for {
		n, err := s.Stack.ProcessOutgoingData()
		if err != nil {
			glog.Warningf("session: egress failed: %v", err)
			return
		}
		if n == 0 {
			return
		}
	}
}

// receiver moves inbound chunks from the port into the loop. Chunks alias
// the port's buffer, so they are copied before crossing goroutines.
func (s *Session) receiver(ctx context.Context, readErr chan<- error) {
	for {
		chunk, err := s.port.Recv()
		if len(chunk) > 0 {
			data := make([]byte, len(chunk))
			copy(data, chunk)
			select {
			case s.rxCh <- data:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case readErr <- err:
			case <-ctx.Done():
			}
			return
		}
	}
}
