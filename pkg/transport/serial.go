// Serial transport to the machine controller.
//
// The sensor itself sits on a bit-banged two-wire bus driven by the
// controller firmware; the host talks to the controller over a serial
// console with line-oriented commands. This package owns the console
// session and the command formats for the sensor bus.
//
// Copyright (C) 2026  CognitiveFeline
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package transport

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/bderrors"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/log"
)

// Options describe the controller connection and the sensor's bus
// wiring. HomePose is the configured endstop trigger distance in raw
// sensor units (mm * 100).
type Options struct {
	Device   string
	Baud     int
	OID      int
	SDAPin   string
	SCLPin   string
	BitDelay int
	HomePose int
}

// Normalize applies defaults for unset fields.
func (o Options) Normalize() (Options, error) {
	opts := o
	if opts.Device == "" {
		return opts, bderrors.ConfigError("serial device not configured")
	}
	if opts.Baud <= 0 {
		opts.Baud = 250000
	}
	if opts.SDAPin == "" || opts.SCLPin == "" {
		return opts, bderrors.ConfigError("sda_pin and scl_pin must be configured")
	}
	if opts.BitDelay <= 0 {
		opts.BitDelay = 20
	}
	return opts, nil
}

// readTimeout bounds every query round trip.
const readTimeout = 2 * time.Second

// SerialTransport is a sensor.Transport over a controller serial
// console. One command is in flight at a time.
type SerialTransport struct {
	mu     sync.Mutex
	port   serial.Port
	rd     *bufio.Reader
	oid    int
	logger *log.Logger
}

// Open connects to the controller and configures the sensor bus.
func Open(opts Options, logger *log.Logger) (*SerialTransport, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default().WithPrefix("transport")
	}

	mode := &serial.Mode{
		BaudRate: opts.Baud,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	port, err := serial.Open(opts.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Device, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, err
	}

	t := &SerialTransport{
		port:   port,
		rd:     bufio.NewReader(port),
		oid:    opts.OID,
		logger: logger,
	}
	cfg := fmt.Sprintf("config_I2C_BD oid=%d sda_pin=%s scl_pin=%s delay=%d h_pos=%d",
		opts.OID, opts.SDAPin, opts.SCLPin, opts.BitDelay, opts.HomePose)
	if err := t.writeLine(cfg); err != nil {
		port.Close()
		return nil, err
	}
	logger.Infof("sensor bus configured on %s (sda=%s scl=%s)", opts.Device, opts.SDAPin, opts.SCLPin)
	return t, nil
}

func (t *SerialTransport) writeLine(line string) error {
	_, err := t.port.Write([]byte(line + "\n"))
	return err
}

// Send issues a fire-and-forget sensor bus write.
func (t *SerialTransport) Send(data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeLine(fmt.Sprintf("I2C_BD_send oid=%d data=%s", t.oid, data))
}

// Query issues a sensor bus read and waits for the matching response
// line.
func (t *SerialTransport) Query(data string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.writeLine(fmt.Sprintf("I2C_BD_receive oid=%d data=%s", t.oid, data)); err != nil {
		return 0, err
	}
	prefix := fmt.Sprintf("I2C_BD_receive_response oid=%d response=", t.oid)
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		line, err := t.rd.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				continue
			}
			return 0, err
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			// Unrelated console traffic.
			t.logger.Debugf("skip: %s", line)
			continue
		}
		value, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, prefix)))
		if err != nil {
			return 0, fmt.Errorf("malformed response %q: %w", line, err)
		}
		return value, nil
	}
	return 0, fmt.Errorf("sensor query timed out after %s", readTimeout)
}

// Close shuts the console connection down.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port.Close()
}
