// bdsensor is a standalone maintenance console for the bed distance
// sensor. It connects to the machine controller over serial and runs
// the sensor's diagnostic sequences without a running print host.
//
// Usage:
//
//	bdsensor -config printer.cfg -device /dev/ttyUSB0 [options]
//
// Options:
//
//	-config string  Printer configuration file (required)
//	-device string  Controller serial device (overrides config)
//	-baud int       Serial baud rate (default 250000)
//	-cmd int        Diagnostic selector (default -2, forced distance read)
//	-loglevel string  debug, info, warn or error (default "info")
//
// Examples:
//
//	# Read the current distance
//	bdsensor -config printer.cfg -device /dev/ttyUSB0
//
//	# Dump calibration data with mount checks
//	bdsensor -config printer.cfg -device /dev/ttyUSB0 -cmd -5
//
//	# Read the sensor firmware version
//	bdsensor -config printer.cfg -device /dev/ttyUSB0 -cmd -1
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/config"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/diag"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/log"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/probe"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/sensor"
	"github.com/CognitiveFeline/Bed-Distance-sensor/pkg/transport"
)

// consoleResponder prints command responses to stdout.
type consoleResponder struct{}

func (consoleResponder) RespondInfo(msg string) { fmt.Println("// " + msg) }

func (consoleResponder) RespondRaw(msg string) { fmt.Println(msg) }

// idleMotion is a motion stub for a machine that is not printing. The
// standalone tool cannot drive steppers, so the calibration sweep's
// Z moves must be performed by hand or from the printer console.
type idleMotion struct{}

func (idleMotion) Dwell(seconds float64) { time.Sleep(time.Duration(seconds * float64(time.Second))) }

func (idleMotion) WaitMoves() error { return nil }

func (idleMotion) GetKinematics() probe.Kinematics { return noKinematics{} }

type noKinematics struct{}

func (noKinematics) GetSteppers() []probe.Stepper { return nil }

func main() {
	configFile := flag.String("config", "", "Printer configuration file (required)")
	device := flag.String("device", "", "Controller serial device (overrides config)")
	baud := flag.Int("baud", 250000, "Serial baud rate")
	cmd := flag.Int("cmd", diag.SelReadDistance, "Diagnostic selector")
	logLevel := flag.String("loglevel", "info", "Log level: debug, info, warn or error")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New(os.Stderr, log.ParseLevel(*logLevel), "bdsensor")
	log.SetDefault(logger)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	sec, err := cfg.GetSection("bdsensor")
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	opts, err := transportOptions(sec, *device, *baud)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	tr, err := transport.Open(opts, logger.WithPrefix("transport"))
	if err != nil {
		logger.Errorf("connect: %v", err)
		os.Exit(1)
	}
	defer tr.Close()

	channel := sensor.NewChannel(tr, logger.WithPrefix("sensor"))
	seq := diag.NewSequencer(channel, idleMotion{}, consoleResponder{}, logger.WithPrefix("diag"))
	if err := seq.Run(*cmd); err != nil {
		logger.Errorf("sequence failed: %v", err)
		os.Exit(1)
	}
}

// transportOptions assembles the serial connection parameters from the
// sensor's config section and command line overrides.
func transportOptions(sec *config.Section, device string, baud int) (transport.Options, error) {
	sda, err := sec.Get("sda_pin")
	if err != nil {
		return transport.Options{}, err
	}
	scl, err := sec.Get("scl_pin")
	if err != nil {
		return transport.Options{}, err
	}
	delay, err := sec.GetInt("delay", 20)
	if err != nil {
		return transport.Options{}, err
	}
	minPos, belowPos := 0.0, 2.5
	positionEndstop, err := sec.GetFloatWithBounds("position_endstop",
		config.FloatBounds{MinVal: &minPos, Below: &belowPos}, 0.0)
	if err != nil {
		return transport.Options{}, err
	}
	if device == "" {
		device, err = sec.Get("serial", "")
		if err != nil {
			return transport.Options{}, err
		}
	}
	return transport.Options{
		Device:   device,
		Baud:     baud,
		SDAPin:   sda,
		SCLPin:   scl,
		BitDelay: delay,
		HomePose: int(positionEndstop * 100),
	}, nil
}
