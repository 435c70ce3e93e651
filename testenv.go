package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"audioswitch/beep"
	"audioswitch/config"
	"audioswitch/device"
	"audioswitch/log"
	"audioswitch/switcher"

	"github.com/google/uuid"
)

// runTestMode drives an engine on fake hardware from line commands on in
// and reports device changes and routing intents on out. It returns at QUIT
// or end of input.
func runTestMode(in io.Reader, out io.Writer, cfg *config.Config) error {
	beep.Disable()

	order, err := cfg.PreferredOrder()
	if err != nil {
		return err
	}
	src := switcher.NewFakeSource(
		switcher.Event{Type: switcher.EarpieceCapabilityKnown},
		switcher.Event{Type: switcher.SpeakerphoneCapabilityKnown},
	)
	sink := switcher.NewRecordingSink()

	changes := 0
	sc := switcher.DefaultConfig()
	sc.PreferredOrder = order
	sc.ManageFocus = cfg.ManageFocus
	sc.Logging = cfg.Logging
	sc.OnRoutingError = func(rerr *switcher.RoutingError) {
		log.RoutingFailure(rerr.Op, kindLabel(rerr.Kind), rerr.Err)
	}
	sw, err := switcher.New(src, sink, sc)
	if err != nil {
		return err
	}
	defer sw.Stop()

	session := uuid.NewString()
	log.SessionStart(session, "fake", sw.PreferredOrder().String())
	defer func() { log.SessionEnd(session, changes) }()

	listener := func(avail []device.Device, sel *device.Device) {
		changes++
		names := make([]string, len(avail))
		for i, d := range avail {
			names[i] = d.String()
		}
		selected := ""
		if sel != nil {
			selected = sel.String()
		}
		log.DeviceChange(names, selected)
		fmt.Fprintln(out, changeLine(avail, sel))
	}

	report := func(err error) {
		for _, it := range sink.Take() {
			fmt.Fprintf(out, "intent: %s\n", it)
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	emit := func(ev switcher.Event) {
		if !src.Emit(ev) {
			fmt.Fprintln(out, "ignored: source not running")
		}
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := strings.ToUpper(fields[0]), fields[1:]

		var err error
		switch cmd {
		case "START":
			err = sw.Start(listener)
		case "STOP":
			sw.Stop()
		case "ACTIVATE":
			err = sw.Activate()
		case "DEACTIVATE":
			sw.Deactivate()
		case "ATTACH":
			emit(switcher.Event{Type: switcher.WiredHeadsetAttached})
		case "DETACH":
			emit(switcher.Event{Type: switcher.WiredHeadsetDetached})
		case "CONNECT":
			if len(args) == 0 {
				err = fmt.Errorf("usage: CONNECT <id> [name]")
				break
			}
			emit(switcher.Connected(args[0], strings.Join(args[1:], " ")))
		case "DISCONNECT":
			if len(args) != 1 {
				err = fmt.Errorf("usage: DISCONNECT <id>")
				break
			}
			emit(switcher.Disconnected(args[0]))
		case "BTFAIL":
			emit(switcher.Event{Type: switcher.BluetoothActivationFailed})
		case "SELECT":
			var k device.Kind
			if len(args) != 1 {
				err = fmt.Errorf("usage: SELECT <kind>")
				break
			}
			if k, err = device.ParseKind(args[0]); err == nil {
				err = sw.SelectDevice(device.New(k))
			}
		case "CLEAR":
			err = sw.ClearSelection()
		case "SLEEP":
			if len(args) == 1 {
				if ms, convErr := strconv.Atoi(args[0]); convErr == nil {
					time.Sleep(time.Duration(ms) * time.Millisecond)
				}
			}
		case "QUIT":
			report(nil)
			return nil
		default:
			err = fmt.Errorf("unknown command %q", cmd)
		}
		report(err)
	}
	return scanner.Err()
}
