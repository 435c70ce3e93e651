package doctor

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"audioswitch/audio"
	"audioswitch/beep"
	"audioswitch/bluez"
	"audioswitch/device"
	"audioswitch/switcher"
)

type Options struct {
	Backend string
	Bluez   bool
	// Interactive adds the listening test, which needs a person at In.
	Interactive bool
	In          io.Reader
	Out         io.Writer
}

type check struct {
	title string
	run   func(o *Options) bool
}

// Run executes the diagnostic checks and returns an exit code (0=all pass, 1=any fail).
func Run(o Options) int {
	if o.Interactive {
		defer guardTerminal(&o)()
	}

	fmt.Fprintln(o.Out, "audioswitch doctor - system diagnostics")
	fmt.Fprintln(o.Out, "=======================================")

	checks := []check{
		{"Audio backend", checkBackend},
		{"BlueZ", checkBluez},
		{"Engine dry run", checkEngine},
	}
	if o.Interactive {
		checks = append(checks, check{"Route chime", checkChime})
	}

	allPass := true
	for i, c := range checks {
		fmt.Fprintln(o.Out)
		fmt.Fprintf(o.Out, "[%d/%d] %s\n", i+1, len(checks), c.title)
		if !c.run(&o) {
			allPass = false
		}
	}

	fmt.Fprintln(o.Out)
	if allPass {
		fmt.Fprintln(o.Out, "All checks passed!")
		return 0
	}
	fmt.Fprintln(o.Out, "Some checks failed. See details above.")
	return 1
}

func checkBackend(o *Options) bool {
	ctx, err := audio.Open(o.Backend)
	if err != nil {
		fmt.Fprintf(o.Out, "  FAIL: cannot connect to audio: %v\n", err)
		return false
	}
	defer ctx.Close()

	devs, err := ctx.Devices()
	if err != nil {
		fmt.Fprintf(o.Out, "  FAIL: cannot list outputs: %v\n", err)
		return false
	}
	if len(devs) == 0 {
		fmt.Fprintln(o.Out, "  FAIL: no output devices found")
		return false
	}
	usable := 0
	for _, d := range devs {
		kind := "ignored"
		if k, ok := audio.Classify(d); ok {
			kind = k.DisplayName()
			usable++
		}
		mark := " "
		if d.Default {
			mark = "*"
		}
		fmt.Fprintf(o.Out, "  %s %-40s %s\n", mark, d.Name, kind)
	}
	if usable == 0 {
		fmt.Fprintln(o.Out, "  FAIL: no output maps to a route")
		return false
	}
	fmt.Fprintf(o.Out, "  PASS: %d outputs, %d usable\n", len(devs), usable)
	return true
}

func checkBluez(o *Options) bool {
	if !o.Bluez {
		fmt.Fprintln(o.Out, "  SKIP: bluez disabled in config")
		return true
	}
	bus, err := bluez.Connect()
	if err != nil {
		fmt.Fprintf(o.Out, "  FAIL: %v\n", err)
		return false
	}
	defer bus.Close()

	evs := bluez.NewSource(bus).Probe()
	for _, ev := range evs {
		fmt.Fprintf(o.Out, "  connected: %s (%s)\n", ev.Peer.Name, ev.Peer.ID)
	}
	fmt.Fprintf(o.Out, "  PASS: BlueZ reachable, %d headsets connected\n", len(evs))
	return true
}

// checkEngine runs the engine against the real device list but records
// routing instead of applying it.
func checkEngine(o *Options) bool {
	ctx, err := audio.Open(o.Backend)
	if err != nil {
		fmt.Fprintf(o.Out, "  FAIL: cannot connect to audio: %v\n", err)
		return false
	}
	defer ctx.Close()

	mon := audio.NewMonitor(ctx, audio.MonitorOptions{Bluetooth: true})
	sink := switcher.NewRecordingSink()
	sw, err := switcher.New(mon, sink, switcher.DefaultConfig())
	if err != nil {
		fmt.Fprintf(o.Out, "  FAIL: %v\n", err)
		return false
	}
	if err := sw.Start(nil); err != nil {
		fmt.Fprintf(o.Out, "  FAIL: start: %v\n", err)
		return false
	}
	defer sw.Stop()

	fmt.Fprintf(o.Out, "  available: %s\n", describe(sw.AvailableDevices()))
	if err := sw.Activate(); err != nil {
		fmt.Fprintf(o.Out, "  FAIL: activate: %v\n", err)
		return false
	}
	sel := sw.SelectedDevice()
	if sel == nil {
		fmt.Fprintln(o.Out, "  FAIL: nothing selected")
		return false
	}
	var routes []string
	for _, in := range sink.Intents() {
		if in.Op == switcher.OpRoute {
			routes = append(routes, in.String())
		}
	}
	if len(routes) == 0 {
		fmt.Fprintln(o.Out, "  FAIL: activation produced no route")
		return false
	}
	fmt.Fprintf(o.Out, "  PASS: selected %s, would %s\n", sel, strings.Join(routes, ", "))
	return true
}

func describe(devs []device.Device) string {
	if len(devs) == 0 {
		return "none"
	}
	names := make([]string, len(devs))
	for i, d := range devs {
		names[i] = d.String()
	}
	return strings.Join(names, ", ")
}

func checkChime(o *Options) bool {
	reader := bufio.NewReader(o.In)
	fmt.Fprint(o.Out, "Press Enter to play the route chime on the current output...")
	reader.ReadString('\n')
	beep.Init()
	beep.PlayRoute()

	fmt.Fprint(o.Out, "Did you hear two rising ticks? [y/n]: ")
	answer, _ := reader.ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	if answer == "y" || answer == "yes" {
		fmt.Fprintln(o.Out, "  PASS: chime confirmed by user")
		return true
	}
	fmt.Fprintln(o.Out, "  FAIL: chime not heard")
	return false
}
