package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"audioswitch/audio"
	"audioswitch/beep"
	"audioswitch/bluez"
	"audioswitch/config"
	"audioswitch/device"
	"audioswitch/log"
	"audioswitch/metrics"
	"audioswitch/switcher"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// app is one running engine with its hardware and outputs wired up.
type app struct {
	cfg     *config.Config
	session string
	ctx     audio.Context
	monitor *audio.Monitor
	bus     *bluez.SystemBus
	sw      *switcher.Switch
	metrics *metrics.Metrics
	server  *http.Server
	changes atomic.Int64
}

func newApp(cfg *config.Config) (*app, error) {
	order, err := cfg.PreferredOrder()
	if err != nil {
		return nil, err
	}

	ctx, err := audio.Open(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("audio backend %s: %w", cfg.Backend, err)
	}
	a := &app{cfg: cfg, session: uuid.NewString(), ctx: ctx}

	var sources switcher.MultiSource
	a.monitor = audio.NewMonitor(ctx, audio.MonitorOptions{
		Interval:  cfg.PollInterval,
		Bluetooth: !cfg.Bluez,
	})
	sources = append(sources, a.monitor)

	if cfg.Bluez {
		bus, err := bluez.Connect()
		if err != nil {
			log.Warnf("bluez unavailable, using output names for headsets: %v", err)
			a.monitor = audio.NewMonitor(ctx, audio.MonitorOptions{Interval: cfg.PollInterval, Bluetooth: true})
			sources[0] = a.monitor
		} else {
			a.bus = bus
			sources = append(sources, bluez.NewSource(bus))
		}
	}

	var sink switcher.RoutingSink = a.monitor
	if cfg.Chime {
		beep.Init()
		sink = beep.NewChime(sink)
	} else {
		beep.Disable()
	}

	if cfg.MetricsAddr != "" {
		a.metrics, err = metrics.NewMetrics(prometheus.NewRegistry())
		if err != nil {
			a.close()
			return nil, err
		}
	}

	sc := switcher.DefaultConfig()
	sc.PreferredOrder = order
	sc.ManageFocus = cfg.ManageFocus
	sc.Logging = cfg.Logging
	sc.Metrics = a.metrics
	sc.OnRoutingError = func(rerr *switcher.RoutingError) {
		log.RoutingFailure(rerr.Op, kindLabel(rerr.Kind), rerr.Err)
		beep.PlayError()
		tuiSend(routingErrorMsg{err: rerr})
	}
	a.sw, err = switcher.New(sources, sink, sc)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// serveMetrics exposes /metrics until close. It is a no-op without
// metrics_addr.
func (a *app) serveMetrics() {
	if a.metrics == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.server = &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %v", err)
		}
	}()
	log.Info("metrics listening on " + a.cfg.MetricsAddr)
}

// listener wraps next with session bookkeeping and the device_change log.
func (a *app) listener(next switcher.Listener) switcher.Listener {
	return func(avail []device.Device, sel *device.Device) {
		a.changes.Add(1)
		names := make([]string, len(avail))
		for i, d := range avail {
			names[i] = d.String()
		}
		selected := ""
		if sel != nil {
			selected = sel.String()
		}
		log.DeviceChange(names, selected)
		if next != nil {
			next(avail, sel)
		}
	}
}

func kindLabel(k device.Kind) string {
	if !k.Valid() {
		return ""
	}
	return k.String()
}

func (a *app) close() {
	if a.sw != nil {
		a.sw.Stop()
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.server.Shutdown(ctx); err != nil {
			log.Warnf("metrics server shutdown: %v", err)
		}
		cancel()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	a.ctx.Close()
}
