package main

import (
	"bytes"
	"strings"
	"testing"

	"audioswitch/config"
	"audioswitch/log"
)

func TestAppMetricsServerClosesCleanly(t *testing.T) {
	var buf bytes.Buffer
	log.InitWriter(&buf)
	t.Cleanup(log.Close)

	cfg := testConfig()
	cfg.MetricsAddr = "127.0.0.1:0"
	a, err := newApp(cfg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if a.metrics == nil {
		t.Fatal("metrics not created for metrics_addr")
	}
	a.serveMetrics()
	if a.server == nil {
		t.Fatal("metrics server not started")
	}
	if err := a.sw.Start(a.listener(nil)); err != nil {
		t.Fatalf("start: %v", err)
	}
	a.close()

	out := buf.String()
	if !strings.Contains(out, "metrics listening on 127.0.0.1:0") {
		t.Errorf("missing listen line:\n%s", out)
	}
	if strings.Contains(out, "shutdown") {
		t.Errorf("unexpected shutdown warning:\n%s", out)
	}
	if a.changes.Load() != 1 {
		t.Errorf("changes = %d, want 1", a.changes.Load())
	}
}

func TestAppWithoutMetrics(t *testing.T) {
	a, err := newApp(&config.Config{Backend: "fake", ManageFocus: true, PollInterval: config.DefaultPollInterval})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()
	a.serveMetrics()
	if a.metrics != nil || a.server != nil {
		t.Error("metrics wired without metrics_addr")
	}
}
