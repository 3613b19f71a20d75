package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"

	"github.com/rbaliyan/admit"
	"github.com/rbaliyan/admit/idempotency"
	"github.com/rbaliyan/admit/ingest"
	"github.com/rbaliyan/admit/monitor"
)

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admitd.json")

	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "example", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config example failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("example not written: %v", err)
	}

	out.Reset()
	root = NewRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "check", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config check failed: %v", err)
	}
	if !strings.Contains(out.String(), `"max_global_running"`) {
		t.Errorf("check output missing fields: %s", out.String())
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`{"default_tier": "vip"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	root = NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"config", "check", bad})
	if err := root.Execute(); !admit.IsConfigError(err) {
		t.Errorf("expected a config error, got %v", err)
	}
}

func TestSetupLogging(t *testing.T) {
	if err := setupLogging("debug", true); err != nil {
		t.Errorf("setupLogging failed: %v", err)
	}
	if err := setupLogging("loud", false); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestDaemon(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = server.RANDOM_PORT
	ns := natsserver.RunServer(&opts)
	defer ns.Shutdown()

	mr := miniredis.RunT(t)

	cfg := admit.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.NATS.URL = ns.ClientURL()
	cfg.Redis.Addrs = []string{mr.Addr()}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	worked := make(chan string, 8)
	sub, err := ingest.ServeWork(nc, cfg.NATS.WorkSubject, "", nil, func(_ context.Context, ev admit.Event) error {
		worked <- ev.ID
		return nil
	})
	if err != nil {
		t.Fatalf("ServeWork failed: %v", err)
	}
	defer sub.Unsubscribe()

	rejected, err := nc.SubscribeSync(cfg.NATS.RejectSubject)
	if err != nil {
		t.Fatalf("SubscribeSync failed: %v", err)
	}

	d, err := newDaemon(cfg)
	if err != nil {
		t.Fatalf("newDaemon failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- d.Run(ctx, 5*time.Second)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for d.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("daemon did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The consumer subscribes right after the listener is up.
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	send := func(id string) ingest.Receipt {
		t.Helper()
		data, _ := ingest.JSON{}.Marshal(admit.Event{ID: id, UserID: "42", Command: "hi"})
		var resp *nats.Msg
		var err error
		for range 50 {
			resp, err = nc.Request(cfg.NATS.Subject, data, time.Second)
			if err == nil {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		var r ingest.Receipt
		if err := (ingest.JSON{}).Unmarshal(resp.Data, &r); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return r
	}

	if r := send("ev-1"); !r.Accepted {
		t.Fatalf("expected accepted, got %+v", r)
	}
	select {
	case id := <-worked:
		if id != "ev-1" {
			t.Errorf("worker got %s, want ev-1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("work request never arrived")
	}

	if r := send("ev-1"); r.Reason != admit.ReasonDuplicate {
		t.Errorf("expected duplicate, got %+v", r)
	}
	if _, err := rejected.NextMsg(5 * time.Second); err != nil {
		t.Errorf("expected a rejection notice: %v", err)
	}

	if !mr.Exists(idempotency.DefaultKeyPrefix + "ev-1") {
		t.Error("expected the event id in the shared dedupe store")
	}
	if keys := mr.Keys(); len(keys) < 2 {
		t.Errorf("expected window and dedupe keys in redis, got %v", keys)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/v1/admission/stats", d.Addr()))
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	var snap monitor.Snapshot
	err = json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if snap.MaxGlobalRunning != cfg.MaxGlobalRunning {
		t.Errorf("MaxGlobalRunning = %d, want %d", snap.MaxGlobalRunning, cfg.MaxGlobalRunning)
	}

	next := cfg
	next.MaxQueuePerUser = 3
	if err := d.Reload(next); err != nil {
		t.Errorf("Reload failed: %v", err)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if !d.gate.Closed() {
		t.Error("gate should be closed after shutdown")
	}
}

func TestNewDaemon_InvalidConfig(t *testing.T) {
	cfg := admit.Default()
	cfg.MaxGlobalRunning = 0
	if _, err := newDaemon(cfg); !admit.IsConfigError(err) {
		t.Errorf("expected a config error, got %v", err)
	}

	cfg = admit.Default()
	cfg.NATS.URL = "nats://127.0.0.1:1"
	if _, err := newDaemon(cfg); err == nil {
		t.Error("expected a connection error")
	}
}
