package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jiteshy/collabx/internal/app"
	"github.com/jiteshy/collabx/internal/config"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"serve", "join", "version"} {
		if sub, _, err := cmd.Find([]string{name}); err != nil || sub.Name() != name {
			t.Errorf("Missing subcommand %s", name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version", "--short")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != version {
		t.Errorf("Expected %q, got %q", version, out)
	}

	out, err = execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Go version") {
		t.Errorf("Expected full version output, got %q", out)
	}
}

func TestServeCmd_BadConfig(t *testing.T) {
	if _, err := execute(t, "serve", "--config", "/nonexistent/collabx.yaml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestJoinCmd_RequiresFlags(t *testing.T) {
	if _, err := execute(t, "join", "--server", "ws://localhost:1/ws"); err == nil {
		t.Error("Expected error without --session and --username")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Log.Level = "error"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestRunPeer_EditsSharedDocument(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	gateway, err := app.NewApplication(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := gateway.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = gateway.Stop(context.Background()) })

	clientCfg := config.DefaultClientConfig()
	clientCfg.ServerURL = "ws://" + gateway.GetAddr() + "/ws"

	in, stdin := io.Pipe()
	t.Cleanup(func() { _ = stdin.Close() })
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() {
		done <- runPeer(context.Background(), clientCfg, "room", "alice", in, out, zap.NewNop())
	}()

	waitUntil(t, "join", func() bool { return gateway.Sessions().MemberCount() == 1 })
	waitUntil(t, "snapshot", func() bool { return strings.Contains(out.String(), "* synced: 1 member(s)") })

	if _, err := io.WriteString(stdin, "shared text\n"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "content change", func() bool {
		snap, err := gateway.Sessions().Snapshot("room")
		return err == nil && snap.Content == "shared text"
	})

	if _, err := io.WriteString(stdin, "/quit\n"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runPeer returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runPeer did not return after /quit")
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
