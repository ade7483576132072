// Copyright (C) 2025 The rosbridge Authors. All Rights Reserved.

package bridges_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/roslink/rosbridge"
	"github.com/roslink/rosbridge/bridges"
	"github.com/roslink/rosbridge/channel"
)

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()

	loc := bridges.NewLocal()
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	loc.Server.Handle("/echo", func(args rosbridge.Message) (rosbridge.Message, bool) {
		return args, true
	})

	if got := loc.Conn.Status(); got != rosbridge.StatusConnected {
		t.Fatalf("Status: got %v, want %v", got, rosbridge.StatusConnected)
	}

	got, err := loc.Conn.Service("/echo", "").Call(context.Background(), rosbridge.Message{"hello": "there"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if diff := cmp.Diff(rosbridge.Message{"hello": "there"}, got); diff != "" {
		t.Errorf("Result (-want, +got):\n%s", diff)
	}
}

func TestPublishLoopback(t *testing.T) {
	defer leaktest.Check(t)()

	loc := bridges.NewLocal()
	defer loc.Stop()

	heard := make(chan rosbridge.Message, 1)
	tp := loc.Conn.Topic("/chatter", "std_msgs/String")
	if !tp.Subscribe(func(msg rosbridge.Message) { heard <- msg }) {
		t.Fatal("Subscribe failed")
	}

	// The server counts the subscription once it has processed the frame;
	// poll briefly since processing is asynchronous with Subscribe.
	deadline := time.Now().Add(5 * time.Second)
	for loc.Server.Subscriptions("/chatter") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the subscription")
		}
		time.Sleep(time.Millisecond)
	}

	// A publish from the session loops back to its own subscribers.
	if !tp.Publish(rosbridge.Message{"data": "round trip"}) {
		t.Fatal("Publish failed")
	}
	select {
	case msg := <-heard:
		if diff := cmp.Diff(rosbridge.Message{"data": "round trip"}, msg); diff != "" {
			t.Errorf("Message (-want, +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the loopback")
	}

	tp.Unsubscribe()
	deadline = time.Now().Add(5 * time.Second)
	for loc.Server.Subscriptions("/chatter") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the unsubscribe")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInjectAndHistory(t *testing.T) {
	defer leaktest.Check(t)()

	loc := bridges.NewLocal()
	defer loc.Stop()

	diags := make(chan rosbridge.Diagnostic, 1)
	loc.Conn.OnDiagnostic(func(d rosbridge.Diagnostic) { diags <- d })

	if err := loc.Server.Diagnostic("warning", "op-3", "deprecated topic"); err != nil {
		t.Fatalf("Diagnostic: %v", err)
	}
	select {
	case d := <-diags:
		want := rosbridge.Diagnostic{Level: "warning", ID: "op-3", Message: "deprecated topic"}
		if diff := cmp.Diff(want, d); diff != "" {
			t.Errorf("Diagnostic (-want, +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the diagnostic")
	}

	// Raw injected frames that do not parse are dropped by the client
	// without affecting the session.
	if err := loc.Server.Inject([]byte("{bogus")); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if got := loc.Conn.Status(); got != rosbridge.StatusConnected {
		t.Errorf("Status: got %v, want %v", got, rosbridge.StatusConnected)
	}
}

func mustListen(t *testing.T) net.Listener {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return lst
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lst := mustListen(t)
	addr := lst.Addr().String()

	loop := taskgroup.Go(func() error {
		return bridges.Loop(ctx, bridges.NetAccepter(lst), func(srv *bridges.Server) {
			srv.Handle("/sum", func(args rosbridge.Message) (rosbridge.Message, bool) {
				a, _ := args["a"].(float64)
				b, _ := args["b"].(float64)
				return rosbridge.Message{"sum": a + b}, true
			})
		})
	})

	const numClients = 4
	const numCalls = 16 // per client

	g := taskgroup.New(func(err error) {
		cancel()
		t.Errorf("Task error: %v", err)
	})
	for range numClients {
		g.Go(func() error {
			nc, err := net.Dial("tcp", addr)
			if err != nil {
				return err
			}
			conn := rosbridge.New(addr).Start(channel.IO(nc, nc))

			svc := conn.Service("/sum", "")
			for i := range numCalls {
				rsp, err := svc.Call(ctx, rosbridge.Message{"a": i, "b": 1})
				if err != nil {
					return err
				}
				if got, want := rsp["sum"], float64(i+1); got != want {
					return fmt.Errorf("call %d: got %v, want %v", i, got, want)
				}
			}
			return conn.Stop()
		})
	}
	g.Wait()

	if err := lst.Close(); err != nil {
		t.Errorf("Close listener: %v", err)
	}
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: got %v, want nil", err)
	}
}
