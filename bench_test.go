// Copyright (C) 2025 The rosbridge Authors. All Rights Reserved.

package rosbridge_test

import (
	"context"
	"io"
	"testing"

	"github.com/roslink/rosbridge"
	"github.com/roslink/rosbridge/bridges"
	"github.com/roslink/rosbridge/channel"
)

func noopService(rosbridge.Message) (rosbridge.Message, bool) { return nil, true }
func echoService(args rosbridge.Message) (rosbridge.Message, bool) {
	return args, true
}

func BenchmarkCall(b *testing.B) {
	payload := rosbridge.Message{
		"data": "fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?",
	}

	b.Run("Direct-noop", func(b *testing.B) {
		loc := bridges.NewLocal()
		defer loc.Stop()

		loc.Server.Handle("/x", noopService)
		runBench(b, loc.Conn, nil)
	})
	b.Run("Direct-echo", func(b *testing.B) {
		loc := bridges.NewLocal()
		defer loc.Stop()

		loc.Server.Handle("/x", echoService)
		runBench(b, loc.Conn, payload)
	})

	b.Run("IO-noop", func(b *testing.B) {
		conn := pipeBridge(b, noopService)
		runBench(b, conn, nil)
	})
	b.Run("IO-echo", func(b *testing.B) {
		conn := pipeBridge(b, echoService)
		runBench(b, conn, payload)
	})
}

func runBench(b *testing.B, conn *rosbridge.Conn, args rosbridge.Message) {
	b.Helper()
	ctx := context.Background()
	svc := conn.Service("/x", "")

	for b.Loop() {
		_, err := svc.Call(ctx, args)
		if err != nil {
			b.Fatal(err)
		}
	}
}

// pipeBridge connects a client to a bridge server over byte pipes, so the
// benchmark pays for frame encoding as well as dispatch.
func pipeBridge(tb testing.TB, fn bridges.ServiceFunc) *rosbridge.Conn {
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	conn := rosbridge.New("").Start(channel.IO(cr, cw))
	srv := bridges.NewServer(channel.IO(sr, sw)).Handle("/x", fn)
	tb.Cleanup(func() {
		if err := conn.Stop(); err != nil {
			tb.Errorf("Client stop: %v", err)
		}
		if err := srv.Stop(); err != nil {
			tb.Errorf("Server stop: %v", err)
		}
	})
	return conn
}
