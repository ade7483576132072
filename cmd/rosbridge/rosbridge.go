// Program rosbridge is a command-line utility for interacting with a
// rosbridge v2.0 server over a websocket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/roslink/rosbridge"
	"github.com/roslink/rosbridge/channel"
)

var flags struct {
	Address string        `flag:"address,Address of the rosbridge server (ws://host:port)"`
	Timeout time.Duration `flag:"timeout,Timeout for service calls (0 means none)"`
	Verbose bool          `flag:"v,Log protocol frames to stderr"`
}

func main() {
	log.SetFlags(0)
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for interacting with a rosbridge v2.0 server.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name: "topic",
				Help: "Commands to interact with topics.",
				Commands: []*command.C{
					{
						Name:  "echo",
						Usage: "<topic> [<message-type>]",
						Help:  "Subscribe to a topic and print its messages, one JSON object per line.",
						Run:   command.Adapt(runTopicEcho),
					},
					{
						Name:  "pub",
						Usage: "<topic> <message-type> <json-message>",
						Help:  "Publish a single message on a topic.",
						Run:   command.Adapt(runTopicPub),
					},
				},
			},
			{
				Name:  "call",
				Usage: "<service> [<json-args>]",
				Help:  "Call a service and print its result as JSON.",
				Run:   command.Adapt(runCall),
			},
			{
				Name: "watch",
				Help: "Watch status transitions and bridge diagnostics.",
				Run:  command.Adapt(runWatch),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// dial connects to the address from the flags and returns a started
// connection. The caller is responsible for stopping it.
func dial(ctx context.Context) (*rosbridge.Conn, error) {
	if flags.Address == "" {
		return nil, errors.New("no -address is set")
	}
	conn := rosbridge.New(flags.Address)
	if flags.Verbose {
		conn.LogFrames(func(f rosbridge.FrameInfo) { log.Print(f) })
	}
	conn.SetStatus(rosbridge.StatusConnecting)
	ch, err := channel.Dial(ctx, flags.Address)
	if err != nil {
		conn.SetStatus(rosbridge.StatusErrored)
		return nil, fmt.Errorf("dial %q: %w", flags.Address, err)
	}
	conn.Start(ch)
	return conn, nil
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func runTopicEcho(env *command.Env, topic string, rest ...string) error {
	var msgType string
	if len(rest) > 1 {
		return env.Usagef("extra arguments after message type")
	} else if len(rest) == 1 {
		msgType = rest[0]
	}

	ctx, cancel := interruptContext()
	defer cancel()

	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Stop()

	enc := json.NewEncoder(os.Stdout)
	t := conn.Topic(topic, msgType)
	if !t.Subscribe(func(msg rosbridge.Message) { enc.Encode(msg) }) {
		return fmt.Errorf("subscribe %q failed", topic)
	}
	defer t.Unsubscribe()

	<-ctx.Done()
	return nil
}

func runTopicPub(env *command.Env, topic, msgType, text string) error {
	var msg rosbridge.Message
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	ctx, cancel := interruptContext()
	defer cancel()

	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Stop()

	t := conn.Topic(topic, msgType)
	if !t.Publish(msg) {
		return fmt.Errorf("publish on %q failed", topic)
	}
	t.Unadvertise()
	return nil
}

func runCall(env *command.Env, service string, rest ...string) error {
	var args rosbridge.Message
	if len(rest) > 1 {
		return env.Usagef("extra arguments after service arguments")
	} else if len(rest) == 1 {
		if err := json.Unmarshal([]byte(rest[0]), &args); err != nil {
			return fmt.Errorf("invalid arguments: %w", err)
		}
	}

	ctx, cancel := interruptContext()
	defer cancel()

	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Stop()

	if flags.Timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, flags.Timeout)
		defer tcancel()
	}
	values, err := conn.Service(service, "").Call(ctx, args)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(values)
}

func runWatch(env *command.Env) error {
	ctx, cancel := interruptContext()
	defer cancel()

	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Stop()

	unwatch := conn.OnStatus(func(s rosbridge.Status) { log.Printf("status: %v", s) })
	defer unwatch()
	conn.OnDiagnostic(func(d rosbridge.Diagnostic) { log.Print(d) })

	log.Printf("status: %v", conn.Status())
	<-ctx.Done()
	return nil
}
