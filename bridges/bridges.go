// Copyright (C) 2025 The rosbridge Authors. All Rights Reserved.

// Package bridges provides support code for serving and testing the bridge
// side of a rosbridge session: an in-process Server that speaks the protocol
// over a channel, a Local client/server pair, and an accept loop for serving
// bridges on a listener.
package bridges

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/roslink/rosbridge"
	"github.com/roslink/rosbridge/channel"
)

// A ServiceFunc answers a call_service request arriving at the server. The
// reported values are returned to the caller; ok == false marks the response
// result=false.
type ServiceFunc func(args rosbridge.Message) (values rosbridge.Message, ok bool)

// A Frame is the server's record of one inbound protocol frame.
type Frame struct {
	Op      string `json:"op"`
	ID      string `json:"id"`
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Service string `json:"service"`

	Msg  rosbridge.Message `json:"msg"`
	Args rosbridge.Message `json:"args"`
}

// A Server is an in-process implementation of the bridge side of the
// rosbridge protocol, suitable for tests and local loops. It tracks topic
// subscriptions, loops publishes back to the session's own subscribers the
// way a bridge forwards topic traffic, and answers service calls with the
// registered service functions. Every inbound frame is recorded for
// inspection.
type Server struct {
	ch    rosbridge.Channel
	tasks *taskgroup.Group

	sendMu sync.Mutex // serializes writers on ch

	μ        sync.Mutex
	subs     map[string]int // topic → active subscription count
	services map[string]ServiceFunc
	history  []Frame
	err      error
}

// NewServer starts a server on its side of ch. The server runs until ch
// closes or Stop is called.
func NewServer(ch rosbridge.Channel) *Server {
	s := &Server{
		ch:       ch,
		tasks:    taskgroup.New(nil),
		subs:     make(map[string]int),
		services: make(map[string]ServiceFunc),
	}
	s.tasks.Go(s.run)
	return s
}

// Handle registers fn to answer calls to the named service. Passing a nil fn
// removes the registration. It is safe to call Handle while the server is
// running. Handle returns s to permit chaining.
func (s *Server) Handle(service string, fn ServiceFunc) *Server {
	s.μ.Lock()
	defer s.μ.Unlock()
	if fn == nil {
		delete(s.services, service)
	} else {
		s.services[service] = fn
	}
	return s
}

// Publish sends a publish frame for the named topic to the client,
// regardless of its subscriptions.
func (s *Server) Publish(topic string, msg rosbridge.Message) error {
	return s.send(map[string]any{"op": "publish", "topic": topic, "msg": msg})
}

// Respond sends a service_response frame with the given correlation id.
func (s *Server) Respond(id string, values rosbridge.Message, ok bool) error {
	return s.send(map[string]any{"op": "service_response", "id": id, "values": values, "result": ok})
}

// Diagnostic sends a status frame.
func (s *Server) Diagnostic(level, id, text string) error {
	m := map[string]any{"op": "status", "level": level, "msg": text}
	if id != "" {
		m["id"] = id
	}
	return s.send(m)
}

// Inject delivers a raw frame to the client without interpretation.
func (s *Server) Inject(frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.ch.Send(frame)
}

// Subscriptions reports the number of active subscriptions on the named
// topic.
func (s *Server) Subscriptions(topic string) int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.subs[topic]
}

// History returns a snapshot of the inbound frames seen so far, in arrival
// order.
func (s *Server) History() []Frame {
	s.μ.Lock()
	defer s.μ.Unlock()
	out := make([]Frame, len(s.history))
	copy(out, s.history)
	return out
}

// Stop closes the channel and blocks until the server has exited.
func (s *Server) Stop() error { s.ch.Close(); return s.Wait() }

// Wait blocks until the server exits and reports the error that stopped it.
// A closed channel is reported as nil.
func (s *Server) Wait() error {
	s.tasks.Wait()
	s.μ.Lock()
	defer s.μ.Unlock()
	if errors.Is(s.err, io.EOF) || errors.Is(s.err, net.ErrClosed) {
		return nil
	}
	return s.err
}

func (s *Server) send(msg any) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.Inject(frame)
}

func (s *Server) run() error {
	for {
		raw, err := s.ch.Recv()
		if err != nil {
			s.μ.Lock()
			s.err = err
			s.μ.Unlock()
			s.ch.Close() // unblock a peer waiting on the reverse direction
			return nil
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue // a real bridge reports a status error; the mock drops
		}

		s.μ.Lock()
		s.history = append(s.history, f)
		s.μ.Unlock()

		switch f.Op {
		case "subscribe":
			s.μ.Lock()
			s.subs[f.Topic]++
			s.μ.Unlock()

		case "unsubscribe":
			s.μ.Lock()
			if s.subs[f.Topic] > 0 {
				s.subs[f.Topic]--
			}
			if s.subs[f.Topic] == 0 {
				delete(s.subs, f.Topic)
			}
			s.μ.Unlock()

		case "publish":
			// Forward the publish back to the session's own subscribers, the
			// way a bridge forwards topic traffic between nodes.
			if s.Subscriptions(f.Topic) > 0 {
				s.Publish(f.Topic, f.Msg)
			}

		case "call_service":
			s.μ.Lock()
			fn, ok := s.services[f.Service]
			s.μ.Unlock()
			if !ok {
				s.Diagnostic("error", f.ID, fmt.Sprintf("service %q is not advertised", f.Service))
				s.Respond(f.ID, nil, false)
				continue
			}
			values, ok := fn(f.Args)
			s.Respond(f.ID, values, ok)

		case "advertise", "unadvertise", "advertise_service", "unadvertise_service", "service_response":
			// Recorded above; no traffic results.
		}
	}
}

// Local is a connected client/server pair over an in-memory channel,
// suitable for testing.
type Local struct {
	Conn   *rosbridge.Conn
	Server *Server
}

// NewLocal creates a started connection talking to an in-process bridge
// server over a direct channel.
func NewLocal() *Local {
	a, b := channel.Direct()
	return &Local{
		Conn:   rosbridge.New("").Start(a),
		Server: NewServer(b),
	}
}

// Stop shuts down both ends and blocks until both have exited.
func (l *Local) Stop() error {
	cerr := l.Conn.Stop()
	serr := l.Server.Stop()
	if cerr != nil {
		return cerr
	}
	return serr
}

// An Accepter yields inbound channels from some transport.
type Accepter interface {
	Accept(context.Context) (rosbridge.Channel, error)
}

// Loop accepts connections from acc and serves a bridge Server for each one
// in a goroutine. The setup callback, if not nil, is applied to each new
// server before traffic flows. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running servers are stopped. When acc closes, the
// loop waits for running servers to exit before returning.
func Loop(ctx context.Context, acc Accepter, setup func(*Server)) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			srv := NewServer(ch)
			if setup != nil {
				setup(srv)
			}
			go func() { <-sctx.Done(); srv.Stop() }()
			return srv.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Each accepted
// connection carries newline-delimited frames.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (rosbridge.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
