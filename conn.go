// Copyright (C) 2025 The rosbridge Authors. All Rights Reserved.

package rosbridge

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"

	"github.com/creachadair/taskgroup"
)

// A Channel is a reliable ordered stream of text frames shared with a remote
// bridge. Each Send and Recv carries exactly one complete frame.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send one frame to the remote bridge.
	Send(frame []byte) error

	// Receive the next available frame from the channel.
	Recv() ([]byte, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// Status is the observable state of a Conn.
type Status int

const (
	StatusNone       Status = iota // before any connection attempt
	StatusConnecting               // transport handshake in progress
	StatusConnected                // ready to send and receive
	StatusClosed                   // transport closed cleanly
	StatusErrored                  // transport reported a failure
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	case StatusErrored:
		return "errored"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// A Conn implements the client side of a rosbridge v2.0 session. Use New to
// construct a Conn, and Start with a channel to begin the service routine.
// Once started, a Conn runs until Stop is called, the channel closes, or the
// transport reports an error. Use Wait to wait for the Conn to exit and report
// its status.
//
// All methods of a Conn are safe for concurrent use by multiple goroutines,
// and a single Conn is shared by all the Topic and Service handles created
// against it.
type Conn struct {
	in  interface{ Recv() ([]byte, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks      *taskgroup.Group
	sessCancel context.CancelFunc

	μ sync.Mutex

	endpoint string
	err      error  // transport fatal error
	failed   bool   // a teardown is already complete for this session
	status   Status // current status, authoritative
	watch    []statusWatcher
	nextTok  int // next watcher/listener token

	opSeq                           uint64 // shared operation counter
	numSub, numAdv, numPub, numCall uint64 // per-kind counters

	topics   map[string]*topicState    // topic name → registration
	pending  map[string]pending        // call ID → outstanding service call
	services map[string]ServiceHandler // service name → advertised handler

	flog   FrameLogger
	diag   func(Diagnostic)
	base   func() context.Context // return a new base context
	onExit func(error)
}

type statusWatcher struct {
	tok int
	f   func(Status)
}

// New constructs a new unstarted connection. The endpoint records the address
// the caller intends to connect to; it is advisory and immutable, and may be
// empty when the channel is constructed by other means.
func New(endpoint string) *Conn {
	return &Conn{
		endpoint: endpoint,
		topics:   make(map[string]*topicState),
		pending:  make(map[string]pending),
		services: make(map[string]ServiceHandler),
		base:     context.Background,
	}
}

// Endpoint reports the endpoint address given to New.
func (c *Conn) Endpoint() string { return c.endpoint }

// Start starts the connection running on the given channel and transitions
// the status to [StatusConnected]. The connection runs until the channel
// closes or the transport fails. Start does not block; call Wait to wait for
// the connection to exit and report its status.
func (c *Conn) Start(ch Channel) *Conn {
	c.μ.Lock()
	if c.in != nil {
		c.μ.Unlock()
		panic("connection is already started")
	}
	g := taskgroup.New(nil)
	sess, cancel := context.WithCancel(context.Background())
	c.in = ch
	c.tasks = g
	c.sessCancel = cancel
	c.err = nil
	c.failed = false
	c.μ.Unlock()

	c.out.Lock()
	c.out.ch = ch
	c.out.Unlock()

	c.SetStatus(StatusConnected)

	g.Go(func() error {
		for {
			frame, err := ch.Recv()
			if err != nil {
				c.fail(err)
				return nil
			}
			metrics.framesRecv.Add(1)
			c.dispatchFrame(sess, frame)
		}
	})

	return c
}

// Metrics returns a metrics map for the connection. It is safe for the caller
// to add additional metrics to the map while the connection is active.
func (c *Conn) Metrics() *expvar.Map { return metrics.emap }

// Stop closes the channel and terminates the connection. It blocks until the
// connection has exited and returns its status. After Stop completes it is
// safe to restart the connection with a new channel.
func (c *Conn) Stop() error { c.closeOut(); return c.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the connection was running.
func (c *Conn) waitTasks() bool {
	c.μ.Lock()
	t := c.tasks
	c.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until c terminates and reports the error that caused it to
// stop. After Wait completes it is safe to restart the connection with a new
// channel; topic registrations and advertised services survive a restart,
// but the remote bridge must be told about them again by the caller.
//
// If c is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error reported by the transport.
func (c *Conn) Wait() error {
	if !c.waitTasks() {
		return nil // the connection is not running
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	c.in = nil
	c.tasks = nil
	c.out.Lock()
	c.out.ch = nil
	c.out.Unlock()

	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

// Status reports the current connection status.
func (c *Conn) Status() Status {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.status
}

// SetStatus forcibly assigns the connection status and notifies the watchers
// registered at the time of the call. Status normally tracks transport events;
// SetStatus exists for tests and forced resets. Assigning the current value
// again is a no-op.
func (c *Conn) SetStatus(s Status) {
	c.μ.Lock()
	if c.status == s {
		c.μ.Unlock()
		return
	}
	c.status = s
	ws := make([]func(Status), len(c.watch))
	for i, w := range c.watch {
		ws[i] = w.f
	}
	c.μ.Unlock()

	for _, f := range ws {
		f(s)
	}
}

// OnStatus registers f to be called for each status transition that occurs
// after registration. The current status is NOT replayed to f; a watcher
// attached while the connection is already connected observes nothing until
// the next transition. Watchers are invoked in registration order,
// synchronously with the transition, and must not block.
//
// The returned function removes the registration.
func (c *Conn) OnStatus(f func(Status)) (cancel func()) {
	c.μ.Lock()
	defer c.μ.Unlock()
	tok := c.nextTok
	c.nextTok++
	c.watch = append(c.watch, statusWatcher{tok: tok, f: f})
	return func() {
		c.μ.Lock()
		defer c.μ.Unlock()
		c.watch = slices.DeleteFunc(c.watch, func(w statusWatcher) bool { return w.tok == tok })
	}
}

// OnDiagnostic registers a callback for inbound status frames from the remote
// bridge. Diagnostics are advisory and do not affect the connection status.
// Passing nil removes the callback. OnDiagnostic returns c to permit chaining.
func (c *Conn) OnDiagnostic(f func(Diagnostic)) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.diag = f
	return c
}

// LogFrames registers a callback that will be invoked for each frame
// exchanged with the remote bridge, including frames to be discarded.
//
// Passing a nil callback disables frame logging. The frame logger is invoked
// synchronously with dispatch, prior to sending or routing a frame.
func (c *Conn) LogFrames(f FrameLogger) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.flog = f
	return c
}

// OnExit registers a callback to be invoked when the connection terminates.
// The callback receives the same error value that would be reported by the
// Wait method. Only one exit callback can be registered at a time; if f ==
// nil the callback is removed.
func (c *Conn) OnExit(f func(error)) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onExit = f
	return c
}

// NewContext registers a function that will be called to create a new base
// context for service handlers. This allows request-specific host resources
// to be plumbed into a handler. If it is not set a background context is used.
func (c *Conn) NewContext(base func() context.Context) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	if base == nil {
		c.base = context.Background
	} else {
		c.base = base
	}
	return c
}

// Identifier allocation. Each allocation draws the next value from the single
// shared operation counter and bumps the kind-specific counter, both exactly
// once. Sequence numbers are never reused within the lifetime of a Conn.

// RequestSubscriber allocates an operation identifier for a subscription to
// the named topic, of the form "subscribe:<topic>:<seq>".
func (c *Conn) RequestSubscriber(topic string) string {
	return c.nextID(opSubscribe, topic, &c.numSub, &metrics.idSub)
}

// RequestAdvertiser allocates an operation identifier for advertising the
// named topic or service, of the form "advertise:<name>:<seq>".
func (c *Conn) RequestAdvertiser(name string) string {
	return c.nextID(opAdvertise, name, &c.numAdv, &metrics.idAdv)
}

// RequestPublisher allocates an operation identifier for publishing to the
// named topic, of the form "publish:<topic>:<seq>".
func (c *Conn) RequestPublisher(topic string) string {
	return c.nextID(opPublish, topic, &c.numPub, &metrics.idPub)
}

// RequestServiceCaller allocates an operation identifier for a call to the
// named service, of the form "call_service:<service>:<seq>".
func (c *Conn) RequestServiceCaller(service string) string {
	return c.nextID(opCallService, service, &c.numCall, &metrics.idCall)
}

func (c *Conn) nextID(kind, name string, kindCount *uint64, m *expvar.Int) string {
	c.μ.Lock()
	c.opSeq++
	*kindCount++
	seq := c.opSeq
	c.μ.Unlock()
	m.Add(1)
	metrics.opSeq.Add(1)
	return fmt.Sprintf("%s:%s:%d", kind, name, seq)
}

// Send encodes msg as a single JSON frame and delivers it to the transport,
// reporting whether the frame was sent. Send reports false without contacting
// the transport unless the status is [StatusConnected] at the time of the
// call. A transport write failure tears the connection down and also reports
// false.
func (c *Conn) Send(msg any) bool {
	frame, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return c.sendFrame(frame)
}

func (c *Conn) sendFrame(frame []byte) bool {
	// N.B. the status check must not hold c.out: Wait acquires c.out while
	// holding μ, so nesting μ inside c.out here would deadlock against it.
	c.μ.Lock()
	ok := c.status == StatusConnected
	flog := c.flog
	c.μ.Unlock()
	if !ok {
		return false
	}

	c.out.Lock()
	if c.out.ch == nil {
		c.out.Unlock()
		return false
	}
	if flog != nil {
		flog(FrameInfo{Data: frame, Sent: true})
	}
	err := c.out.ch.Send(frame)
	c.out.Unlock()

	if err != nil {
		c.fail(fmt.Errorf("send frame: %w", err))
		return false
	}
	metrics.framesSent.Add(1)
	return true
}

func (c *Conn) closeOut() {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch != nil {
		c.out.ch.Close()
	}
}

// fail terminates all pending calls, records the failure status, and emits
// the terminal status transition. It is a no-op if a teardown has already
// completed for this session.
func (c *Conn) fail(err error) {
	c.closeOut()

	c.μ.Lock()
	if c.failed {
		c.μ.Unlock()
		return
	}
	c.failed = true
	if c.sessCancel != nil {
		c.sessCancel()
	}

	// Terminate all incomplete pending service calls so no caller waits
	// forever on a response that cannot arrive.
	for id, pc := range c.pending {
		delete(c.pending, id)
		pc.close()
	}

	c.err = err
	onExit := c.onExit
	c.μ.Unlock()

	if treatErrorAsSuccess(err) {
		c.SetStatus(StatusClosed)
		err = nil
	} else {
		c.SetStatus(StatusErrored)
	}
	if onExit != nil {
		onExit(err)
	}
}

// dispatchFrame routes one inbound frame. Malformed or unroutable frames are
// dropped; nothing an inbound frame carries can terminate the connection.
func (c *Conn) dispatchFrame(sess context.Context, frame []byte) {
	c.μ.Lock()
	flog := c.flog
	c.μ.Unlock()
	if flog != nil {
		flog(FrameInfo{Data: frame, Sent: false})
	}

	var f inFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		metrics.framesDropped.Add(1)
		return
	}

	switch f.Op {
	case opPublish:
		c.dispatchPublish(&f)

	case opServiceResponse:
		c.resolveCall(&f)

	case opCallService:
		c.dispatchRequest(sess, &f)

	case opStatus:
		c.dispatchDiagnostic(&f)

	case "":
		// Some bridges omit the op field on service responses; a bare frame
		// with an id is matched against the pending calls.
		if f.ID != "" {
			c.resolveCall(&f)
		} else {
			metrics.framesDropped.Add(1)
		}

	default:
		metrics.framesDropped.Add(1)
	}
}

// dispatchPublish delivers a topic message to the listeners registered for
// its topic, in registration order. Messages for unknown topics are dropped:
// an unsubscribe racing an in-flight publish is not an error.
func (c *Conn) dispatchPublish(f *inFrame) {
	c.μ.Lock()
	ts := c.topics[f.Topic]
	var fns []TopicHandler
	if ts != nil {
		fns = make([]TopicHandler, len(ts.listeners))
		for i, l := range ts.listeners {
			fns[i] = l.f
		}
	}
	c.μ.Unlock()

	if len(fns) == 0 {
		metrics.framesDropped.Add(1)
		return
	}

	var msg Message
	if len(f.Msg) != 0 {
		if err := json.Unmarshal(f.Msg, &msg); err != nil {
			metrics.framesDropped.Add(1)
			return
		}
	}
	metrics.publishesIn.Add(1)
	for _, fn := range fns {
		fn(msg)
	}
}

// resolveCall completes the pending service call matching the frame's id.
// Responses with no matching call (late, duplicate, or never issued here) are
// dropped.
func (c *Conn) resolveCall(f *inFrame) {
	c.μ.Lock()
	pc, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.μ.Unlock()

	if !ok {
		metrics.framesDropped.Add(1)
		return
	}
	pc.deliver(callResult{
		ok:     f.Result == nil || *f.Result,
		values: f.Values,
	})
}

// dispatchRequest invokes the handler for a locally-advertised service on a
// task goroutine. A handler panic is converted into a result=false response.
func (c *Conn) dispatchRequest(sess context.Context, f *inFrame) {
	c.μ.Lock()
	h, ok := c.services[f.Service]
	base := c.base
	tasks := c.tasks
	c.μ.Unlock()

	metrics.callsIn.Add(1)
	if !ok || tasks == nil {
		metrics.callsInErr.Add(1)
		metrics.framesDropped.Add(1)
		return
	}

	req := Request{Service: f.Service, ID: f.ID, Args: f.Args}
	tasks.Go(func() error {
		ctx, cancel := context.WithCancel(base())
		defer cancel()
		ctx = context.WithValue(ctx, connContextKey{}, c)
		stop := context.AfterFunc(sess, cancel)
		defer stop()

		out := func() (out Outcome) {
			defer func() {
				if x := recover(); x != nil {
					metrics.callsInErr.Add(1)
					out = Failure(Message{"message": fmt.Sprint(x)})
				}
			}()
			return h(ctx, req)
		}()

		switch out.kind {
		case outcomeNone:
			return nil
		case outcomeFail:
			metrics.callsInErr.Add(1)
		}
		ok := out.kind == outcomeReply
		c.Send(opMessage{
			Op:      opServiceResponse,
			ID:      f.ID,
			Service: f.Service,
			Values:  out.values,
			Result:  &ok,
		})
		return nil
	})
}

func (c *Conn) dispatchDiagnostic(f *inFrame) {
	c.μ.Lock()
	diag := c.diag
	c.μ.Unlock()
	if diag == nil {
		return
	}

	// The msg field of a status frame is a bare string.
	var text string
	if len(f.Msg) != 0 && json.Unmarshal(f.Msg, &text) != nil {
		text = string(f.Msg)
	}
	diag(Diagnostic{Level: f.Level, ID: f.ID, Message: text})
}

// call registers a pending entry for id, sends the call_service frame, and
// blocks until the router resolves the call or ctx ends. No timeout is
// imposed here; a caller needing a bounded wait must arrange a deadline on
// ctx. If ctx ends first the call is abandoned: its entry remains until a
// late response resolves it or teardown sweeps it.
func (c *Conn) call(ctx context.Context, id, service string, args Message) (Message, error) {
	metrics.callsOut.Add(1)

	// Check the gate before creating the pending entry, so a call rejected
	// while disconnected leaves no state behind.
	c.μ.Lock()
	if c.status != StatusConnected {
		c.μ.Unlock()
		metrics.callsOutErr.Add(1)
		return nil, &CallError{Service: service, ID: id, Err: ErrNotConnected}
	}
	pc := make(pending, 1)
	c.pending[id] = pc
	c.μ.Unlock()

	if !c.Send(opMessage{Op: opCallService, ID: id, Service: service, Args: args}) {
		c.μ.Lock()
		delete(c.pending, id)
		c.μ.Unlock()
		metrics.callsOutErr.Add(1)
		return nil, &CallError{Service: service, ID: id, Err: ErrNotConnected}
	}

	metrics.callsPending.Add(1)
	defer metrics.callsPending.Add(-1)

	select {
	case <-ctx.Done():
		metrics.callsOutErr.Add(1)
		return nil, &CallError{Service: service, ID: id, Err: ctx.Err()}

	case res, ok := <-pc:
		if !ok {
			// Closed without a response: the connection was torn down.
			metrics.callsOutErr.Add(1)
			return nil, &CallError{Service: service, ID: id, Err: ErrConnClosed}
		}
		if !res.ok {
			metrics.callsOutErr.Add(1)
			return nil, &CallError{Service: service, ID: id, Values: res.values}
		}
		return res.values, nil
	}
}

// setServiceHandler installs or removes (h == nil) the handler for inbound
// calls to the named service.
func (c *Conn) setServiceHandler(service string, h ServiceHandler) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if h == nil {
		delete(c.services, service)
	} else {
		c.services[service] = h
	}
}

// A pending is the single-resolution result slot of an outstanding service
// call. Delivering a result or closing the channel resolves it; both happen
// at most once because the router deletes the registry entry first.
type pending chan callResult

type callResult struct {
	ok     bool
	values Message
}

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(r callResult) {
	if p != nil {
		p <- r // does not block; p has capacity 1
		close(p)
	}
}

type connContextKey struct{}

// ContextConn returns the Conn associated with the given context, or nil if
// none is defined. The context passed to a ServiceHandler has this value.
func ContextConn(ctx context.Context) *Conn {
	if v := ctx.Value(connContextKey{}); v != nil {
		return v.(*Conn)
	}
	return nil
}
