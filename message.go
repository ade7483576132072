// Copyright (C) 2025 The rosbridge Authors. All Rights Reserved.

package rosbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/creachadair/mds/value"
)

// A Message is the structural form of a rosbridge payload: a JSON object with
// string keys and arbitrarily-typed values. Topic messages, service arguments,
// and service results all cross the protocol boundary in this form. Callers
// who want stronger typing should decode a Message into their own types, or
// use the adapters in the handler package.
type Message map[string]any

// opMessage is the wire format of an outbound protocol frame. A single
// structure covers all operations; fields not used by an operation are left
// zero and omitted from the encoding.
type opMessage struct {
	Op      string  `json:"op"`
	ID      string  `json:"id,omitempty"`
	Topic   string  `json:"topic,omitempty"`
	Type    string  `json:"type,omitempty"`
	Service string  `json:"service,omitempty"`
	Msg     Message `json:"msg,omitempty"`
	Args    Message `json:"args,omitempty"`
	Values  Message `json:"values,omitempty"`
	Result  *bool   `json:"result,omitempty"`
}

// inFrame is the parsed form of an inbound protocol frame. The msg field is
// retained raw because its type depends on the operation: an object for
// publish frames, a bare string for status frames.
type inFrame struct {
	Op      string          `json:"op"`
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Service string          `json:"service"`
	Msg     json.RawMessage `json:"msg"`
	Args    Message         `json:"args"`
	Values  Message         `json:"values"`
	Result  *bool           `json:"result"`
	Level   string          `json:"level"`
}

// Operation names defined by the rosbridge v2.0 protocol.
const (
	opSubscribe          = "subscribe"
	opUnsubscribe        = "unsubscribe"
	opAdvertise          = "advertise"
	opUnadvertise        = "unadvertise"
	opPublish            = "publish"
	opCallService        = "call_service"
	opServiceResponse    = "service_response"
	opAdvertiseService   = "advertise_service"
	opUnadvertiseService = "unadvertise_service"
	opStatus             = "status"
)

// A Request is an inbound invocation of a locally-advertised service.
type Request struct {
	Service string  // the service name the caller addressed
	ID      string  // the caller's correlation ID
	Args    Message // the request arguments
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(Service=%q, ID=%q, Args=%v)", r.Service, r.ID, r.Args)
}

// A ServiceHandler processes an inbound request for a service advertised on
// the local connection. A handler can obtain the connection from its context
// argument using the ContextConn helper.
//
// The returned Outcome determines what, if anything, is sent back to the
// caller: Reply and Failure produce a service_response frame, NoReply
// suppresses the response entirely. A handler that panics is equivalent to one
// returning Failure(nil).
type ServiceHandler func(ctx context.Context, req Request) Outcome

// An Outcome is the tagged result of a ServiceHandler. The zero Outcome sends
// no response, equivalent to NoReply().
type Outcome struct {
	kind   outcomeKind
	values Message
}

type outcomeKind int

const (
	outcomeNone outcomeKind = iota
	outcomeReply
	outcomeFail
)

// Reply returns an Outcome that sends values back to the caller with
// result=true.
func Reply(values Message) Outcome { return Outcome{kind: outcomeReply, values: values} }

// Failure returns an Outcome that sends values back to the caller with
// result=false, reporting that the service could not be fulfilled.
func Failure(values Message) Outcome { return Outcome{kind: outcomeFail, values: values} }

// NoReply returns an Outcome that sends nothing back to the caller. Use this
// when the response will be delivered by some other path, or not at all.
func NoReply() Outcome { return Outcome{} }

// A Diagnostic is an inbound status frame from the remote bridge. Diagnostics
// are advisory; they never affect the connection status.
type Diagnostic struct {
	Level   string // "error", "warning", "info", or "none"
	ID      string // the operation the diagnostic refers to, if any
	Message string
}

// String returns a human-friendly rendering of the diagnostic.
func (d Diagnostic) String() string {
	if d.ID == "" {
		return fmt.Sprintf("[%s] %s", d.Level, d.Message)
	}
	return fmt.Sprintf("[%s] %s (id=%q)", d.Level, d.ID, d.Message)
}

// A FrameInfo combines a raw frame and a flag indicating whether the frame was
// sent or received.
type FrameInfo struct {
	Data []byte // the complete frame text
	Sent bool   // whether the frame was sent (true) or received (false)
}

func (f FrameInfo) String() string {
	return fmt.Sprintf("%s %s", value.Cond(f.Sent, "send", "recv"), f.Data)
}

// A FrameLogger logs a frame exchanged with the remote bridge.
type FrameLogger func(FrameInfo)

// Sentinel errors reported by service calls.
var (
	// ErrNotConnected is reported when an operation requires a connected
	// transport and the connection status is anything else.
	ErrNotConnected = errors.New("connection is not connected")

	// ErrConnClosed is reported for calls still outstanding when the
	// connection was torn down.
	ErrConnClosed = errors.New("connection closed")
)

// CallError is the concrete type of errors reported by the Call method of a
// Service. For a failed service response, the Err field is nil and the Values
// field carries the values the bridge returned with result=false. For local
// failures (send gate, teardown, context expiry) Err is set.
type CallError struct {
	Service string  // the service that was called
	ID      string  // the allocated operation identifier
	Err     error   // nil for remote service failures
	Values  Message // result values from a failed response, if any
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("call %s: %v", c.Service, c.Err)
	}
	return fmt.Sprintf("call %s: service reported failure", c.Service)
}
