// Copyright (C) 2025 The rosbridge Authors. All Rights Reserved.

package rosbridge

import (
	"context"
	"sync"
)

// A Service is a handle on a named service of the remote bridge. It can call
// the service, and it can advertise a handler so the connection answers
// inbound calls to the name on the bridge's behalf.
//
// A Service is safe for concurrent use by multiple goroutines.
type Service struct {
	conn    *Conn
	name    string
	srvType string

	μ          sync.Mutex
	advID      string
	advertised bool
}

// Service returns a handle on the named service with the given service type.
// The type may be empty when the bridge already knows the service.
func (c *Conn) Service(name, srvType string) *Service {
	return &Service{conn: c, name: name, srvType: srvType}
}

// Name reports the service name.
func (s *Service) Name() string { return s.name }

// Type reports the service type given when the handle was created.
func (s *Service) Type() string { return s.srvType }

// Call invokes the service with the given arguments and blocks until the
// bridge responds or ctx ends. Errors reported by Call have concrete type
// [*CallError].
//
// No timeout is imposed by the connection: a caller needing a bounded wait
// must arrange a deadline on ctx. If ctx ends before the response arrives the
// call is abandoned; a response that arrives later is discarded.
//
// If the connection is not currently connected the call fails immediately
// with ErrNotConnected and leaves no state behind. A call outstanding when
// the connection is torn down fails with ErrConnClosed rather than waiting
// forever.
func (s *Service) Call(ctx context.Context, args Message) (Message, error) {
	id := s.conn.RequestServiceCaller(s.name)
	return s.conn.call(ctx, id, s.name, args)
}

// Advertise registers h to answer inbound calls to this service and
// announces the advertisement to the bridge, reporting whether the
// advertise_service frame was delivered. If the frame cannot be sent the
// handler is not registered and IsAdvertised remains false.
//
// Advertising an already-advertised handle replaces its handler and reports
// true without further protocol traffic.
func (s *Service) Advertise(h ServiceHandler) bool {
	if h == nil {
		panic("service handler is nil")
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.advertised {
		s.conn.setServiceHandler(s.name, h)
		return true
	}

	// Install the handler before the frame goes out, so a call arriving the
	// moment the bridge learns of the advertisement is answered, not dropped.
	id := s.conn.RequestAdvertiser(s.name)
	s.conn.setServiceHandler(s.name, h)
	if !s.conn.Send(opMessage{
		Op:      opAdvertiseService,
		ID:      id,
		Type:    s.srvType,
		Service: s.name,
	}) {
		s.conn.setServiceHandler(s.name, nil)
		return false
	}
	s.advID = id
	s.advertised = true
	return true
}

// Unadvertise withdraws the service advertisement and removes its handler.
// The unadvertise_service frame is sent best effort. Unadvertising a service
// that was never advertised is a no-op, not an error.
func (s *Service) Unadvertise() {
	s.μ.Lock()
	defer s.μ.Unlock()
	if !s.advertised {
		return
	}
	s.conn.setServiceHandler(s.name, nil)
	s.conn.Send(opMessage{Op: opUnadvertiseService, ID: s.advID, Service: s.name})
	s.advID = ""
	s.advertised = false
}

// IsAdvertised reports whether this handle currently advertises the service.
func (s *Service) IsAdvertised() bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.advertised
}
