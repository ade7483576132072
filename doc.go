// Copyright (C) 2025 The rosbridge Authors. All Rights Reserved.

// Package rosbridge implements the client side of the [rosbridge v2.0]
// protocol.
//
// rosbridge is a JSON message protocol layered over a persistent socket
// connection, bridging the publish/subscribe topics and request/response
// services of a ROS graph to an external process. This package owns the
// connection lifecycle, allocates the protocol's operation identifiers,
// tracks the connection status as an observable state machine, and routes
// inbound frames to the correct topic subscription or pending service call.
//
// # Connections
//
// The core type defined by this package is the [Conn]. A Conn is created with
// New and started with a [Channel] connected to a bridge:
//
//	conn := rosbridge.New("ws://localhost:9090")
//	ch, err := channel.Dial(ctx, conn.Endpoint())
//	if err != nil {
//	   log.Fatalf("Dial: %v", err)
//	}
//	conn.Start(ch)
//
// The connection runs until [Conn.Stop] is called, the channel is closed by
// the remote bridge, or the transport fails. Call [Conn.Wait] to wait for the
// connection to exit and report its status.
//
// # Channels
//
// The [Channel] interface defines the ability to exchange complete text
// frames with a bridge. A Channel implementation must allow concurrent use by
// one sender and one receiver. The channel package provides implementations
// over websockets, byte streams, and in-memory pipes.
//
// # Status
//
// [Conn.Status] reports the current connection status, one of none,
// connecting, connected, closed, or errored. [Conn.OnStatus] registers a
// watcher for transitions; the current value is never replayed, a watcher
// only observes transitions that occur after it attaches. Every outbound
// frame is gated on the status at send time: [Conn.Send] reports false in
// every state but connected, without contacting the transport.
//
// # Topics
//
// [Conn.Topic] returns a handle on a named topic:
//
//	odom := conn.Topic("/odom", "nav_msgs/Odometry")
//	odom.Subscribe(func(msg rosbridge.Message) {
//	   log.Printf("odom: %v", msg)
//	})
//
// Several handles on one name share a single registration; the bridge is told
// to stop forwarding a topic only when the last listener unsubscribes.
//
// # Services
//
// [Conn.Service] returns a handle on a named service. Call invokes it:
//
//	srv := conn.Service("/add_two_ints", "rospy_tutorials/AddTwoInts")
//	sum, err := srv.Call(ctx, rosbridge.Message{"a": 2, "b": 3})
//
// Call imposes no timeout of its own; bound the wait with a context deadline.
// Advertise registers a [ServiceHandler] so the connection answers calls to
// the name arriving from the bridge; the handler's [Outcome] controls whether
// a service_response is sent back.
//
// # Identifiers
//
// Every protocol operation carries an identifier of the form
// "<kind>:<name>:<sequence>". Sequence numbers are drawn from a single
// counter shared by all kinds, so no two identifiers issued by one Conn are
// ever equal. The RequestSubscriber, RequestAdvertiser, RequestPublisher, and
// RequestServiceCaller methods allocate identifiers and are safe for
// concurrent use.
//
// # Metrics
//
// Connections maintain a collection of counters while running. Use the
// [Conn.Metrics] method to obtain an [expvar.Map] containing the metrics,
// which are shared globally among all connections.
//
// [rosbridge v2.0]: https://github.com/RobotWebTools/rosbridge_suite/blob/ros2/ROSBRIDGE_PROTOCOL.md
package rosbridge
