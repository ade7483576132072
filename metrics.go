// Copyright (C) 2025 The rosbridge Authors. All Rights Reserved.

package rosbridge

import "expvar"

// connMetrics record connection activity counters.
type connMetrics struct {
	framesRecv    expvar.Int
	framesSent    expvar.Int
	framesDropped expvar.Int
	publishesIn   expvar.Int // inbound topic messages delivered to listeners
	callsOut      expvar.Int // outbound service calls initiated
	callsOutErr   expvar.Int // outbound service calls reporting an error
	callsPending  expvar.Int // outbound service calls awaiting a response
	callsIn       expvar.Int // inbound service requests received
	callsInErr    expvar.Int // inbound service requests reporting failure

	opSeq  expvar.Int // operation identifiers allocated, all kinds
	idSub  expvar.Int
	idAdv  expvar.Int
	idPub  expvar.Int
	idCall expvar.Int

	emap *expvar.Map
}

var metrics = newConnMetrics()

func newConnMetrics() *connMetrics {
	m := &connMetrics{emap: new(expvar.Map)}
	m.emap.Set("frames_received", &m.framesRecv)
	m.emap.Set("frames_sent", &m.framesSent)
	m.emap.Set("frames_dropped", &m.framesDropped)
	m.emap.Set("publishes_in", &m.publishesIn)
	m.emap.Set("calls_out", &m.callsOut)
	m.emap.Set("calls_out_failed", &m.callsOutErr)
	m.emap.Set("calls_pending", &m.callsPending)
	m.emap.Set("calls_in", &m.callsIn)
	m.emap.Set("calls_in_failed", &m.callsInErr)
	m.emap.Set("ids_allocated", &m.opSeq)
	m.emap.Set("ids_subscribe", &m.idSub)
	m.emap.Set("ids_advertise", &m.idAdv)
	m.emap.Set("ids_publish", &m.idPub)
	m.emap.Set("ids_call_service", &m.idCall)
	return m
}
