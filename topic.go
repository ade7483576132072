// Copyright (C) 2025 The rosbridge Authors. All Rights Reserved.

package rosbridge

import (
	"slices"
	"sync"
)

// A TopicHandler receives messages published on a subscribed topic. Handlers
// for one topic are invoked in registration order, synchronously with the
// dispatch of inbound frames, and must not block.
type TopicHandler func(msg Message)

// topicState is the per-name registry entry shared by every Topic handle on
// the same topic name. It is created on first use and removed when the last
// listener and reference holder is gone.
type topicState struct {
	listeners   []topicListener
	advertisers int
	publishers  int
}

type topicListener struct {
	tok int
	f   TopicHandler
}

func (ts *topicState) empty() bool {
	return len(ts.listeners) == 0 && ts.advertisers == 0 && ts.publishers == 0
}

// addListener registers f for messages on the named topic and reports the
// listener token and whether this is the first listener on the name.
func (c *Conn) addListener(name string, f TopicHandler) (tok int, first bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	ts := c.topics[name]
	if ts == nil {
		ts = new(topicState)
		c.topics[name] = ts
	}
	tok = c.nextTok
	c.nextTok++
	first = len(ts.listeners) == 0
	ts.listeners = append(ts.listeners, topicListener{tok: tok, f: f})
	return tok, first
}

// removeListener drops the listener with the given token and reports whether
// the topic's listener set became empty.
func (c *Conn) removeListener(name string, tok int) (last bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	ts := c.topics[name]
	if ts == nil {
		return false
	}
	n := len(ts.listeners)
	ts.listeners = slices.DeleteFunc(ts.listeners, func(l topicListener) bool { return l.tok == tok })
	last = n > 0 && len(ts.listeners) == 0
	if ts.empty() {
		delete(c.topics, name)
	}
	return last
}

// addTopicRef bumps the advertiser or publisher reference count on name and
// reports whether it was the first reference of that kind.
func (c *Conn) addTopicRef(name string, counter func(*topicState) *int) (first bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	ts := c.topics[name]
	if ts == nil {
		ts = new(topicState)
		c.topics[name] = ts
	}
	n := counter(ts)
	*n++
	return *n == 1
}

// releaseTopicRef drops an advertiser or publisher reference on name and
// reports whether it was the last reference of that kind.
func (c *Conn) releaseTopicRef(name string, counter func(*topicState) *int) (last bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	ts := c.topics[name]
	if ts == nil {
		return false
	}
	n := counter(ts)
	if *n > 0 {
		*n--
		last = *n == 0
	}
	if ts.empty() {
		delete(c.topics, name)
	}
	return last
}

func advertisers(ts *topicState) *int { return &ts.advertisers }
func publishers(ts *topicState) *int { return &ts.publishers }

// A Topic is a handle on a named topic of the remote bridge. Multiple
// independent handles on the same name share one registration in the
// connection; the protocol-level subscribe and unsubscribe traffic follows
// the registration, not the handle.
//
// A Topic is safe for concurrent use by multiple goroutines.
type Topic struct {
	conn    *Conn
	name    string
	msgType string

	μ          sync.Mutex
	subIDs     []string // identifiers allocated by Subscribe, oldest first
	tokens     []int    // listener tokens registered by this handle
	advID      string
	advertised bool
	pubID      string // allocated once, on the first Publish
}

// Topic returns a handle on the named topic with the given message type. The
// message type may be empty when the bridge already knows the topic.
func (c *Conn) Topic(name, msgType string) *Topic {
	return &Topic{conn: c, name: name, msgType: msgType}
}

// Name reports the topic name.
func (t *Topic) Name() string { return t.name }

// Type reports the message type given when the handle was created.
func (t *Topic) Type() string { return t.msgType }

// Subscribe registers f to receive messages published on the topic and asks
// the bridge to start forwarding them. Subscribe reports whether the
// subscribe frame was delivered to the transport; the listener is registered
// locally either way, so messages flow as soon as the bridge honors a later
// subscription on the same name.
func (t *Topic) Subscribe(f TopicHandler) bool {
	id := t.conn.RequestSubscriber(t.name)
	tok, _ := t.conn.addListener(t.name, f)

	t.μ.Lock()
	t.subIDs = append(t.subIDs, id)
	t.tokens = append(t.tokens, tok)
	t.μ.Unlock()

	return t.conn.Send(opMessage{
		Op:    opSubscribe,
		ID:    id,
		Topic: t.name,
		Type:  t.msgType,
	})
}

// Unsubscribe removes every listener this handle registered. When the
// topic's listener set becomes empty as a result, an unsubscribe frame is
// sent to the bridge, best effort: a failed send while disconnected is
// ignored.
func (t *Topic) Unsubscribe() {
	t.μ.Lock()
	toks := t.tokens
	ids := t.subIDs
	t.tokens = nil
	t.subIDs = nil
	t.μ.Unlock()

	var last bool
	for _, tok := range toks {
		last = t.conn.removeListener(t.name, tok) || last
	}
	if last && len(ids) > 0 {
		t.conn.Send(opMessage{Op: opUnsubscribe, ID: ids[0], Topic: t.name})
	}
}

// Advertise announces this handle's intent to publish on the topic,
// reporting whether the advertise frame was delivered. Advertising an
// already-advertised handle is a no-op that reports true.
func (t *Topic) Advertise() bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.advertiseLocked()
}

func (t *Topic) advertiseLocked() bool {
	if t.advertised {
		return true
	}
	t.advID = t.conn.RequestAdvertiser(t.name)
	t.conn.addTopicRef(t.name, advertisers)
	t.advertised = true
	return t.conn.Send(opMessage{
		Op:    opAdvertise,
		ID:    t.advID,
		Topic: t.name,
		Type:  t.msgType,
	})
}

// Unadvertise withdraws this handle's advertisement. When the last
// advertiser on the name is gone an unadvertise frame is sent, best effort.
// Unadvertising a handle that is not advertised is a no-op.
func (t *Topic) Unadvertise() {
	t.μ.Lock()
	defer t.μ.Unlock()
	if !t.advertised {
		return
	}
	t.advertised = false
	if t.conn.releaseTopicRef(t.name, advertisers) {
		t.conn.Send(opMessage{Op: opUnadvertise, ID: t.advID, Topic: t.name})
	}
	t.advID = ""
}

// IsAdvertised reports whether this handle currently advertises the topic.
func (t *Topic) IsAdvertised() bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.advertised
}

// Publish sends msg on the topic, reporting whether the frame was delivered.
// The first Publish on a handle allocates its publisher identifier and
// advertises the topic if the handle has not done so already.
func (t *Topic) Publish(msg Message) bool {
	t.μ.Lock()
	if t.pubID == "" {
		t.pubID = t.conn.RequestPublisher(t.name)
		t.conn.addTopicRef(t.name, publishers)
	}
	if !t.advertised {
		t.advertiseLocked()
	}
	t.μ.Unlock()

	return t.conn.Send(opMessage{Op: opPublish, Topic: t.name, Msg: msg})
}
