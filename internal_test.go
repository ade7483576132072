// Copyright (C) 2025 The rosbridge Authors. All Rights Reserved.

package rosbridge

import (
	"testing"
)

func TestIdentifierCounters(t *testing.T) {
	c := New("")

	c.RequestSubscriber("/a")
	c.RequestSubscriber("/b")
	c.RequestAdvertiser("/a")
	c.RequestPublisher("/a")
	c.RequestServiceCaller("/s")
	c.RequestServiceCaller("/s")

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.opSeq != 6 {
		t.Errorf("Shared counter: got %d, want 6", c.opSeq)
	}
	for _, probe := range []struct {
		name string
		got  uint64
		want uint64
	}{
		{"subscribe", c.numSub, 2},
		{"advertise", c.numAdv, 1},
		{"publish", c.numPub, 1},
		{"call_service", c.numCall, 2},
	} {
		if probe.got != probe.want {
			t.Errorf("Counter %s: got %d, want %d", probe.name, probe.got, probe.want)
		}
	}
}

func TestTopicRegistry(t *testing.T) {
	c := New("")

	tok1, first := c.addListener("/t", func(Message) {})
	if !first {
		t.Error("addListener 1: want first=true")
	}
	tok2, first := c.addListener("/t", func(Message) {})
	if first {
		t.Error("addListener 2: want first=false")
	}
	if tok1 == tok2 {
		t.Errorf("Duplicate listener token %d", tok1)
	}

	if last := c.removeListener("/t", tok1); last {
		t.Error("removeListener 1: want last=false")
	}
	if last := c.removeListener("/t", tok2); !last {
		t.Error("removeListener 2: want last=true")
	}

	// The registration is dropped once nothing refers to the topic.
	c.μ.Lock()
	_, ok := c.topics["/t"]
	c.μ.Unlock()
	if ok {
		t.Error("Topic registration survived the last listener")
	}

	// Reference counts keep the registration alive independently of
	// listeners.
	if first := c.addTopicRef("/t", advertisers); !first {
		t.Error("addTopicRef 1: want first=true")
	}
	if first := c.addTopicRef("/t", advertisers); first {
		t.Error("addTopicRef 2: want first=false")
	}
	if last := c.releaseTopicRef("/t", advertisers); last {
		t.Error("releaseTopicRef 1: want last=false")
	}
	if last := c.releaseTopicRef("/t", advertisers); !last {
		t.Error("releaseTopicRef 2: want last=true")
	}
}

func TestOutcomeZero(t *testing.T) {
	var out Outcome
	if out.kind != outcomeNone {
		t.Errorf("Zero outcome kind: got %v, want %v", out.kind, outcomeNone)
	}
	if r := Reply(Message{"x": 1}); r.kind != outcomeReply {
		t.Errorf("Reply kind: got %v, want %v", r.kind, outcomeReply)
	}
	if f := Failure(nil); f.kind != outcomeFail {
		t.Errorf("Failure kind: got %v, want %v", f.kind, outcomeFail)
	}
}
