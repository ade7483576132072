// Copyright (C) 2025 The rosbridge Authors. All Rights Reserved.

package handler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/roslink/rosbridge"
	"github.com/roslink/rosbridge/handler"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addResult struct {
	Sum int `json:"sum"`
}

var outcomeOpt = cmp.AllowUnexported(rosbridge.Outcome{})

func TestAdapters(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		h    rosbridge.ServiceHandler
		args rosbridge.Message
		want rosbridge.Outcome
	}{
		{"ParamResultError",
			handler.ParamResultError(func(_ context.Context, in addArgs) (addResult, error) {
				return addResult{Sum: in.A + in.B}, nil
			}),
			rosbridge.Message{"a": 2, "b": 3},
			rosbridge.Reply(rosbridge.Message{"sum": 5.0}),
		},
		{"ParamResultErrorFails",
			handler.ParamResultError(func(context.Context, addArgs) (addResult, error) {
				return addResult{}, errors.New("sums unavailable")
			}),
			rosbridge.Message{"a": 1, "b": 1},
			rosbridge.Failure(rosbridge.Message{"message": "sums unavailable"}),
		},
		{"ParamResult",
			handler.ParamResult(func(_ context.Context, in addArgs) addResult {
				return addResult{Sum: in.A * in.B}
			}),
			rosbridge.Message{"a": 3, "b": 4},
			rosbridge.Reply(rosbridge.Message{"sum": 12.0}),
		},
		{"ParamError",
			handler.ParamError(func(_ context.Context, in addArgs) error {
				if in.A < 0 {
					return errors.New("negative")
				}
				return nil
			}),
			rosbridge.Message{"a": 1},
			rosbridge.Reply(nil),
		},
		{"ParamErrorFails",
			handler.ParamError(func(_ context.Context, in addArgs) error {
				return errors.New("negative")
			}),
			rosbridge.Message{"a": -1},
			rosbridge.Failure(rosbridge.Message{"message": "negative"}),
		},
		{"ResultError",
			handler.ResultError(func(context.Context) (addResult, error) {
				return addResult{Sum: 42}, nil
			}),
			nil,
			rosbridge.Reply(rosbridge.Message{"sum": 42.0}),
		},
		{"BadArgs",
			handler.ParamError(func(context.Context, addArgs) error { return nil }),
			rosbridge.Message{"a": "not a number"},
			rosbridge.Failure(rosbridge.Message{
				"message": "json: cannot unmarshal string into Go struct field addArgs.a of type int",
			}),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := test.h(ctx, rosbridge.Request{Service: "/test", ID: "t:1", Args: test.args})
			if diff := cmp.Diff(test.want, got, outcomeOpt); diff != "" {
				t.Errorf("Outcome (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestContextRequest(t *testing.T) {
	req := rosbridge.Request{Service: "/probe", ID: "op-5", Args: rosbridge.Message{"q": 1}}

	var got *rosbridge.Request
	h := handler.ParamError(func(ctx context.Context, _ addArgs) error {
		got = handler.ContextRequest(ctx)
		return nil
	})
	h(context.Background(), req)

	if got == nil {
		t.Fatal("ContextRequest: got nil, want the request")
	}
	if diff := cmp.Diff(req, *got); diff != "" {
		t.Errorf("Request (-want, +got):\n%s", diff)
	}

	if r := handler.ContextRequest(context.Background()); r != nil {
		t.Errorf("ContextRequest without a request: got %v, want nil", r)
	}
}

func TestTopicAdapter(t *testing.T) {
	type twist struct {
		Linear struct {
			X float64 `json:"x"`
		} `json:"linear"`
	}

	var got []float64
	h := handler.Topic(func(m twist) { got = append(got, m.Linear.X) })

	h(rosbridge.Message{"linear": rosbridge.Message{"x": 1.5}})
	h(rosbridge.Message{"linear": "garbage"}) // dropped: does not decode
	h(rosbridge.Message{"linear": rosbridge.Message{"x": 2.5}})

	if diff := cmp.Diff([]float64{1.5, 2.5}, got); diff != "" {
		t.Errorf("Deliveries (-want, +got):\n%s", diff)
	}
}
