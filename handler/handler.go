// Copyright (C) 2025 The rosbridge Authors. All Rights Reserved.

// Package handler provides adapters to the rosbridge.ServiceHandler and
// rosbridge.TopicHandler types for functions with typed signatures.
//
// Parameters and results may be any types that encode to and from JSON
// objects; they are converted through the structural rosbridge.Message form
// at the protocol boundary.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roslink/rosbridge"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request passed to the handler, or nil
// if ctx has no associated request. The context passed to a handler returned
// by this package will have this value.
func ContextRequest(ctx context.Context) *rosbridge.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*rosbridge.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a rosbridge.ServiceHandler. An
// error from f becomes a result=false response carrying the error text.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) rosbridge.ServiceHandler {
	return func(ctx context.Context, req rosbridge.Request) rosbridge.Outcome {
		var p P
		if err := decode(req.Args, &p); err != nil {
			return rosbridge.Failure(errValues(err))
		}
		hctx := context.WithValue(ctx, reqContextKey{}, &req)
		r, err := f(hctx, p)
		if err != nil {
			return rosbridge.Failure(errValues(err))
		}
		values, err := encode(r)
		if err != nil {
			return rosbridge.Failure(errValues(err))
		}
		return rosbridge.Reply(values)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a rosbridge.ServiceHandler.
func ParamResult[P, R any](f func(context.Context, P) R) rosbridge.ServiceHandler {
	return ParamResultError(func(ctx context.Context, p P) (R, error) {
		return f(ctx, p), nil
	})
}

// ParamError adapts a function f that accepts parameters of type P and
// returns an error with no result, to a rosbridge.ServiceHandler. Success
// produces an empty result=true response.
func ParamError[P any](f func(context.Context, P) error) rosbridge.ServiceHandler {
	return func(ctx context.Context, req rosbridge.Request) rosbridge.Outcome {
		var p P
		if err := decode(req.Args, &p); err != nil {
			return rosbridge.Failure(errValues(err))
		}
		hctx := context.WithValue(ctx, reqContextKey{}, &req)
		if err := f(hctx, p); err != nil {
			return rosbridge.Failure(errValues(err))
		}
		return rosbridge.Reply(nil)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a rosbridge.ServiceHandler.
func ResultError[R any](f func(context.Context) (R, error)) rosbridge.ServiceHandler {
	return func(ctx context.Context, req rosbridge.Request) rosbridge.Outcome {
		hctx := context.WithValue(ctx, reqContextKey{}, &req)
		r, err := f(hctx)
		if err != nil {
			return rosbridge.Failure(errValues(err))
		}
		values, err := encode(r)
		if err != nil {
			return rosbridge.Failure(errValues(err))
		}
		return rosbridge.Reply(values)
	}
}

// Topic adapts a function f that accepts a typed message T to a
// rosbridge.TopicHandler. Messages that do not decode into T are dropped.
func Topic[T any](f func(T)) rosbridge.TopicHandler {
	return func(msg rosbridge.Message) {
		var v T
		if err := decode(msg, &v); err != nil {
			return
		}
		f(v)
	}
}

// decode converts a structural message into v through its JSON encoding.
func decode(m rosbridge.Message, v any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// encode converts v into a structural message through its JSON encoding. The
// concrete type of v must encode to a JSON object.
func encode(v any) (rosbridge.Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m rosbridge.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("result of type %T is not an object: %w", v, err)
	}
	return m, nil
}

func errValues(err error) rosbridge.Message {
	return rosbridge.Message{"message": err.Error()}
}
