// Copyright (C) 2025 The rosbridge Authors. All Rights Reserved.

// Package channel provides implementations of the rosbridge.Channel
// interface.
package channel

import (
	"bufio"
	"bytes"
	"io"
	"net"

	"github.com/roslink/rosbridge"
)

// Direct constructs a connected pair of in-memory channels that pass frames
// directly without copying. Frames sent to A are received by B and vice
// versa.
func Direct() (A, B rosbridge.Channel) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	A = direct{send: a2b, recv: b2a}
	B = direct{send: b2a, recv: a2b}
	return
}

type direct struct {
	send, recv chan []byte
}

// Send implements a method of the [rosbridge.Channel] interface.
func (d direct) Send(frame []byte) (err error) {
	defer safeClose(&err)
	d.send <- frame
	return nil
}

// Recv implements a method of the [rosbridge.Channel] interface.
func (d direct) Recv() ([]byte, error) {
	frame, ok := <-d.recv
	if !ok {
		return nil, net.ErrClosed
	}
	return frame, nil
}

// Close implements a method of the [rosbridge.Channel] interface. Closing
// either side terminates traffic in both directions.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.send)
	close(d.recv)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc. Frames are
// delimited by newlines; this works for rosbridge traffic because a JSON
// encoding never contains an unescaped newline.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives newline-delimited frames on a reader and a
// writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [rosbridge.Channel] interface.
func (c IOChannel) Send(frame []byte) error {
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [rosbridge.Channel] interface.
func (c IOChannel) Recv() ([]byte, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		// A final frame without a trailing newline is still a frame.
		if err == io.EOF && len(bytes.TrimSpace(line)) != 0 {
			return line, nil
		}
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// Close implements a method of the [rosbridge.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }
