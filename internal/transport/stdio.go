// Package transport adapts the dispatch core to its two front doors: a
// newline-delimited duplex stream and an HTTP listener.
package transport

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/localmem/memproxy/internal/identity"
	"github.com/localmem/memproxy/internal/proxy"
	"github.com/localmem/memproxy/internal/rpc"
)

// maxLineSize bounds a single stream message.
const maxLineSize = 1024 * 1024

// Stream serves newline-delimited JSON envelopes over an in/out pair,
// usually stdin/stdout. Every message on a stream belongs to the same
// identity, fixed at construction.
type Stream struct {
	core   *proxy.Core
	ident  identity.Identity
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

// NewStream creates a stream transport bound to one identity.
func NewStream(core *proxy.Core, ident identity.Identity, in io.Reader, out io.Writer, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{core: core, ident: ident, in: in, out: out, logger: logger}
}

// Run reads envelopes until the input closes or ctx is cancelled. Requests
// dispatch concurrently, but responses are written back in arrival order so
// interleaved handling never corrupts the stream. Notifications produce no
// output. Returns the scanner error, if any.
func (s *Stream) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	// Each request reserves a slot before dispatching; the writer drains
	// slots in order. A nil payload marks a notification.
	slots := make(chan chan []byte, 64)
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		for slot := range slots {
			payload := <-slot
			if payload == nil {
				continue
			}
			if _, err := s.out.Write(append(payload, '\n')); err != nil {
				s.logger.Error("writing response to stream", "error", err.Error())
			}
		}
	}()

	var dispatchWG sync.WaitGroup
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		slot := make(chan []byte, 1)
		slots <- slot
		dispatchWG.Add(1)
		go func(line string, slot chan []byte) {
			defer dispatchWG.Done()
			slot <- s.dispatch(ctx, line)
		}(line, slot)
	}

	dispatchWG.Wait()
	close(slots)
	writerWG.Wait()

	if err := scanner.Err(); err != nil {
		s.logger.Error("stream read failed", "error", err.Error())
		return err
	}
	return nil
}

// dispatch turns one raw line into an encoded response, or nil for a
// notification.
func (s *Stream) dispatch(ctx context.Context, line string) []byte {
	req, errResp := rpc.DecodeRequest([]byte(line))
	if errResp != nil {
		return encode(errResp, s.logger)
	}
	resp := s.core.Handle(ctx, req, s.ident)
	if req.IsNotification() {
		return nil
	}
	return encode(resp, s.logger)
}

func encode(resp *rpc.Response, logger *slog.Logger) []byte {
	raw, err := resp.Encode()
	if err != nil {
		logger.Error("encoding response", "error", err.Error())
		fallback, _ := rpc.NewError(resp.ID, rpc.CodeTransport, "response encoding failed").Encode()
		return fallback
	}
	return raw
}
