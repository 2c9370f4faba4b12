// Package stream moves bytes from an HTTP-like source into a destination in
// fixed-size chunks with exactly one chunk in flight.
//
// Failures are not rolled back. In append mode a failure after the first
// append leaves a partially written object at the destination; callers that
// care must remove it themselves.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"pkt.systems/pslog"
)

// DefaultChunkSize is the chunk size used when Copier.ChunkSize is zero.
const DefaultChunkSize = 1024

// Mode selects how bytes reach the destination.
type Mode int

const (
	// ModeStream hands the destination a single reader that yields at most
	// one chunk per Read.
	ModeStream Mode = iota
	// ModeAppend creates an empty appendable object and appends every chunk.
	ModeAppend
)

func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeAppend:
		return "append"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State is a step of a single copy.
type State int

const (
	StateNotStarted State = iota
	StateSourceOpened
	StateDestinationInitialized
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateSourceOpened:
		return "source_opened"
	case StateDestinationInitialized:
		return "destination_initialized"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Origin is an opened source stream.
type Origin struct {
	Status int
	Body   io.ReadCloser
}

// Opener opens the source. It is called exactly once per Copy.
type Opener func(ctx context.Context) (*Origin, error)

// StatusError reports a non-2xx source status.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream: source returned status %d", e.Status)
}

// Appender extends an appendable destination object. The chunk slice is
// reused after Append returns.
type Appender interface {
	Append(ctx context.Context, chunk []byte) error
}

// Target is the destination side of a copy.
type Target interface {
	Mode() Mode
	// Upload consumes r until EOF. Used in ModeStream.
	Upload(ctx context.Context, r io.Reader) error
	// Create makes an empty appendable object. Used in ModeAppend.
	Create(ctx context.Context) (Appender, error)
}

// Result describes a finished copy.
type Result struct {
	State  State
	Mode   Mode
	Bytes  int64
	Chunks int
	// FailedAt is the state the copy was in when it failed.
	FailedAt State
	Err      error
}

// Copier copies a source into a Target. The zero value uses DefaultChunkSize.
type Copier struct {
	ChunkSize int
	// OnState, when set, observes every state transition in order.
	OnState func(State)
	Logger  pslog.Logger
}

// Copy opens the source, checks its status, and moves every byte into target.
// The returned Result is populated on both success and failure; the error is
// also stored in Result.Err.
func (c *Copier) Copy(ctx context.Context, open Opener, target Target) (Result, error) {
	if open == nil || target == nil {
		return Result{State: StateNotStarted}, errors.New("stream: opener and target required")
	}
	chunkSize := c.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 0 {
		return Result{State: StateNotStarted}, fmt.Errorf("stream: invalid chunk size %d", chunkSize)
	}
	logger := c.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	run := &run{copier: c, logger: logger, res: Result{State: StateNotStarted, Mode: target.Mode()}}
	if err := ctx.Err(); err != nil {
		return run.fail(err)
	}

	origin, err := open(ctx)
	if err != nil {
		return run.fail(fmt.Errorf("stream: open source: %w", err))
	}
	if origin == nil || origin.Body == nil {
		return run.fail(errors.New("stream: source has no body"))
	}
	defer origin.Body.Close()
	if origin.Status < 200 || origin.Status > 299 {
		return run.fail(&StatusError{Status: origin.Status})
	}
	run.transition(StateSourceOpened)
	logger.Trace("stream.copy.source_opened", "status", origin.Status, "mode", run.res.Mode, "chunk_size", chunkSize)

	switch run.res.Mode {
	case ModeAppend:
		err = run.appendChunks(ctx, origin.Body, target, chunkSize)
	case ModeStream:
		err = run.streamChunks(ctx, origin.Body, target, chunkSize)
	default:
		err = fmt.Errorf("stream: unsupported mode %v", run.res.Mode)
	}
	if err != nil {
		return run.fail(err)
	}
	run.transition(StateCompleted)
	logger.Debug("stream.copy.completed", "bytes", run.res.Bytes, "chunks", run.res.Chunks, "mode", run.res.Mode)
	return run.res, nil
}

type run struct {
	copier *Copier
	logger pslog.Logger
	res    Result
}

func (r *run) transition(next State) {
	r.res.State = next
	if r.copier.OnState != nil {
		r.copier.OnState(next)
	}
}

func (r *run) fail(err error) (Result, error) {
	r.res.FailedAt = r.res.State
	r.res.Err = err
	r.transition(StateFailed)
	r.logger.Debug("stream.copy.failed", "failed_at", r.res.FailedAt, "bytes", r.res.Bytes, "chunks", r.res.Chunks, "error", err)
	return r.res, err
}

func (r *run) appendChunks(ctx context.Context, body io.Reader, target Target, chunkSize int) error {
	appender, err := target.Create(ctx)
	if err != nil {
		return fmt.Errorf("stream: create destination: %w", err)
	}
	if appender == nil {
		return errors.New("stream: create destination: nil appender")
	}
	r.transition(StateDestinationInitialized)
	r.transition(StateStreaming)

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := io.ReadFull(body, buf)
		if n > 0 {
			if err := appender.Append(ctx, buf[:n]); err != nil {
				return fmt.Errorf("stream: append chunk %d: %w", r.res.Chunks+1, err)
			}
			r.res.Chunks++
			r.res.Bytes += int64(n)
			r.logger.Trace("stream.copy.chunk", "chunk", r.res.Chunks, "size", n, "total", r.res.Bytes)
		}
		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("stream: read chunk %d: %w", r.res.Chunks+1, readErr)
		}
	}
}

func (r *run) streamChunks(ctx context.Context, body io.Reader, target Target, chunkSize int) error {
	r.transition(StateStreaming)
	reader := &chunkReader{ctx: ctx, r: body, max: chunkSize, run: r}
	if err := target.Upload(ctx, reader); err != nil {
		if reader.readErr != nil {
			return fmt.Errorf("stream: read chunk %d: %w", r.res.Chunks+1, reader.readErr)
		}
		return fmt.Errorf("stream: upload: %w", err)
	}
	if reader.readErr != nil {
		return fmt.Errorf("stream: read chunk %d: %w", r.res.Chunks+1, reader.readErr)
	}
	return nil
}

// chunkReader caps every Read at max bytes, counts what passes through and
// stops at context cancellation.
type chunkReader struct {
	ctx     context.Context
	r       io.Reader
	max     int
	run     *run
	readErr error
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.readErr != nil {
		return 0, c.readErr
	}
	if err := c.ctx.Err(); err != nil {
		c.readErr = err
		return 0, err
	}
	if len(p) > c.max {
		p = p[:c.max]
	}
	n, err := c.r.Read(p)
	if n > 0 {
		c.run.res.Chunks++
		c.run.res.Bytes += int64(n)
		c.run.logger.Trace("stream.copy.chunk", "chunk", c.run.res.Chunks, "size", n, "total", c.run.res.Bytes)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		c.readErr = err
	}
	return n, err
}
