package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

type recordingTarget struct {
	mode      Mode
	ops       []string
	chunks    [][]byte
	uploaded  []byte
	readSizes []int
	createErr error
	appendErr error
	failAt    int
	uploadErr error
}

func (t *recordingTarget) Mode() Mode { return t.mode }

func (t *recordingTarget) Upload(ctx context.Context, r io.Reader) error {
	t.ops = append(t.ops, "upload")
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			t.readSizes = append(t.readSizes, n)
			t.uploaded = append(t.uploaded, buf[:n]...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	return t.uploadErr
}

func (t *recordingTarget) Create(ctx context.Context) (Appender, error) {
	t.ops = append(t.ops, "create")
	if t.createErr != nil {
		return nil, t.createErr
	}
	return t, nil
}

func (t *recordingTarget) Append(ctx context.Context, chunk []byte) error {
	t.ops = append(t.ops, "append")
	if t.appendErr != nil && len(t.chunks)+1 == t.failAt {
		return t.appendErr
	}
	t.chunks = append(t.chunks, append([]byte(nil), chunk...))
	return nil
}

func openBytes(status int, payload []byte) Opener {
	return func(context.Context) (*Origin, error) {
		return &Origin{Status: status, Body: io.NopCloser(bytes.NewReader(payload))}, nil
	}
}

func payloadOf(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

func TestCopyAppendChunksExact(t *testing.T) {
	payload := payloadOf(2500)
	target := &recordingTarget{mode: ModeAppend}
	var states []State
	copier := &Copier{ChunkSize: 1024, OnState: func(s State) { states = append(states, s) }}

	res, err := copier.Copy(context.Background(), openBytes(http.StatusOK, payload), target)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if res.State != StateCompleted || res.Bytes != 2500 || res.Chunks != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	want := []int{1024, 1024, 452}
	if len(target.chunks) != len(want) {
		t.Fatalf("chunks=%d want %d", len(target.chunks), len(want))
	}
	for i, size := range want {
		if len(target.chunks[i]) != size {
			t.Fatalf("chunk %d size=%d want %d", i, len(target.chunks[i]), size)
		}
	}
	if got := bytes.Join(target.chunks, nil); !bytes.Equal(got, payload) {
		t.Fatalf("appended bytes differ from source")
	}
	if target.ops[0] != "create" {
		t.Fatalf("expected create first, got %v", target.ops)
	}
	wantStates := []State{StateSourceOpened, StateDestinationInitialized, StateStreaming, StateCompleted}
	if len(states) != len(wantStates) {
		t.Fatalf("states=%v want %v", states, wantStates)
	}
	for i := range wantStates {
		if states[i] != wantStates[i] {
			t.Fatalf("states=%v want %v", states, wantStates)
		}
	}
}

func TestCopyAppendExactMultiple(t *testing.T) {
	target := &recordingTarget{mode: ModeAppend}
	res, err := (&Copier{ChunkSize: 512}).Copy(context.Background(), openBytes(http.StatusOK, payloadOf(2048)), target)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if res.Chunks != 4 || len(target.chunks) != 4 {
		t.Fatalf("expected 4 full chunks, got %d (%d appended)", res.Chunks, len(target.chunks))
	}
}

func TestCopyZeroLength(t *testing.T) {
	appendTarget := &recordingTarget{mode: ModeAppend}
	res, err := (&Copier{}).Copy(context.Background(), openBytes(http.StatusOK, nil), appendTarget)
	if err != nil {
		t.Fatalf("append copy: %v", err)
	}
	if res.Bytes != 0 || res.Chunks != 0 || res.State != StateCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(appendTarget.ops) != 1 || appendTarget.ops[0] != "create" {
		t.Fatalf("expected create with zero appends, got %v", appendTarget.ops)
	}

	streamTarget := &recordingTarget{mode: ModeStream}
	res, err = (&Copier{}).Copy(context.Background(), openBytes(http.StatusOK, nil), streamTarget)
	if err != nil {
		t.Fatalf("stream copy: %v", err)
	}
	if res.Bytes != 0 || len(streamTarget.ops) != 1 || streamTarget.ops[0] != "upload" {
		t.Fatalf("expected single empty upload, got %+v ops=%v", res, streamTarget.ops)
	}
}

func TestCopyBadStatusNeverTouchesDestination(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError, http.StatusMovedPermanently} {
		target := &recordingTarget{mode: ModeAppend}
		res, err := (&Copier{}).Copy(context.Background(), openBytes(status, []byte("denied")), target)
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.Status != status {
			t.Fatalf("status %d: expected StatusError, got %v", status, err)
		}
		if len(target.ops) != 0 {
			t.Fatalf("status %d: destination touched: %v", status, target.ops)
		}
		if res.State != StateFailed || res.FailedAt != StateNotStarted {
			t.Fatalf("status %d: unexpected result %+v", status, res)
		}
	}
}

func TestCopyAppendFailureMidStream(t *testing.T) {
	boom := errors.New("append rejected")
	target := &recordingTarget{mode: ModeAppend, appendErr: boom, failAt: 2}
	res, err := (&Copier{ChunkSize: 1024}).Copy(context.Background(), openBytes(http.StatusOK, payloadOf(3000)), target)
	if !errors.Is(err, boom) {
		t.Fatalf("expected append error, got %v", err)
	}
	if res.Chunks != 1 || res.Bytes != 1024 {
		t.Fatalf("expected one chunk committed, got %+v", res)
	}
	if res.FailedAt != StateStreaming {
		t.Fatalf("FailedAt=%v", res.FailedAt)
	}
	if len(target.chunks) != 1 {
		t.Fatalf("partial destination should keep first chunk, got %d", len(target.chunks))
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestCopyReadErrorPropagates(t *testing.T) {
	reset := errors.New("connection reset")
	open := func(context.Context) (*Origin, error) {
		return &Origin{Status: http.StatusOK, Body: io.NopCloser(&failingReader{data: payloadOf(1500), err: reset})}, nil
	}
	for _, mode := range []Mode{ModeAppend, ModeStream} {
		target := &recordingTarget{mode: mode}
		res, err := (&Copier{ChunkSize: 1024}).Copy(context.Background(), open, target)
		if !errors.Is(err, reset) {
			t.Fatalf("%v: expected read error, got %v", mode, err)
		}
		if res.State != StateFailed {
			t.Fatalf("%v: expected failed state, got %v", mode, res.State)
		}
	}
}

func TestCopyCreateFailure(t *testing.T) {
	boom := errors.New("container missing")
	target := &recordingTarget{mode: ModeAppend, createErr: boom}
	res, err := (&Copier{}).Copy(context.Background(), openBytes(http.StatusOK, payloadOf(10)), target)
	if !errors.Is(err, boom) {
		t.Fatalf("expected create error, got %v", err)
	}
	if res.FailedAt != StateSourceOpened {
		t.Fatalf("FailedAt=%v", res.FailedAt)
	}
}

func TestCopyOpenFailure(t *testing.T) {
	boom := errors.New("dial tcp: refused")
	target := &recordingTarget{mode: ModeAppend}
	_, err := (&Copier{}).Copy(context.Background(), func(context.Context) (*Origin, error) { return nil, boom }, target)
	if !errors.Is(err, boom) {
		t.Fatalf("expected open error, got %v", err)
	}
	if len(target.ops) != 0 {
		t.Fatalf("destination touched: %v", target.ops)
	}
}

func TestCopyStreamModeCapsReads(t *testing.T) {
	payload := payloadOf(5000)
	target := &recordingTarget{mode: ModeStream}
	res, err := (&Copier{ChunkSize: 1024}).Copy(context.Background(), openBytes(http.StatusOK, payload), target)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if !bytes.Equal(target.uploaded, payload) {
		t.Fatalf("uploaded bytes differ")
	}
	for i, n := range target.readSizes {
		if n > 1024 {
			t.Fatalf("read %d returned %d bytes, more than chunk size", i, n)
		}
	}
	if res.Bytes != 5000 || res.Chunks != len(target.readSizes) {
		t.Fatalf("unexpected result %+v (reads=%d)", res, len(target.readSizes))
	}
}

func TestCopyStreamUploadFailure(t *testing.T) {
	boom := errors.New("upload rejected")
	target := &recordingTarget{mode: ModeStream, uploadErr: boom}
	_, err := (&Copier{}).Copy(context.Background(), openBytes(http.StatusOK, []byte("abc")), target)
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "upload") {
		t.Fatalf("expected upload error, got %v", err)
	}
}

type cancelAfterFirst struct {
	recordingTarget
	cancel context.CancelFunc
}

func (c *cancelAfterFirst) Append(ctx context.Context, chunk []byte) error {
	c.cancel()
	return c.recordingTarget.Append(ctx, chunk)
}

func (c *cancelAfterFirst) Create(ctx context.Context) (Appender, error) {
	c.ops = append(c.ops, "create")
	return c, nil
}

func TestCopyHonoursCancellationBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	target := &cancelAfterFirst{recordingTarget: recordingTarget{mode: ModeAppend}, cancel: cancel}
	res, err := (&Copier{ChunkSize: 100}).Copy(ctx, openBytes(http.StatusOK, payloadOf(1000)), target)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Chunks != 1 {
		t.Fatalf("expected copy to stop after first chunk, got %d", res.Chunks)
	}
}

func TestCopyRejectsNegativeChunkSize(t *testing.T) {
	if _, err := (&Copier{ChunkSize: -1}).Copy(context.Background(), openBytes(http.StatusOK, nil), &recordingTarget{}); err == nil {
		t.Fatalf("expected error for negative chunk size")
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateNotStarted:             "not_started",
		StateSourceOpened:           "source_opened",
		StateDestinationInitialized: "destination_initialized",
		StateStreaming:              "streaming",
		StateCompleted:              "completed",
		StateFailed:                 "failed",
	}
	for state, want := range cases {
		if state.String() != want {
			t.Fatalf("%d.String()=%q want %q", int(state), state.String(), want)
		}
	}
	if !StateCompleted.Terminal() || !StateFailed.Terminal() || StateStreaming.Terminal() {
		t.Fatalf("unexpected Terminal() results")
	}
}
