package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Content type constants used when callers do not supply one.
const (
	ContentTypeOctetStream = "application/octet-stream"
)

// ErrNotFound indicates the requested object or container is missing.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrAccessDenied   = errors.New("storage: access denied")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Locator identifies one object: the bucket or Azure container plus the
// object key or blob name.
type Locator struct {
	Container string
	Key       string
}

// String renders the locator as container/key.
func (l Locator) String() string {
	return l.Container + "/" + strings.TrimPrefix(l.Key, "/")
}

// Validate ensures both parts of the locator are present.
func (l Locator) Validate() error {
	if strings.TrimSpace(l.Container) == "" {
		return fmt.Errorf("storage: container required")
	}
	if strings.TrimSpace(l.Key) == "" {
		return fmt.Errorf("storage: key required")
	}
	return nil
}

// WithKey returns a copy of l pointing at key within the same container.
func (l Locator) WithKey(key string) Locator {
	l.Key = key
	return l
}

// WriteMode describes how a destination accepts bytes.
type WriteMode int

const (
	// WriteModeStream hands the whole remaining stream to the destination in
	// one call; the destination pulls from it.
	WriteModeStream WriteMode = iota
	// WriteModeAppend creates an empty appendable object and extends it with
	// ordered blocks pushed by the caller.
	WriteModeAppend
)

func (m WriteMode) String() string {
	switch m {
	case WriteModeStream:
		return "stream"
	case WriteModeAppend:
		return "append"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseWriteMode maps "stream"/"append" (case-insensitive) to a WriteMode.
func ParseWriteMode(v string) (WriteMode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "stream", "bulk":
		return WriteModeStream, nil
	case "append", "append-block":
		return WriteModeAppend, nil
	default:
		return WriteModeStream, fmt.Errorf("storage: unknown write mode %q", v)
	}
}

// ObjectInfo captures metadata reported after a write.
type ObjectInfo struct {
	Locator      Locator
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// UploadOptions controls metadata applied to a destination object.
type UploadOptions struct {
	ContentType string
	// ContentLength is the expected payload size, or -1 when unknown.
	ContentLength int64
	// Public requests a publicly readable object where the backend supports
	// per-object ACLs.
	Public bool
}

// Source is the read side of a transfer.
type Source interface {
	// PresignRead returns a URL granting read access to loc for ttl.
	PresignRead(ctx context.Context, loc Locator, ttl time.Duration) (string, error)
	// ObjectURL returns the unsigned URL of loc, usable for public objects.
	ObjectURL(loc Locator) string
	Exists(ctx context.Context, loc Locator) (bool, error)
	// Delete removes loc. Backends that can tell report a missing object as
	// ErrNotFound; S3-style backends treat the delete as idempotent.
	Delete(ctx context.Context, loc Locator) error
}

// Destination is the write side of a transfer.
type Destination interface {
	Exists(ctx context.Context, loc Locator) (bool, error)
	Delete(ctx context.Context, loc Locator) error
	// WriteMode reports the preferred way of writing to this destination.
	WriteMode() WriteMode
	// UploadStream consumes body until EOF and stores it at loc.
	UploadStream(ctx context.Context, loc Locator, body io.Reader, opts UploadOptions) (*ObjectInfo, error)
	// CreateAppendable creates an empty appendable object at loc. Backends
	// without ordered block append return ErrNotImplemented.
	CreateAppendable(ctx context.Context, loc Locator, opts UploadOptions) (AppendHandle, error)
}

// AppendHandle extends an appendable object. Implementations must not retain
// the block slice after AppendBlock returns.
type AppendHandle interface {
	Locator() Locator
	AppendBlock(ctx context.Context, block []byte) error
}

// Provider is a backend usable on either side of a transfer.
type Provider interface {
	Source
	Destination
	// Name identifies the backend in logs ("aws", "azure", ...).
	Name() string
	Close() error
}

// Namespaced is implemented by providers that can name the object namespace
// they address. Two providers with equal namespaces reach the same objects
// for the same locator, whatever their credentials or region.
type Namespaced interface {
	Namespace() string
}

// S3Namespace names the bucket namespace behind an S3 endpoint given as
// host[:port] or URL. Every AWS endpoint shares one global namespace.
func S3Namespace(endpoint string) string {
	host := strings.ToLower(strings.TrimSpace(endpoint))
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?"); i >= 0 {
		host = host[:i]
	}
	if host == "" || host == "amazonaws.com" || strings.HasSuffix(host, ".amazonaws.com") || strings.HasSuffix(host, ".amazonaws.com:443") {
		return "s3:aws"
	}
	return "s3:" + strings.TrimSuffix(host, ":443")
}
