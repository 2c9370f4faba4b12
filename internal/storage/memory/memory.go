package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/xfer/internal/clock"
	"pkt.systems/xfer/internal/storage"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// Mode is the write mode reported to transfers.
	Mode storage.WriteMode
	// BaseURL prefixes presigned and public URLs. It usually points at a
	// server running Handler.
	BaseURL string
	Clock   clock.Clock
}

// Store implements storage.Provider in memory; intended for tests and local
// experiments. Presigned URLs are served by Handler.
type Store struct {
	mu      sync.Mutex
	objs    map[string]*objectEntry
	events  []string
	fail    map[string]error
	failAt  map[string]int
	counts  map[string]int
	mode    storage.WriteMode
	baseURL string
	clock   clock.Clock
}

type objectEntry struct {
	payload     []byte
	contentType string
	public      bool
	updated     time.Time
	appendable  bool
}

// New returns a ready to use in-memory store.
func New(cfg Config) *Store {
	return &Store{
		objs:    make(map[string]*objectEntry),
		fail:    make(map[string]error),
		failAt:  make(map[string]int),
		counts:  make(map[string]int),
		mode:    cfg.Mode,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		clock:   clock.OrReal(cfg.Clock),
	}
}

// SetBaseURL updates the prefix used for generated URLs.
func (s *Store) SetBaseURL(base string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = strings.TrimSuffix(base, "/")
}

// FailOn makes every call of op fail with err. Ops are "presign", "exists",
// "delete", "create", "append" and "upload". A nil err clears the failure.
func (s *Store) FailOn(op string, err error) {
	s.FailAfter(op, 0, err)
}

// FailAfter makes op fail with err once it has succeeded n times.
func (s *Store) FailAfter(op string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		delete(s.failAt, op)
		return
	}
	s.fail[op] = err
	s.failAt[op] = n
}

// Put seeds an object.
func (s *Store) Put(loc storage.Locator, data []byte, contentType string, public bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objs[loc.String()] = &objectEntry{
		payload:     append([]byte(nil), data...),
		contentType: contentType,
		public:      public,
		updated:     s.clock.Now(),
	}
}

// Object returns a copy of the object payload at loc.
func (s *Store) Object(loc storage.Locator) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objs[loc.String()]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.payload...), true
}

// Info returns metadata for the object at loc.
func (s *Store) Info(loc storage.Locator) (storage.ObjectInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objs[loc.String()]
	if !ok {
		return storage.ObjectInfo{}, false
	}
	return storage.ObjectInfo{
		Locator:      loc,
		Size:         int64(len(obj.payload)),
		ContentType:  obj.contentType,
		LastModified: obj.updated,
	}, true
}

// Public reports whether the object at loc was written as publicly readable.
func (s *Store) Public(loc storage.Locator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objs[loc.String()]
	return ok && obj.public
}

// Keys lists every stored container/key in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objs))
	for k := range s.objs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Events returns the "op container/key" log of calls in arrival order.
func (s *Store) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// record logs the call and returns the injected failure for op, if any.
// Callers hold s.mu.
func (s *Store) record(op string, loc storage.Locator) error {
	s.events = append(s.events, op+" "+loc.String())
	err, ok := s.fail[op]
	if !ok {
		return nil
	}
	if s.counts[op] >= s.failAt[op] {
		return err
	}
	s.counts[op]++
	return nil
}

// Name identifies the backend in logs.
func (s *Store) Name() string { return "memory" }

// Namespace is unique per Store.
func (s *Store) Namespace() string { return fmt.Sprintf("memory:%p", s) }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// PresignRead returns a URL served by Handler until now+ttl.
func (s *Store) PresignRead(ctx context.Context, loc storage.Locator, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("presign", loc); err != nil {
		return "", err
	}
	if err := loc.Validate(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", fmt.Errorf("memory: presign expiry must be positive")
	}
	expires := s.clock.Now().Add(ttl).Unix()
	return s.objectURL(loc) + "?expires=" + strconv.FormatInt(expires, 10) + "&sig=memory", nil
}

// ObjectURL returns the unsigned URL of loc.
func (s *Store) ObjectURL(loc storage.Locator) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objectURL(loc)
}

func (s *Store) objectURL(loc storage.Locator) string {
	u := url.URL{Path: "/" + loc.Container + "/" + strings.TrimPrefix(loc.Key, "/")}
	return s.baseURL + u.EscapedPath()
}

// Exists reports whether loc is present.
func (s *Store) Exists(ctx context.Context, loc storage.Locator) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("exists", loc); err != nil {
		return false, err
	}
	_, ok := s.objs[loc.String()]
	return ok, nil
}

// Delete removes loc, returning storage.ErrNotFound when it is missing.
func (s *Store) Delete(ctx context.Context, loc storage.Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("delete", loc); err != nil {
		return err
	}
	if _, ok := s.objs[loc.String()]; !ok {
		return storage.ErrNotFound
	}
	delete(s.objs, loc.String())
	return nil
}

// WriteMode reports the configured mode.
func (s *Store) WriteMode() storage.WriteMode { return s.mode }

// UploadStream reads body to EOF and stores it at loc.
func (s *Store) UploadStream(ctx context.Context, loc storage.Locator, body io.Reader, opts storage.UploadOptions) (*storage.ObjectInfo, error) {
	s.mu.Lock()
	err := s.record("upload", loc)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return nil, fmt.Errorf("memory: read upload: %w", err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.objs[loc.String()] = &objectEntry{payload: buf.Bytes(), contentType: contentType, public: opts.Public, updated: now}
	return &storage.ObjectInfo{Locator: loc, Size: int64(buf.Len()), ContentType: contentType, LastModified: now}, nil
}

// CreateAppendable creates an empty appendable object at loc.
func (s *Store) CreateAppendable(ctx context.Context, loc storage.Locator, opts storage.UploadOptions) (storage.AppendHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("create", loc); err != nil {
		return nil, err
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	s.objs[loc.String()] = &objectEntry{contentType: contentType, public: opts.Public, updated: s.clock.Now(), appendable: true}
	return &appendHandle{store: s, loc: loc}, nil
}

type appendHandle struct {
	store *Store
	loc   storage.Locator
}

func (h *appendHandle) Locator() storage.Locator { return h.loc }

func (h *appendHandle) AppendBlock(ctx context.Context, block []byte) error {
	s := h.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("append", h.loc); err != nil {
		return err
	}
	obj, ok := s.objs[h.loc.String()]
	if !ok || !obj.appendable {
		return storage.ErrNotFound
	}
	obj.payload = append(obj.payload, block...)
	obj.updated = s.clock.Now()
	return nil
}

// Handler serves objects over HTTP at /container/key. Requests carrying an
// expires parameter are accepted until that unix time; requests without one
// are accepted only for public objects.
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		loc := storage.Locator{Container: parts[0], Key: parts[1]}

		s.mu.Lock()
		obj, ok := s.objs[loc.String()]
		var payload []byte
		var contentType string
		var public bool
		if ok {
			payload = append([]byte(nil), obj.payload...)
			contentType = obj.contentType
			public = obj.public
		}
		now := s.clock.Now()
		s.mu.Unlock()

		if raw := r.URL.Query().Get("expires"); raw != "" {
			expires, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || now.Unix() > expires {
				http.Error(w, "request has expired", http.StatusForbidden)
				return
			}
		} else if ok && !public {
			http.Error(w, "access denied", http.StatusForbidden)
			return
		}
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(payload)
		}
	})
}
