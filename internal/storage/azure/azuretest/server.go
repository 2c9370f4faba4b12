// Package azuretest provides an in-process stand-in for the subset of the
// Azure Blob REST API the azure adapter uses: blob properties, delete,
// append blobs and block blob uploads. Requests are not authenticated.
package azuretest

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"
)

// Account is the storage account name the server expects as the first path
// segment.
const Account = "devstoreaccount1"

// AccountKey is a syntactically valid shared key for Account.
var AccountKey = base64.StdEncoding.EncodeToString([]byte("xfer-azuretest-shared-key-000000"))

// Blob is a stored blob.
type Blob struct {
	Type        string
	ContentType string
	Data        []byte
	Appends     int
}

// Server is a fake blob endpoint backed by memory.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	blobs    map[string]*Blob
	staged   map[string]map[string][]byte
	requests []string
	// FailAppendAfter, when > 0, makes the append with that ordinal fail.
	FailAppendAfter int
	appends         int
}

// NewServer starts a fake server. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		blobs:  make(map[string]*Blob),
		staged: make(map[string]map[string][]byte),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Endpoint returns the account endpoint to configure the adapter with.
func (s *Server) Endpoint() string {
	return s.URL + "/" + Account
}

// Put seeds a block blob.
func (s *Server) Put(container, name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[container+"/"+name] = &Blob{Type: "BlockBlob", ContentType: "application/octet-stream", Data: append([]byte(nil), data...)}
}

// Get returns a copy of the stored blob.
func (s *Server) Get(container, name string) (Blob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[container+"/"+name]
	if !ok {
		return Blob{}, false
	}
	out := *b
	out.Data = append([]byte(nil), b.Data...)
	return out, true
}

// Names lists stored blob paths (container/name) in sorted order.
func (s *Server) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.blobs))
	for name := range s.blobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Requests returns "METHOD op container/name" entries in arrival order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 3)
	if len(parts) < 3 || parts[0] != Account {
		writeError(w, http.StatusBadRequest, "InvalidUri", "unexpected path "+r.URL.Path)
		return
	}
	key := parts[1] + "/" + parts[2]
	comp := r.URL.Query().Get("comp")

	s.mu.Lock()
	defer s.mu.Unlock()
	op := comp
	if op == "" {
		op = strings.ToLower(r.Header.Get("x-ms-blob-type"))
	}
	s.requests = append(s.requests, strings.TrimSpace(r.Method+" "+op)+" "+key)

	switch {
	case r.Method == http.MethodHead:
		b, ok := s.blobs[key]
		if !ok {
			w.Header().Set("x-ms-error-code", "BlobNotFound")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(b.Data)))
		w.Header().Set("Content-Type", b.ContentType)
		w.Header().Set("x-ms-blob-type", b.Type)
		writeCommon(w)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		b, ok := s.blobs[key]
		if !ok {
			writeError(w, http.StatusNotFound, "BlobNotFound", "The specified blob does not exist.")
			return
		}
		w.Header().Set("Content-Type", b.ContentType)
		w.Header().Set("Content-Length", fmt.Sprint(len(b.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b.Data)
	case r.Method == http.MethodDelete:
		if _, ok := s.blobs[key]; !ok {
			writeError(w, http.StatusNotFound, "BlobNotFound", "The specified blob does not exist.")
			return
		}
		delete(s.blobs, key)
		writeCommon(w)
		w.WriteHeader(http.StatusAccepted)
	case r.Method == http.MethodPut && comp == "appendblock":
		b, ok := s.blobs[key]
		if !ok || b.Type != "AppendBlob" {
			writeError(w, http.StatusNotFound, "BlobNotFound", "The specified blob does not exist.")
			return
		}
		s.appends++
		if s.FailAppendAfter > 0 && s.appends >= s.FailAppendAfter {
			writeError(w, http.StatusForbidden, "AuthorizationFailure", "append rejected")
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidInput", err.Error())
			return
		}
		b.Data = append(b.Data, data...)
		b.Appends++
		writeCommon(w)
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPut && comp == "block":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidInput", err.Error())
			return
		}
		if s.staged[key] == nil {
			s.staged[key] = make(map[string][]byte)
		}
		s.staged[key][r.URL.Query().Get("blockid")] = data
		writeCommon(w)
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPut && comp == "blocklist":
		var list struct {
			Latest      []string `xml:"Latest"`
			Uncommitted []string `xml:"Uncommitted"`
			Committed   []string `xml:"Committed"`
		}
		if err := xml.NewDecoder(r.Body).Decode(&list); err != nil {
			writeError(w, http.StatusBadRequest, "InvalidXmlDocument", err.Error())
			return
		}
		ids := append(append(list.Committed, list.Uncommitted...), list.Latest...)
		var data []byte
		for _, id := range ids {
			data = append(data, s.staged[key][id]...)
		}
		delete(s.staged, key)
		s.blobs[key] = &Blob{Type: "BlockBlob", ContentType: contentType(r.Header.Get("x-ms-blob-content-type")), Data: data}
		writeCommon(w)
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPut && comp == "":
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidInput", err.Error())
			return
		}
		blobType := r.Header.Get("x-ms-blob-type")
		ct := r.Header.Get("x-ms-blob-content-type")
		if ct == "" {
			ct = r.Header.Get("Content-Type")
		}
		s.blobs[key] = &Blob{Type: blobType, ContentType: contentType(ct), Data: data}
		writeCommon(w)
		w.WriteHeader(http.StatusCreated)
	default:
		writeError(w, http.StatusNotImplemented, "NotImplemented", r.Method+" "+comp)
	}
}

func contentType(v string) string {
	if v == "" {
		return "application/octet-stream"
	}
	return v
}

func writeCommon(w http.ResponseWriter) {
	w.Header().Set("ETag", fmt.Sprintf("\"0x%X\"", time.Now().UnixNano()))
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.Header().Set("x-ms-version", "2023-11-03")
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("x-ms-error-code", code)
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<?xml version=\"1.0\" encoding=\"utf-8\"?><Error><Code>%s</Code><Message>%s</Message></Error>", code, msg)
}
