package storage

import (
	"crypto/tls"
	"net/http"
	"time"
)

// DefaultTransport clones http.DefaultTransport with pool sizes suited to
// long-lived object storage clients.
func DefaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	ConfigureTransport(clone, insecure)
	return clone
}

// ConfigureTransport fills unset pool and timeout settings on tr and skips
// certificate verification when insecure is set. TLS settings already on tr,
// such as extra root CAs, are kept.
func ConfigureTransport(tr *http.Transport, insecure bool) {
	if tr.MaxIdleConns == 0 {
		tr.MaxIdleConns = 256
	}
	if tr.MaxIdleConnsPerHost == 0 {
		tr.MaxIdleConnsPerHost = 64
	}
	if tr.IdleConnTimeout == 0 {
		tr.IdleConnTimeout = 90 * time.Second
	}
	if tr.TLSHandshakeTimeout == 0 {
		tr.TLSHandshakeTimeout = 10 * time.Second
	}
	if tr.ExpectContinueTimeout == 0 {
		tr.ExpectContinueTimeout = 1 * time.Second
	}
	if insecure {
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{}
		}
		tr.TLSClientConfig.InsecureSkipVerify = true
	}
}
