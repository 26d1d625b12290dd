package fetch

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// newHTTPClient returns a download client with pooled connections.
// connect bounds dialing and the TLS handshake, read bounds the wait for
// response headers. Body reads are bounded separately by idleReader.
func newHTTPClient(connect, read time.Duration, insecure bool) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: read,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit one-shot fallback
	}
	return &http.Client{Transport: transport}
}
