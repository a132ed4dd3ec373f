package adaptor

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/m-mizutani/threatwatch/pkg/errors"
	"golang.org/x/net/proxy"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const defaultHTTPTimeout = 30 * time.Second

// NewHTTPClient returns a plain HTTP client with timeout
func NewHTTPClient() HTTPClient {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// NewTorHTTPClient returns HTTP client that dials every connection through Tor
// SOCKS5 proxy at socksAddr (e.g. 127.0.0.1:9050). Host names are resolved by
// the proxy, so .onion addresses work.
func NewTorHTTPClient(socksAddr string, timeout time.Duration) (HTTPClient, error) {
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create SOCKS5 dialer").With("addr", socksAddr)
	}

	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support context").With("addr", socksAddr)
	}

	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return ctxDialer.DialContext(ctx, network, addr)
		},
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: timeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}
