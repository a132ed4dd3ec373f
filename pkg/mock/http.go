package mock

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"
)

// HTTPClient is mock of adaptor.HTTPClient. It records requests and their bodies
// and returns RespBody, or Routes[URL without query] if it is set.
type HTTPClient struct {
	Requests []*http.Request
	Bodies   [][]byte
	RespCode int
	RespBody string
	Routes   map[string]string
	Err      error

	mutex sync.Mutex
}

func (x *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	x.Requests = append(x.Requests, req)
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	x.Bodies = append(x.Bodies, body)

	if x.Err != nil {
		return nil, x.Err
	}

	code := x.RespCode
	if code == 0 {
		code = http.StatusOK
	}

	resp := x.RespBody
	if x.Routes != nil {
		u := *req.URL
		u.RawQuery = ""
		routed, ok := x.Routes[u.String()]
		if !ok {
			return &http.Response{
				StatusCode: http.StatusNotFound,
				Body:       io.NopCloser(strings.NewReader("not found")),
				Request:    req,
			}, nil
		}
		resp = routed
	}

	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(bytes.NewReader([]byte(resp))),
		Request:    req,
	}, nil
}

// Count returns number of received requests
func (x *HTTPClient) Count() int {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	return len(x.Requests)
}
