package connect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
)

type ApiSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultApiSettings() *ApiSettings {
	return &ApiSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

func (self *ApiSettings) client() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: self.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		Proxy:               http.ProxyFromEnvironment,
		TLSHandshakeTimeout: self.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   self.HttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type PublishUrlCallback apiCallback[*PublishUrlResult]

type PublishUrlResult struct {
	StatusCode int
	Body       string
}

// out of band bulk injection: the server pulls `eventUrl` and injects its events into the window
// the request bypasses the websocket. The callback receives the http result.
func (self *ServerConnection) PublishUrl(path string, eventUrl string, blocksize int, callback PublishUrlCallback) {
	if callback == nil {
		callback = NewNoopApiCallback[*PublishUrlResult]()
	}
	go put(
		self.ctx,
		self.settings.ApiSettings,
		self.publishUrlUrl(path, eventUrl, blocksize),
		self.conn.Authorization(),
		callback,
	)
}

func (self *ServerConnection) publishUrlUrl(path string, eventUrl string, blocksize int) string {
	params := &urlParams{}
	params.Add("value", "injected")
	params.Add("eventUrl", eventUrl)
	if 0 < blocksize {
		params.AddInt("blocksize", blocksize)
	}
	return self.httpUrl(fmt.Sprintf("windows/%s/state", path), params)
}

func put(
	ctx context.Context,
	settings *ApiSettings,
	url string,
	authorization string,
	callback apiCallback[*PublishUrlResult],
) (*PublishUrlResult, error) {
	req, err := http.NewRequestWithContext(ctx, "PUT", url, nil)
	if err != nil {
		callback.Result(nil, err)
		return nil, err
	}

	if authorization != "" {
		req.Header.Add("Authorization", authorization)
	}

	r, err := settings.client().Do(req)
	if err != nil {
		glog.Infof("[api]put %s error = %s\n", url, err)
		callback.Result(nil, err)
		return nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	result := &PublishUrlResult{
		StatusCode: r.StatusCode,
		Body:       string(responseBodyBytes),
	}
	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(result.Body)
		if errorMessage == "" {
			errorMessage = r.Status
		}
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	glog.V(LogLevelLifecycle).Infof("[api]put %s = %d\n", url, r.StatusCode)
	callback.Result(result, nil)
	return result, nil
}
