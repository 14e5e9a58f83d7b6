package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

// HTTPGetWithAuth gets the url, optionally with a basic-auth or a bearer token
func HTTPGetWithAuth(ctx context.Context, url, authName, authPswd, authToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPGet: %w", err)
	}
	resp, err := doWithAuth(req, authName, authPswd, authToken)
	if err != nil {
		return nil, fmt.Errorf("HTTPGet: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("HTTPGet %s: %s: %s", url, resp.Status, body)
		if TemporaryCode(resp.StatusCode) {
			return nil, MakeTemporary(err)
		}
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// HTTPPostWithAuth posts the body to the url, optionally with a basic-auth or a bearer token
func HTTPPostWithAuth(ctx context.Context, url string, body io.Reader, authName, authPswd, authToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPPost: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	return doWithAuth(req, authName, authPswd, authToken)
}

func doWithAuth(req *http.Request, authName, authPswd, authToken string) (*http.Response, error) {
	if authName != "" {
		req.SetBasicAuth(authName, authPswd)
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	client := http.Client{}
	return client.Do(req)
}

// SendJSONRetry sends the json payload and returns the response body and status.
// Transport failures and transient statuses are retried with an exponential
// backoff and jitter ; other statuses are returned to the caller as-is.
func SendJSONRetry(ctx context.Context, method, url string, payload []byte, headers map[string]string, nbRetries int, timeout time.Duration) ([]byte, int, error) {
	var body []byte
	var status int
	var err error

	client := &http.Client{Timeout: timeout}
	wait := time.Second
	for i := 0; i <= nbRetries; i++ {
		if i > 0 {
			// Exponential backoff with jitter
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(wait + time.Duration(rand.Int63n(int64(wait)))):
			}
			wait *= 2
		}

		var req *http.Request
		if req, err = http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload)); err != nil {
			return nil, 0, fmt.Errorf("SendJSONRetry.NewRequest: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		var resp *http.Response
		if resp, err = client.Do(req); err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			continue
		}
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		status = resp.StatusCode
		if err == nil && !TemporaryCode(status) {
			return body, status, nil
		}
	}
	if err != nil {
		return nil, status, MakeTemporary(fmt.Errorf("SendJSONRetry %s %s: %w", method, url, err))
	}
	return body, status, nil
}
