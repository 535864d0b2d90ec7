// Package invoke calls a built function image the way the hosting platform
// does, through the runtime interface emulator bundled with the base image.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	InvocationsPath = "/2015-03-31/functions/function/invocations"

	functionErrorHeader = "X-Amz-Function-Error"
)

// InvocationError is a failure reported by the function runtime. A bad
// entry point shows up here, e.g. Runtime.ImportModuleError or
// Runtime.HandlerNotFound.
type InvocationError struct {
	Type       string   `json:"errorType"`
	Message    string   `json:"errorMessage"`
	StackTrace []string `json:"stackTrace,omitempty"`
}

func (e *InvocationError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

type Client struct {
	Endpoint string
	HTTP     *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

// Invoke sends one event and returns the function's result payload.
func (c *Client) Invoke(ctx context.Context, event []byte) ([]byte, error) {
	if len(event) == 0 {
		event = []byte("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.Endpoint, "/")+InvocationsPath, bytes.NewReader(event))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		if invErr := decodeError(body); invErr != nil {
			return nil, invErr
		}
		return nil, fmt.Errorf("invoke returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	if invErr := decodeError(body); invErr != nil {
		return nil, invErr
	} else if t := resp.Header.Get(functionErrorHeader); t != "" {
		return nil, &InvocationError{Type: t, Message: string(bytes.TrimSpace(body))}
	}
	return body, nil
}

func decodeError(body []byte) *InvocationError {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil
	}
	var invErr InvocationError
	if err := json.Unmarshal(body, &invErr); err != nil || invErr.Type == "" {
		return nil
	}
	return &invErr
}
