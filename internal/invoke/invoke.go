package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/juju/errors"

	"github.com/zoravur/continuum/internal/tracing"
)

// Invoker calls a method on a service addressed by app id.
type Invoker interface {
	// Invoke POSTs body as JSON to method on appID and decodes the reply into
	// out when out is non-nil.
	Invoke(ctx context.Context, appID, method string, body, out any) error
	// Stream POSTs body and returns the raw reply body for incremental reads.
	Stream(ctx context.Context, appID, method string, body any) (io.ReadCloser, error)
}

// Resolver maps app ids to base URLs. Overrides win over Template, which is a
// fmt pattern receiving the app id, e.g. "http://%s".
type Resolver struct {
	Template  string
	Overrides map[string]string
}

func (r Resolver) Resolve(appID string) string {
	if u, ok := r.Overrides[appID]; ok {
		return strings.TrimRight(u, "/")
	}
	tmpl := r.Template
	if tmpl == "" {
		tmpl = "http://%s"
	}
	return strings.TrimRight(fmt.Sprintf(tmpl, appID), "/")
}

// HTTPInvoker invokes methods over plain HTTP.
type HTTPInvoker struct {
	client   *http.Client
	resolver Resolver
}

func NewHTTPInvoker(client *http.Client, resolver Resolver) *HTTPInvoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPInvoker{client: client, resolver: resolver}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, appID, method string, body, out any) error {
	rc, err := h.Stream(ctx, appID, method, body)
	if err != nil {
		return err
	}
	defer rc.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, rc)
		return nil
	}
	if err := json.NewDecoder(rc).Decode(out); err != nil && err != io.EOF {
		return errors.Annotatef(err, "decoding reply of %s/%s", appID, method)
	}
	return nil
}

func (h *HTTPInvoker) Stream(ctx context.Context, appID, method string, body any) (io.ReadCloser, error) {
	var payload []byte
	switch v := body.(type) {
	case nil:
	case json.RawMessage:
		payload = v
	case []byte:
		payload = v
	default:
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Annotatef(err, "encoding request for %s/%s", appID, method)
		}
		payload = b
	}

	url := h.resolver.Resolve(appID) + "/" + strings.TrimLeft(method, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tp, ts := tracing.Inject(ctx); tp != "" {
		req.Header.Set("traceparent", tp)
		if ts != "" {
			req.Header.Set("tracestate", ts)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Timeoutf("invoking %s/%s", appID, method)
		}
		return nil, errors.Annotatef(err, "invoking %s/%s", appID, method)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, StatusError(appID, method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp.Body, nil
}

// StatusError maps a failed reply to an error kind.
func StatusError(appID, method string, status int, msg string) error {
	switch status {
	case http.StatusNotFound:
		return errors.NotFoundf("%s/%s: %s", appID, method, msg)
	case http.StatusBadRequest:
		return errors.NewNotValid(nil, msg)
	case http.StatusGatewayTimeout:
		return errors.Timeoutf("%s/%s: %s", appID, method, msg)
	}
	return errors.Errorf("%s/%s returned %d: %s", appID, method, status, msg)
}
