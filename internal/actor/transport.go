package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/tracing"
)

// Routes mounts the actor invocation endpoint:
// PUT /actors/{type}/{id}/method/{method}.
func Routes(rt *Runtime) http.Handler {
	r := chi.NewRouter()
	h := func(w http.ResponseWriter, req *http.Request) {
		actorType := chi.URLParam(req, "type")
		id := chi.URLParam(req, "id")
		method := chi.URLParam(req, "method")

		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctx := tracing.Extract(req.Context(), req.Header.Get("traceparent"), req.Header.Get("tracestate"))
		out, err := rt.Call(ctx, actorType, id, method, body)
		if err != nil {
			status := HTTPStatus(err)
			if status >= http.StatusInternalServerError {
				rt.logger.Error("actor call failed", zap.String("type", actorType), zap.String("id", id),
					zap.String("method", method), zap.String("stack", errors.ErrorStack(err)))
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if out == nil {
			out = json.RawMessage("null")
		}
		_, _ = w.Write(out)
	}
	r.Put("/actors/{type}/{id}/method/{method}", h)
	r.Post("/actors/{type}/{id}/method/{method}", h)
	return r
}

// HTTPStatus maps an actor error to a status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errors.NotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.NotValid):
		return http.StatusBadRequest
	case errors.Is(err, errors.AlreadyExists):
		return http.StatusConflict
	case errors.Is(err, errors.Timeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func errorFromStatus(status int, msg string) error {
	switch status {
	case http.StatusNotFound:
		return errors.NewNotFound(nil, msg)
	case http.StatusBadRequest:
		return errors.NewNotValid(nil, msg)
	case http.StatusConflict:
		return errors.NewAlreadyExists(nil, msg)
	case http.StatusGatewayTimeout:
		return errors.NewTimeout(nil, msg)
	}
	return errors.Errorf("actor call returned %d: %s", status, msg)
}

// Placement locates remote actor types. Hosts maps an actor type to a base
// URL; Template, a fmt pattern receiving the type, covers the rest.
type Placement struct {
	Hosts    map[string]string
	Template string
}

func (p Placement) URL(actorType string) (string, bool) {
	if u, ok := p.Hosts[actorType]; ok {
		return strings.TrimRight(u, "/"), true
	}
	if p.Template == "" {
		return "", false
	}
	return strings.TrimRight(fmt.Sprintf(p.Template, actorType), "/"), true
}

// Client calls actors in this process when their type is registered locally
// and over HTTP otherwise.
type Client struct {
	local     *Runtime
	http      *http.Client
	placement Placement
}

func NewClient(local *Runtime, httpClient *http.Client, placement Placement) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{local: local, http: httpClient, placement: placement}
}

// Call invokes method with body encoded as JSON and decodes the reply into
// out when it is non-nil.
func (c *Client) Call(ctx context.Context, actorType, id, method string, body, out any) error {
	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Annotatef(err, "encoding %s request", method)
		}
		raw = b
	}

	var (
		reply json.RawMessage
		err   error
	)
	if c.local != nil && c.local.Hosts(actorType) {
		reply, err = c.local.Call(ctx, actorType, id, method, raw)
	} else {
		reply, err = c.remote(ctx, actorType, id, method, raw)
	}
	if err != nil {
		return err
	}
	if out == nil || len(reply) == 0 || string(reply) == "null" {
		return nil
	}
	return errors.Annotatef(json.Unmarshal(reply, out), "decoding %s reply", method)
}

func (c *Client) remote(ctx context.Context, actorType, id, method string, body json.RawMessage) (json.RawMessage, error) {
	base, ok := c.placement.URL(actorType)
	if !ok {
		return nil, errors.NotFoundf("placement for actor type %q", actorType)
	}
	url := fmt.Sprintf("%s/actors/%s/%s/method/%s", base, actorType, id, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
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

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Timeoutf("%s/%s.%s", actorType, id, method)
		}
		return nil, errors.Annotatef(err, "calling %s/%s.%s", actorType, id, method)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if resp.StatusCode >= 300 {
		return nil, errorFromStatus(resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}
