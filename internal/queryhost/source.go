package queryhost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/juju/errors"

	"github.com/zoravur/continuum/internal/invoke"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/sourceapi"
)

// SourceClient talks to the query-api of a source.
type SourceClient interface {
	// Subscribe registers the subscription and returns its bootstrap data.
	Subscribe(ctx context.Context, sourceID string, req models.SubscriptionRequest) (*BootstrapIterator, error)
	Unsubscribe(ctx context.Context, sourceID, queryNodeID, queryID string) error
}

// BootstrapIterator reads a NDJSON stream of bootstrap elements.
//
//	it, err := sources.Subscribe(ctx, sourceID, req)
//	defer it.Close()
//	for it.Next() {
//		el := it.Element()
//	}
//	err = it.Err()
type BootstrapIterator struct {
	body io.ReadCloser
	dec  *json.Decoder
	cur  models.BootstrapElement
	err  error
}

func NewBootstrapIterator(body io.ReadCloser) *BootstrapIterator {
	return &BootstrapIterator{body: body, dec: json.NewDecoder(body)}
}

func (it *BootstrapIterator) Next() bool {
	if it.err != nil {
		return false
	}
	var el models.BootstrapElement
	if err := it.dec.Decode(&el); err != nil {
		if err != io.EOF {
			it.err = errors.Annotate(err, "reading bootstrap stream")
		}
		return false
	}
	it.cur = el
	return true
}

func (it *BootstrapIterator) Element() models.BootstrapElement {
	return it.cur
}

func (it *BootstrapIterator) Err() error {
	return it.err
}

func (it *BootstrapIterator) Close() error {
	return it.body.Close()
}

// HTTPSourceClient reaches {sourceId}-query-api through the invoker.
type HTTPSourceClient struct {
	Invoker  invoke.Invoker
	Resolver invoke.Resolver
	Client   *http.Client
}

func (c *HTTPSourceClient) Subscribe(ctx context.Context, sourceID string, req models.SubscriptionRequest) (*BootstrapIterator, error) {
	body, err := c.Invoker.Stream(ctx, sourceapi.AppID(sourceID), "subscription", req)
	if err != nil {
		return nil, errors.Annotatef(err, "subscribing to %s", sourceID)
	}
	return NewBootstrapIterator(body), nil
}

func (c *HTTPSourceClient) Unsubscribe(ctx context.Context, sourceID, queryNodeID, queryID string) error {
	appID := sourceapi.AppID(sourceID)
	target := strings.Join([]string{
		c.Resolver.Resolve(appID), "subscription", url.PathEscape(queryNodeID), url.PathEscape(queryID),
	}, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return errors.Trace(err)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Annotatef(err, "unsubscribing from %s", sourceID)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return invoke.StatusError(appID, "subscription", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
