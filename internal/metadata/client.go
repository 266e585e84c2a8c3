// Package metadata resolves token URIs to their JSON metadata documents.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/erc721-indexer/internal/fetcher"
	"github.com/sells-group/erc721-indexer/internal/model"
	"github.com/sells-group/erc721-indexer/internal/resilience"
)

// DefaultGateway is the public IPFS gateway used when none is configured.
const DefaultGateway = "https://ipfs.filebase.io/ipfs/"

// Getter reads a whole HTTP body. *fetcher.HTTPFetcher satisfies it.
type Getter interface {
	ReadAll(ctx context.Context, url string) ([]byte, error)
}

var _ Getter = (*fetcher.HTTPFetcher)(nil)

// Options configures a Client.
type Options struct {
	// Gateway is the base URL ipfs:// URIs are resolved against.
	Gateway string
	// Breaker configures the per-host circuit breakers.
	Breaker resilience.CircuitBreakerConfig
}

// Client fetches token metadata over IPFS gateways and plain HTTP.
type Client struct {
	get      Getter
	gateway  string
	breakers *resilience.ServiceBreakers
}

// New returns a Client reading through get.
func New(get Getter, opts Options) *Client {
	if opts.Gateway == "" {
		opts.Gateway = DefaultGateway
	}
	if opts.Breaker.ShouldTrip == nil {
		opts.Breaker.ShouldTrip = gatewayFailure
	}
	return &Client{
		get:      get,
		gateway:  opts.Gateway,
		breakers: resilience.NewServiceBreakers(opts.Breaker),
	}
}

// gatewayFailure ignores cancellation. A batch cancels sibling fetches when
// one item fails, which says nothing about the gateway.
func gatewayFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Breakers exposes the per-host breakers for status reporting.
func (c *Client) Breakers() *resilience.ServiceBreakers {
	return c.breakers
}

// Fetch downloads and decodes the metadata at uri. A URI with an unsupported
// scheme yields nil metadata and no error.
func (c *Client) Fetch(ctx context.Context, uri string) (*model.TokenMetadata, error) {
	log := zap.L().With(zap.String("component", "metadata"), zap.String("uri", uri))

	target, ok := c.Resolve(uri)
	if !ok {
		log.Warn("unexpected metadata URL protocol")
		return nil, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to fetch metadata at %s", uri)
	}

	body, err := resilience.ExecuteVal(ctx, c.breakers.Get(u.Host), func(ctx context.Context) ([]byte, error) {
		return c.get.ReadAll(ctx, target)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to fetch metadata at %s", uri)
	}

	md, err := Decode(body)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to fetch metadata at %s", uri)
	}
	log.Debug("fetched metadata", zap.String("url", target))
	return md, nil
}

// Resolve maps uri to the URL to download. ipfs://<path> is joined onto the
// gateway; http and https pass through. ok is false for any other scheme.
func (c *Client) Resolve(uri string) (string, bool) {
	switch {
	case strings.HasPrefix(uri, "ipfs://"):
		p := strings.TrimPrefix(uri, "ipfs://")
		p = strings.TrimPrefix(p, "ipfs/")
		if p == "" {
			return "", false
		}
		return strings.TrimSuffix(c.gateway, "/") + "/" + strings.TrimPrefix(p, "/"), true
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return uri, true
	default:
		return "", false
	}
}

type attribute struct {
	TraitType string          `json:"trait_type"`
	Value     json.RawMessage `json:"value"`
}

// Decode parses a metadata document. The body must be a JSON object; an
// image or attributes field that is missing or has an unexpected shape is
// left nil. Non-string attribute values keep their JSON text, e.g. 7 or true.
func Decode(body []byte) (*model.TokenMetadata, error) {
	doc, err := fetcher.DecodeJSONObject[map[string]json.RawMessage](body)
	if err != nil {
		return nil, eris.Wrap(err, "metadata: decode")
	}

	md := &model.TokenMetadata{}
	var image string
	if raw, ok := (*doc)["image"]; ok && json.Unmarshal(raw, &image) == nil && image != "" {
		md.Image = &image
	}

	var attrs []attribute
	if raw, ok := (*doc)["attributes"]; ok && json.Unmarshal(raw, &attrs) == nil {
		for _, a := range attrs {
			md.Attributes = append(md.Attributes, model.Attribute{
				TraitType: a.TraitType,
				Value:     attributeValue(a.Value),
			})
		}
	}
	return md, nil
}

func attributeValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
