package source

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ajitpratap0/propdb/pkg/config"
	"github.com/ajitpratap0/propdb/pkg/decoder"
	"github.com/ajitpratap0/propdb/pkg/errors"
)

// HTTP reads inputs from <base>/<file name>. Requests are authenticated with
// an OAuth2 client-credentials token when a client id is configured, or with
// a static bearer token.
type HTTP struct {
	client *http.Client
	base   *url.URL
}

// NewHTTP creates an HTTP source rooted at base.
func NewHTTP(ctx context.Context, base string, cfg config.SourceConfig) (*HTTP, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid source url")
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	// The oauth2 clients build on the client carried in the context.
	baseClient := &http.Client{Timeout: cfg.Timeout}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, baseClient)

	client := baseClient
	switch {
	case cfg.ClientID != "":
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(ctx)
	case cfg.BearerToken != "":
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.BearerToken,
			TokenType:   "Bearer",
		}))
	}
	return &HTTP{client: client, base: u}, nil
}

func (h *HTTP) url(input decoder.Input) string {
	return h.base.ResolveReference(&url.URL{Path: FileName(input)}).String()
}

func (h *HTTP) do(ctx context.Context, method string, input decoder.Input) (*http.Response, error) {
	target := h.url(input)
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "failed to build request")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "request failed").
			WithDetail("input", string(input)).
			WithDetail("url", target)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, notFound(input, target)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, errors.Newf(errors.ErrorTypeFetch, "unexpected status %s", resp.Status).
			WithDetail("input", string(input)).
			WithDetail("url", target)
	}
	return resp, nil
}

func (h *HTTP) Open(ctx context.Context, input decoder.Input) (io.ReadCloser, error) {
	resp, err := h.do(ctx, http.MethodGet, input)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Stat issues a HEAD request. A server that does not report a length yields
// zero, which the auto decode strategy treats as small.
func (h *HTTP) Stat(ctx context.Context, input decoder.Input) (int64, error) {
	resp, err := h.do(ctx, http.MethodHead, input)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.ContentLength < 0 {
		return 0, nil
	}
	return resp.ContentLength, nil
}
