package cache

import (
	"context"
	"net/http"

	"github.com/offspot/image-creator/internal/source"
)

// HTTPDigestChecker is the default DigestChecker, backed directly by the
// internal/source digest functions.
type HTTPDigestChecker struct {
	Client *http.Client
}

func NewHTTPDigestChecker(client *http.Client) *HTTPDigestChecker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDigestChecker{Client: client}
}

func (c *HTTPDigestChecker) FileDigest(ctx context.Context, url string) (string, error) {
	return source.FileDigest(ctx, c.Client, url, false)
}

func (c *HTTPDigestChecker) ImageDigest(ctx context.Context, ref string) (string, error) {
	return source.ImageDigest(ctx, ref, source.DefaultPlatform)
}
