// Package cacheclient builds the URLs of the three requests the controller
// makes of the shared artifact cache server (spec §6, "Cache server HTTP
// surface consumed"). The cache server itself is out of scope (spec §1);
// this package issues no request itself: helpers issue them.
package cacheclient

import (
	"fmt"
	"net/url"
)

// Client talks to a cache server's read endpoint and, for fetch triggers,
// a (possibly different) writeable cache server endpoint. It only builds
// URLs: every actual request is issued by a helper (see the package doc).
type Client struct {
	CacheServer          string
	WriteableCacheServer string
}

// New creates a Client.
func New(cacheServer, writeableCacheServer string) *Client {
	return &Client{
		CacheServer:          cacheServer,
		WriteableCacheServer: writeableCacheServer,
	}
}

// QueryArtifactsURL builds the POST /1.0/artifacts cache-query URL (spec
// §4.6's cache-query step). Like FetchURL, the request itself is issued by
// a helper via helperrouter.HelperRequest, not directly by the controller,
// so this only constructs the URL the helper is asked to POST to.
func (c *Client) QueryArtifactsURL() string {
	return c.CacheServer + "/1.0/artifacts"
}

// FetchURL builds the GET /1.0/fetch trigger URL on the writeable cache
// server (spec §4.8's caching step). The request itself is issued by a
// helper, not directly by the controller, so this only constructs the URL.
func (c *Client) FetchURL(workerHost string, workerPort int, cacheKey string, artifactSuffixes []string) string {
	q := url.Values{}
	q.Set("host", fmt.Sprintf("%s:%d", workerHost, workerPort))
	q.Set("cacheid", cacheKey)
	q.Set("artifacts", joinComma(artifactSuffixes))
	return c.WriteableCacheServer + "/1.0/fetch?" + q.Encode()
}

// ArtifactDownloadURL builds the download URL reported to initiators on
// build completion (spec §4.6, "Completion").
func (c *Client) ArtifactDownloadURL(basename string) string {
	q := url.Values{}
	q.Set("filename", basename)
	return c.CacheServer + "/1.0/artifacts?" + q.Encode()
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
