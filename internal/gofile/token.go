package gofile

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/synthlace/gofile-dav/internal/metrics"
)

// websiteTokenTTL bounds how long a scraped website token is trusted
// before it is re-fetched. The service publishes no validity window; the
// token is also dropped immediately when a request is rejected with it.
const websiteTokenTTL = 30 * time.Minute

// bearerToken returns the API bearer token, creating a guest account on
// first use when no token was configured. Concurrent callers share a
// single in-flight guest-account request.
func (c *Client) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.bearer
	c.mu.Unlock()
	if tok != "" {
		return tok, nil
	}

	v, err, _ := c.tokenFlight.Do("bearer", func() (any, error) {
		c.mu.Lock()
		tok := c.bearer
		c.mu.Unlock()
		if tok != "" {
			return tok, nil
		}
		acct, err := c.CreateGuestAccount(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.bearer = acct.Token
		c.mu.Unlock()
		metrics.RecordTokenRefresh("bearer")
		c.log.Info("created guest account", zap.String("account", acct.ID))
		return acct.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidateBearer drops the current bearer token so the next request
// creates a fresh guest account. User-supplied tokens are never dropped:
// if the service rejects one, that is a configuration error, not
// something a refresh can fix. Reports whether the token was dropped.
func (c *Client) invalidateBearer(rejected string) bool {
	if c.bearerStatic {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bearer != rejected {
		// Someone already refreshed; the caller can retry with the
		// new token.
		return true
	}
	c.bearer = ""
	return true
}

// websiteToken returns the "wt" token required by the contents endpoint,
// scraping it from the website's config script on first use and after
// expiry. Concurrent refreshes coalesce into one request.
func (c *Client) websiteToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok, fetched := c.wt, c.wtFetched
	c.mu.Unlock()
	if tok != "" && time.Since(fetched) < websiteTokenTTL {
		return tok, nil
	}

	v, err, _ := c.tokenFlight.Do("wt", func() (any, error) {
		c.mu.Lock()
		tok, fetched := c.wt, c.wtFetched
		c.mu.Unlock()
		if tok != "" && time.Since(fetched) < websiteTokenTTL {
			return tok, nil
		}
		tok, err := c.scrapeWebsiteToken(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.wt = tok
		c.wtFetched = time.Now()
		c.mu.Unlock()
		metrics.RecordTokenRefresh("website")
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidateWebsiteToken drops the website token after the service
// rejected it, forcing a re-scrape on the next request.
func (c *Client) invalidateWebsiteToken(rejected string) {
	if rejected == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wt == rejected {
		c.wt = ""
	}
}

// scrapeWebsiteToken extracts the token from the `appdata.wt = "..."`
// assignment in the website's config script.
func (c *Client) scrapeWebsiteToken(ctx context.Context) (string, error) {
	const op = "wt"
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.wtSource, nil)
	if err != nil {
		return "", errf(KindInvalid, op, "build request: %w", err)
	}
	req.Header.Set("Referer", refererHeader)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errf(kindForHTTP(resp.StatusCode), op, "unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &Error{Kind: KindTransient, Op: op, Err: err}
	}

	_, rest, ok := strings.Cut(string(body), `appdata.wt = "`)
	if !ok {
		return "", errf(KindInvalid, op, "token marker not found in config script")
	}
	tok, _, ok := strings.Cut(rest, `"`)
	if !ok || tok == "" {
		return "", errf(KindInvalid, op, "unterminated token in config script")
	}
	return tok, nil
}
