package gofile

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/synthlace/gofile-dav/internal/metrics"
	"github.com/synthlace/gofile-dav/internal/retry"
)

// bypassGambleMaxAttempts bounds how often a bypass listing is re-rolled
// when the service hands out links on a dead proxy host.
const bypassGambleMaxAttempts = 10

// brokenBypassProxyHosts are proxy hosts the bypass service still hands
// out but that no longer serve content. A listing pointing at one is
// re-requested in the hope of drawing a working host.
var brokenBypassProxyHosts = []string{"gf.cybar.xyz"}

// GetContents returns the entry for id, a folder UUID, short code or
// file UUID. Folder listings carry their full (ordered) child set. With
// bypass enabled, eligible public folders get their file links replaced
// by quota-free proxy links.
//
// The contents endpoint does not serve bare file ids, so a file id is
// resolved through its parent folder's listing.
func (c *Client) GetContents(ctx context.Context, id string) (Contents, error) {
	const op = "contents"

	out, err := c.fetchContents(ctx, id)
	if err != nil {
		return Contents{}, err
	}

	if file := out.File; file != nil {
		// Bare file responses come back without a link; the parent
		// listing has the complete entry (and bypass enrichment).
		if file.ParentFolder == "" {
			return Contents{}, errf(KindNotFound, op, "file %s has no parent folder", id)
		}
		parent, err := c.GetContents(ctx, file.ParentFolder)
		if err != nil {
			return Contents{}, err
		}
		if parent.Folder == nil {
			return Contents{}, errf(KindInvalid, op, "expected folder but got file %s", file.ParentFolder)
		}
		for _, child := range parent.Folder.Children {
			if child.File != nil && child.File.ID == file.ID {
				return child, nil
			}
		}
		return Contents{}, errf(KindNotFound, op, "file %s not listed in parent folder %s", file.ID, file.ParentFolder)
	}

	if c.bypass && out.Folder != nil {
		c.applyBypass(ctx, out.Folder)
	}
	return out, nil
}

// applyBypass replaces the download links of folder's files with proxy
// links from the bypass service. Folders the service cannot handle are
// left untouched; a failed lookup degrades to direct links too.
func (c *Client) applyBypass(ctx context.Context, folder *Folder) {
	if !folder.Public {
		c.log.Warn("bypass unavailable for private folder, using direct links",
			zap.String("folder", folder.ID))
		return
	}
	if folder.HasPassword {
		c.log.Warn("bypass unavailable for password-protected folder, using direct links",
			zap.String("folder", folder.ID))
		return
	}
	hasFiles := false
	for _, child := range folder.Children {
		if child.File != nil {
			hasFiles = true
			break
		}
	}
	if !hasFiles {
		return
	}

	bypassFiles, err := c.BypassFiles(ctx, folder.Code)
	if err != nil {
		c.log.Warn("bypass lookup failed, using direct links",
			zap.String("folder", folder.ID), zap.Error(err))
		return
	}

	// The service's direct links embed the file UUID, which is how a
	// listing entry is matched back to a file.
	for _, bf := range bypassFiles {
		for _, child := range folder.Children {
			file := child.File
			if file != nil && strings.Contains(bf.Link, file.ID) {
				file.Link = bf.ProxyLink
				file.Bypassed = true
			}
		}
	}
}

// BypassFiles lists a public folder on the quota-bypass service by its
// short code. The service load-balances over proxy hosts, some of which
// are dead; a listing on a known-dead host is gambled again, up to
// bypassGambleMaxAttempts times. The service reports unknown folders
// with a plain 502.
func (c *Client) BypassFiles(ctx context.Context, code string) ([]BypassFile, error) {
	const op = "bypass"

	cfg := retry.Config{
		MaxAttempts: bypassGambleMaxAttempts,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     2 * time.Second,
		Multiplier:  1.5,
		Jitter:      0.2,
	}
	files, err := retry.DoWithResult(ctx, cfg, func() ([]BypassFile, error) {
		files, err := c.fetchBypassFiles(ctx, code)
		if err != nil {
			return nil, err
		}
		if len(files) > 0 && isBrokenProxyHost(files[0].ProxyLink) {
			return nil, retry.Retryable(errf(KindTransient, op, "listing served by dead proxy host"))
		}
		return files, nil
	})
	if err != nil {
		if retry.IsRetryable(err) {
			err = errf(KindTransient, op, "no working proxy host after %d attempts for folder %s",
				bypassGambleMaxAttempts, code)
		}
		metrics.RecordBypassLookup(KindOf(err).String())
		return nil, err
	}
	metrics.RecordBypassLookup("ok")
	return files, nil
}

func (c *Client) fetchBypassFiles(ctx context.Context, code string) ([]BypassFile, error) {
	const op = "bypass"
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("folderId", code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bypassBase+"/api/files?"+q.Encode(), nil)
	if err != nil {
		return nil, errf(KindInvalid, op, "build request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, retry.Retryable(&Error{Kind: KindTransient, Op: op, Err: err})
	}
	defer resp.Body.Close()

	// The service answers 502 for folders it does not know about.
	if resp.StatusCode == http.StatusBadGateway {
		return nil, errf(KindNotFound, op, "folder %s unknown to bypass service", code)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, retry.Retryable(&Error{Kind: KindTransient, Op: op, Err: err})
	}

	var files []BypassFile
	if err := decodeEnvelope(op, body, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func isBrokenProxyHost(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	for _, host := range brokenBypassProxyHosts {
		if u.Hostname() == host {
			return true
		}
	}
	return false
}
