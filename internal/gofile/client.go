// Package gofile implements a client for the GoFile REST API: folder
// listings, uploads, downloads and content management, plus the
// quota-bypass download route.
package gofile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/synthlace/gofile-dav/internal/metrics"
)

const (
	defaultAPIBase    = "https://api.gofile.io"
	defaultUploadBase = "https://upload.gofile.io"
	defaultBypassBase = "https://gf.1drv.eu.org"
	defaultWTSource   = "https://gofile.io/dist/js/config.js"

	refererHeader = "https://gofile.io/"

	// JS Number.MAX_SAFE_INTEGER; effectively "no paging".
	maxPageSize = "9007199254740991"

	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 64 << 20

	// restrictedRefetchLimit bounds the concurrent per-child refetches
	// issued for restricted folders inside a listing.
	restrictedRefetchLimit = 4
)

// Options configures a Client. The base URLs default to the production
// service and exist so tests can point the client at a fake.
type Options struct {
	// APIToken is an account bearer token. When empty, a guest account
	// is created lazily on first use.
	APIToken string
	// Password is the sha256 hex digest of the folder password, sent
	// with every contents request when set.
	Password string
	// Bypass routes downloads of public files through the external
	// quota-bypass service.
	Bypass bool

	HTTPClient *http.Client
	Logger     *zap.Logger

	APIBase    string
	UploadBase string
	BypassBase string
	WTSource   string
}

// Client talks to the GoFile API. It is safe for concurrent use. The
// client performs no retries of its own except the single transparent
// token-refresh retry on an Unauthorized response.
type Client struct {
	httpc *http.Client
	log   *zap.Logger

	apiBase    string
	uploadBase string
	bypassBase string
	wtSource   string

	password string
	bypass   bool

	requestTimeout time.Duration

	tokenFlight singleflight.Group

	mu           sync.Mutex
	bearer       string
	bearerStatic bool
	wt           string
	wtFetched    time.Time
}

// New creates a Client from opts.
func New(opts Options) *Client {
	httpc := opts.HTTPClient
	if httpc == nil {
		// No overall client timeout: download streams may stay open
		// for a long time. JSON calls get per-request deadlines.
		httpc = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		httpc:          httpc,
		log:            log,
		apiBase:        defaultString(opts.APIBase, defaultAPIBase),
		uploadBase:     defaultString(opts.UploadBase, defaultUploadBase),
		bypassBase:     defaultString(opts.BypassBase, defaultBypassBase),
		wtSource:       defaultString(opts.WTSource, defaultWTSource),
		password:       opts.Password,
		bypass:         opts.Bypass,
		requestTimeout: defaultRequestTimeout,
		bearer:         opts.APIToken,
		bearerStatic:   opts.APIToken != "",
	}
	return c
}

func defaultString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// doJSON performs an authenticated envelope request. On an Unauthorized
// response it refreshes the rejected tokens once, under a single-flight
// guard, and retries exactly once.
func (c *Client) doJSON(ctx context.Context, op, method, rawURL string, query url.Values, payload, out any, needWT bool) error {
	retried := false
	for {
		bearer, err := c.bearerToken(ctx)
		if err != nil {
			return err
		}
		var wt string
		if needWT {
			if wt, err = c.websiteToken(ctx); err != nil {
				return err
			}
		}

		err = c.roundTripJSON(ctx, op, method, rawURL, query, payload, out, bearer, wt)
		if err == nil || retried || KindOf(err) != KindUnauthorized {
			return err
		}
		retried = true
		refreshable := c.invalidateBearer(bearer)
		c.invalidateWebsiteToken(wt)
		if !refreshable && wt == "" {
			return err
		}
		c.log.Debug("token rejected, retrying once", zap.String("op", op))
	}
}

func (c *Client) roundTripJSON(ctx context.Context, op, method, rawURL string, query url.Values, payload, out any, bearer, wt string) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errf(KindInvalid, op, "encode payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return errf(KindInvalid, op, "build request: %w", err)
	}
	req.Header.Set("Referer", refererHeader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if wt != "" {
		req.Header.Set("X-Website-Token", wt)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.RecordAPIRequest(op, "transport-error", time.Since(start))
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.RecordAPIRequest(op, "read-error", time.Since(start))
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}

	err = decodeEnvelope(op, data, out)
	if err != nil && KindOf(err) == KindInvalid && resp.StatusCode != http.StatusOK {
		// Gateways and CDNs answer with plain non-envelope bodies.
		err = errf(kindForHTTP(resp.StatusCode), op, "unexpected status %d", resp.StatusCode)
	}
	metrics.RecordAPIRequest(op, apiStatusLabel(err), time.Since(start))
	return err
}

func apiStatusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var e *Error
	if errors.As(err, &e) && e.Status != "" {
		return e.Status
	}
	return KindOf(err).String()
}

// CreateGuestAccount registers a new anonymous account and returns its
// bearer token. This is the only API call issued without auth.
func (c *Client) CreateGuestAccount(ctx context.Context) (*Account, error) {
	const op = "accounts"
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/accounts", nil)
	if err != nil {
		return nil, errf(KindInvalid, op, "build request: %w", err)
	}
	req.Header.Set("Referer", refererHeader)

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.RecordAPIRequest(op, "transport-error", time.Since(start))
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	acct := new(Account)
	err = decodeEnvelope(op, data, acct)
	metrics.RecordAPIRequest(op, apiStatusLabel(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// AccountInfo returns the account the bearer token belongs to.
func (c *Client) AccountInfo(ctx context.Context) (*Account, error) {
	acct := new(Account)
	err := c.doJSON(ctx, "account-info", http.MethodGet, c.apiBase+"/accounts/website", nil, nil, acct, false)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// fetchContents retrieves the entry for id without bypass enrichment.
// Restricted child folders are refetched individually, with a bounded
// fan-out, so their metadata is complete.
func (c *Client) fetchContents(ctx context.Context, id string) (Contents, error) {
	const op = "contents"

	q := url.Values{}
	q.Set("page", "1")
	q.Set("pageSize", maxPageSize)
	if c.password != "" {
		q.Set("password", c.password)
	}

	var out Contents
	err := c.doJSON(ctx, op, http.MethodGet, c.apiBase+"/contents/"+url.PathEscape(id), q, nil, &out, true)
	if err != nil {
		return Contents{}, err
	}

	folder := out.Folder
	if folder == nil {
		return out, nil
	}
	if !folder.CanAccess {
		switch folder.PasswordStatus {
		case "passwordRequired":
			return Contents{}, errf(KindUnauthorized, op, "folder %s requires a password", id)
		case "passwordWrong":
			return Contents{}, errf(KindUnauthorized, op, "wrong password for folder %s", id)
		default:
			return Contents{}, errf(KindForbidden, op, "folder %s is not accessible", id)
		}
	}

	// A listing can contain child folders whose metadata was withheld
	// (restricted entries). Refetch those individually so callers see a
	// complete child set.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(restrictedRefetchLimit)
	for i := range folder.Children {
		child := folder.Children[i].Folder
		if child == nil || child.CanAccess {
			continue
		}
		g.Go(func() error {
			refetched, err := c.fetchContents(gctx, child.ID)
			if err != nil {
				return err
			}
			if refetched.Folder == nil {
				return errf(KindInvalid, op, "expected folder but got file %s", child.ID)
			}
			// Keep the stub's position; only the metadata changes.
			*child = *refetched.Folder
			child.Children = nil
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Contents{}, err
	}
	return out, nil
}

type createFolderPayload struct {
	ParentFolderID string `json:"parentFolderId"`
	FolderName     string `json:"folderName"`
}

// CreateFolder creates a folder under parentID and returns it.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*Folder, error) {
	folder := new(Folder)
	payload := createFolderPayload{ParentFolderID: parentID, FolderName: name}
	err := c.doJSON(ctx, "create-folder", http.MethodPost, c.apiBase+"/contents/createfolder", nil, payload, folder, false)
	if err != nil {
		return nil, err
	}
	return folder, nil
}

type updateAttributePayload struct {
	Attribute      string `json:"attribute"`
	AttributeValue string `json:"attributeValue"`
}

// UpdateName renames the entry with the given id.
func (c *Client) UpdateName(ctx context.Context, id, name string) error {
	payload := updateAttributePayload{Attribute: "name", AttributeValue: name}
	return c.doJSON(ctx, "update-name", http.MethodPut,
		c.apiBase+"/contents/"+url.PathEscape(id)+"/update", nil, payload, nil, false)
}

type moveContentsPayload struct {
	ContentsID string `json:"contentsId"`
	FolderID   string `json:"folderId"`
}

// MoveContents moves the given entries into destFolderID.
func (c *Client) MoveContents(ctx context.Context, destFolderID string, ids ...string) error {
	payload := moveContentsPayload{ContentsID: strings.Join(ids, ","), FolderID: destFolderID}
	return c.doJSON(ctx, "move", http.MethodPut, c.apiBase+"/contents/move", nil, payload, nil, false)
}

type deleteContentsPayload struct {
	ContentsID string `json:"contentsId"`
}

// DeleteContents deletes the given entries. Folders are deleted with
// everything below them.
func (c *Client) DeleteContents(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	payload := deleteContentsPayload{ContentsID: strings.Join(ids, ",")}
	return c.doJSON(ctx, "delete", http.MethodDelete, c.apiBase+"/contents", nil, payload, nil, false)
}

// UploadFile streams content as a new file named name in parentID. The
// body is not replayable, so this path has no token-refresh retry.
func (c *Client) UploadFile(ctx context.Context, parentID, name string, content io.Reader) (*UploadedFile, error) {
	const op = "upload"

	bearer, err := c.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("token", bearer); err != nil {
				return err
			}
			if err := mw.WriteField("folderId", parentID); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("file", name)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, content); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadBase+"/uploadfile", pr)
	if err != nil {
		return nil, errf(KindInvalid, op, "build request: %w", err)
	}
	req.Header.Set("Referer", refererHeader)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.RecordAPIRequest(op, "transport-error", time.Since(start))
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}

	uploaded := new(UploadedFile)
	err = decodeEnvelope(op, data, uploaded)
	if err != nil && KindOf(err) == KindInvalid && resp.StatusCode != http.StatusOK {
		err = errf(kindForHTTP(resp.StatusCode), op, "unexpected status %d", resp.StatusCode)
	}
	metrics.RecordAPIRequest(op, apiStatusLabel(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return uploaded, nil
}

// Download opens a byte stream for a file link, starting at offset. The
// bypassed route goes to the proxy without bearer auth; the direct route
// authenticates and counts against the download quota. A rejected token
// is refreshed and the request repeated once (range requests have no
// body, so the retry is safe).
func (c *Client) Download(ctx context.Context, link string, offset int64, bypassed bool) (io.ReadCloser, error) {
	const op = "download"

	retried := false
	for {
		var bearer string
		var err error
		if !bypassed {
			if bearer, err = c.bearerToken(ctx); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
		if err != nil {
			return nil, errf(KindInvalid, op, "build request: %w", err)
		}
		req.Header.Set("Referer", refererHeader)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			metrics.RecordDownload(downloadRoute(bypassed), false)
			return nil, &Error{Kind: KindTransient, Op: op, Err: err}
		}
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
			metrics.RecordDownload(downloadRoute(bypassed), true)
			return resp.Body, nil
		}
		resp.Body.Close()

		kind := kindForHTTP(resp.StatusCode)
		if kind == KindForbidden && !bypassed {
			// The download host reports an exhausted direct quota as
			// a forbidden response.
			kind = KindQuotaExceeded
		}
		if kind == KindUnauthorized && !bypassed && !retried {
			retried = true
			if c.invalidateBearer(bearer) {
				continue
			}
		}
		metrics.RecordDownload(downloadRoute(bypassed), false)
		return nil, errf(kind, op, "unexpected status %d", resp.StatusCode)
	}
}

func downloadRoute(bypassed bool) string {
	if bypassed {
		return "bypass"
	}
	return "direct"
}
