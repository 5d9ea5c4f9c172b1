package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"retailsync/internal/docstore"
)

var (
	ErrUnauthorized = errors.New("remote rejected credentials")
	ErrUnavailable  = errors.New("remote unavailable")
)

// StatusError is an unexpected HTTP answer from the remote.
type StatusError struct {
	Status int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("remote status %d", e.Status)
	}
	return fmt.Sprintf("remote status %d: %s", e.Status, e.Reason)
}

type Config struct {
	BaseURL  string
	Database string
	Username string
	Password string
	Timeout  time.Duration
	// HTTPClient overrides the default client, e.g. in tests.
	HTTPClient *http.Client
}

// Client talks to one database of a remote replica.
type Client struct {
	root     string
	dbURL    string
	database string
	username string
	password string
	http     *http.Client
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("remote base URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return nil, errors.New("remote database name is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		root:     base,
		dbURL:    base + "/" + url.PathEscape(cfg.Database),
		database: cfg.Database,
		username: cfg.Username,
		password: cfg.Password,
		http:     httpClient,
	}, nil
}

func (c *Client) Database() string {
	return c.database
}

// Probe checks that the remote root answers; it makes Client usable as a
// connectivity prober.
func (c *Client) Probe(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.root+"/", nil, nil)
}

func (c *Client) Info(ctx context.Context) (docstore.Info, error) {
	var info docstore.Info
	err := c.do(ctx, http.MethodGet, c.dbURL, nil, &info)
	return info, err
}

func (c *Client) Get(ctx context.Context, id string) (docstore.Doc, error) {
	var doc docstore.Doc
	err := c.do(ctx, http.MethodGet, c.docURL(id), nil, &doc)
	return doc, err
}

// Put writes a new revision on the remote with the usual revision check.
func (c *Client) Put(ctx context.Context, doc docstore.Doc) (docstore.Doc, error) {
	var resp PutResponse
	if err := c.do(ctx, http.MethodPut, c.docURL(doc.ID), doc, &resp); err != nil {
		return docstore.Doc{}, err
	}
	doc.Rev = resp.Rev
	return doc, nil
}

func (c *Client) Changes(ctx context.Context, since int64, limit int) (docstore.ChangesPage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp ChangesResponse
	if err := c.do(ctx, http.MethodGet, c.dbURL+"/_changes?"+q.Encode(), nil, &resp); err != nil {
		return docstore.ChangesPage{}, err
	}

	page := docstore.ChangesPage{Results: make([]docstore.Change, 0, len(resp.Results)), LastSeq: resp.LastSeq}
	for _, row := range resp.Results {
		if len(row.Changes) == 0 {
			continue
		}
		page.Results = append(page.Results, docstore.Change{
			Seq:     row.Seq,
			ID:      row.ID,
			Rev:     row.Changes[0].Rev,
			Deleted: row.Deleted,
		})
	}
	if page.LastSeq < since {
		page.LastSeq = since
	}
	return page, nil
}

func (c *Client) RevsDiff(ctx context.Context, revs map[string][]string) (map[string][]string, error) {
	var resp map[string]RevsDiffEntry
	if err := c.do(ctx, http.MethodPost, c.dbURL+"/_revs_diff", revs, &resp); err != nil {
		return nil, err
	}
	missing := make(map[string][]string, len(resp))
	for id, entry := range resp {
		if len(entry.Missing) > 0 {
			missing[id] = entry.Missing
		}
	}
	return missing, nil
}

func (c *Client) BulkGet(ctx context.Context, ids []string) ([]docstore.Doc, error) {
	req := BulkGetRequest{Docs: make([]BulkGetRequestDoc, 0, len(ids))}
	for _, id := range ids {
		req.Docs = append(req.Docs, BulkGetRequestDoc{ID: id})
	}
	var resp BulkGetResponse
	if err := c.do(ctx, http.MethodPost, c.dbURL+"/_bulk_get?revs=true", req, &resp); err != nil {
		return nil, err
	}
	docs := make([]docstore.Doc, 0, len(resp.Results))
	for _, result := range resp.Results {
		for _, d := range result.Docs {
			if d.OK != nil {
				docs = append(docs, *d.OK)
			}
		}
	}
	return docs, nil
}

func (c *Client) BulkDocs(ctx context.Context, docs []docstore.Doc) ([]docstore.BulkResult, error) {
	var rows []BulkDocsRow
	if err := c.do(ctx, http.MethodPost, c.dbURL+"/_bulk_docs", BulkDocsRequest{Docs: docs, NewEdits: false}, &rows); err != nil {
		return nil, err
	}
	results := make([]docstore.BulkResult, 0, len(rows))
	for _, row := range rows {
		res := docstore.BulkResult{ID: row.ID, Rev: row.Rev, Written: row.Written, Conflict: row.Conflict}
		if row.Error != "" {
			res.Err = &StatusError{Status: http.StatusBadRequest, Reason: row.Error + ": " + row.Reason}
		}
		results = append(results, res)
	}
	return results, nil
}

func (c *Client) docURL(id string) string {
	return c.dbURL + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method string, target string, in any, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		statusErr := &StatusError{Status: resp.StatusCode, Reason: strings.TrimSpace(e.Error + " " + e.Reason)}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrUnauthorized, statusErr)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %v", docstore.ErrNotFound, statusErr)
		case resp.StatusCode == http.StatusConflict:
			return fmt.Errorf("%w: %v", docstore.ErrConflict, statusErr)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrUnavailable, statusErr)
		default:
			return statusErr
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, target, err)
	}
	return nil
}
