// Package connect is a small client for the Posit Connect content API,
// used to find deployed apps and download their bundles for live editing.
package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrRepository wraps network, auth and API failures. Calls are not retried.
var ErrRepository = errors.New("content repository error")

const apiPrefix = "/__api__/v1"

// Config holds the Connect server address and API key.
type Config struct {
	ServerURL string
	APIKey    string
}

// Content describes one deployed item.
type Content struct {
	GUID             string `json:"guid"`
	Name             string `json:"name"`
	Title            string `json:"title"`
	Description      string `json:"description"`
	AppMode          string `json:"app_mode"`
	BundleID         string `json:"bundle_id"`
	ContentURL       string `json:"content_url"`
	DashboardURL     string `json:"dashboard_url"`
	CreatedTime      string `json:"created_time"`
	LastDeployedTime string `json:"last_deployed_time"`
}

type apiError struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// Client talks to one Connect server.
type Client struct {
	cfg     Config
	base    *url.URL
	client  *http.Client
	verbose bool
	logger  *log.Logger
}

// New validates cfg and builds a Client. No request is made until first use.
func New(cfg Config, client *http.Client, verbose bool, logger *log.Logger) (*Client, error) {
	if cfg.ServerURL == "" || cfg.APIKey == "" {
		return nil, errors.New("connect config must include server_url and api_key")
	}
	base, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("connect server_url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{cfg: cfg, base: base, client: client, verbose: verbose, logger: logger}, nil
}

func (c *Client) infof(format string, args ...interface{}) {
	if !c.verbose {
		return
	}
	c.logger.Printf("[INFO] [connect] "+format, args...)
}

// Find lists the content the API key is allowed to see.
func (c *Client) Find(ctx context.Context) ([]Content, error) {
	var items []Content
	if err := c.getJSON(ctx, "/content", &items); err != nil {
		return nil, err
	}
	c.infof("found %d content items", len(items))
	return items, nil
}

// Get fetches a single content item by GUID.
func (c *Client) Get(ctx context.Context, guid string) (Content, error) {
	if guid == "" {
		return Content{}, fmt.Errorf("%w: guid is required", ErrRepository)
	}
	var item Content
	if err := c.getJSON(ctx, "/content/"+url.PathEscape(guid), &item); err != nil {
		return Content{}, err
	}
	return item, nil
}

// DownloadBundle streams the bundle archive (tar.gz) into w.
func (c *Client) DownloadBundle(ctx context.Context, guid, bundleID string, w io.Writer) (int64, error) {
	path := "/content/" + url.PathEscape(guid) + "/bundles/" + url.PathEscape(bundleID) + "/download"
	resp, err := c.do(ctx, path)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w: download bundle %s: %v", ErrRepository, bundleID, err)
	}
	c.infof("downloaded bundle %s of %s (%d bytes)", bundleID, guid, n)
	return n, nil
}

// FetchBundle resolves the active bundle of guid and downloads it into w.
func (c *Client) FetchBundle(ctx context.Context, guid string, w io.Writer) (Content, error) {
	item, err := c.Get(ctx, guid)
	if err != nil {
		return Content{}, err
	}
	if item.BundleID == "" {
		return item, fmt.Errorf("%w: content %s has no bundle", ErrRepository, guid)
	}
	if _, err := c.DownloadBundle(ctx, guid, item.BundleID, w); err != nil {
		return item, err
	}
	return item, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrRepository, path, err)
	}
	return nil
}

// do issues an authenticated GET and turns non-2xx answers into errors.
func (c *Client) do(ctx context.Context, path string) (*http.Response, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + apiPrefix + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRepository, err)
	}
	req.Header.Set("Authorization", "Key "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRepository, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var ae apiError
		if json.Unmarshal(b, &ae) == nil && ae.Error != "" {
			return nil, fmt.Errorf("%w: %s: %d %s", ErrRepository, path, ae.Code, ae.Error)
		}
		return nil, fmt.Errorf("%w: %s: %s %s", ErrRepository, path, resp.Status, strings.TrimSpace(string(b)))
	}
	return resp, nil
}
