// Package cloud is the request/response channel to the SmartGrade vendor API.
// Every call carries the current credential; 401/403 responses flip the
// credential to expired and are never retried.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/trymwestin/smartgrade/internal/core/auth"
	"github.com/trymwestin/smartgrade/internal/core/state"
)

const (
	pathSites        = "/api/v1/users/%s/sites"
	pathSiteDevices  = "/api/v1/sites/%s/devices"
	pathDevice       = "/api/v1/devices/%s"
	pathToggle       = "/api/v1/devices/%s/toggle_switches"
	pathTimers       = "/api/v1/devices/%s/timers"
	pathTimer        = "/api/v1/devices/%s/timers/%s"
	pathDeviceEnergy = "/api/v1/devices/%s/kwh"
)

// CredentialSource hands out the credential and learns about server rejections.
type CredentialSource interface {
	Current() (auth.Credential, error)
	// MarkRejected reports false when value is no longer the current credential.
	MarkRejected(value, reason string) bool
}

// Config configures the HTTP channel.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxAttempts    int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	RateLimitDelay time.Duration
	// UserID is used for site listing when the credential carries no usr claim.
	UserID string
	// SiteIDs restricts discovery to these sites when non-empty.
	SiteIDs []string
}

// DiscoveryResult is the outcome of a discovery pass.
type DiscoveryResult struct {
	Sites   []state.Site
	Devices []state.Observation
	// Complete is false when at least one site failed to list. Incomplete
	// results must not be used to remove devices.
	Complete bool
}

// Client talks to the vendor REST API.
type Client struct {
	cfg   Config
	http  *http.Client
	creds CredentialSource
	log   *slog.Logger
}

// New creates an API client with an HTTP/2-capable transport.
func New(cfg Config, creds CredentialSource, log *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cloud: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Second
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	tr := http.DefaultTransport.(*http.Transport).Clone()
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("cloud: configure http2: %w", err)
	}

	return &Client{
		cfg:   cfg,
		http:  &http.Client{Transport: tr, Timeout: cfg.Timeout},
		creds: creds,
		log:   log,
	}, nil
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// ListSites lists the sites visible to the user, including shared ones.
func (c *Client) ListSites(ctx context.Context) ([]state.Site, error) {
	cred, err := c.creds.Current()
	if err != nil {
		return nil, err
	}
	user := cred.UserID
	if user == "" {
		user = c.cfg.UserID
	}
	if user == "" {
		return nil, ErrNoUser
	}

	q := url.Values{"shared": {"true"}}
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf(pathSites, url.PathEscape(user)), q, nil)
	if err != nil {
		return nil, err
	}
	raw, err := decodeList[rawSite](body, "sites")
	if err != nil {
		return nil, fmt.Errorf("cloud: decode sites: %w", err)
	}

	sites := make([]state.Site, 0, len(raw))
	for _, r := range raw {
		if r.ID == "" {
			continue
		}
		if len(c.cfg.SiteIDs) > 0 && !contains(c.cfg.SiteIDs, string(r.ID)) {
			continue
		}
		sites = append(sites, state.Site{ID: string(r.ID), Name: r.Name})
	}
	return sites, nil
}

// DiscoverDevices lists the devices of one site together with their state.
func (c *Client) DiscoverDevices(ctx context.Context, site state.Site) ([]state.Observation, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf(pathSiteDevices, url.PathEscape(site.ID)), nil, nil)
	if err != nil {
		return nil, err
	}
	raw, err := decodeList[rawDevice](body, "devices")
	if err != nil {
		return nil, fmt.Errorf("cloud: decode devices for site %s: %w", site.ID, err)
	}

	out := make([]state.Observation, 0, len(raw))
	for _, r := range raw {
		if r.ID == "" {
			continue
		}
		out = append(out, r.observation(site))
	}
	return out, nil
}

// Discover lists every site and its devices. A site that fails to list is
// logged and skipped, and the result is marked incomplete.
func (c *Client) Discover(ctx context.Context) (DiscoveryResult, error) {
	sites, err := c.ListSites(ctx)
	if err != nil {
		return DiscoveryResult{}, err
	}

	var (
		mu       sync.Mutex
		devices  []state.Observation
		complete = true
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, site := range sites {
		site := site
		g.Go(func() error {
			obs, err := c.DiscoverDevices(gctx, site)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, auth.ErrAuthExpired) {
					return err
				}
				c.log.Warn("site device listing failed", "site_id", site.ID, "error", err)
				complete = false
				return nil
			}
			devices = append(devices, obs...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return DiscoveryResult{}, err
	}

	return DiscoveryResult{Sites: sites, Devices: devices, Complete: complete}, nil
}

// ---------------------------------------------------------------------------
// Polls
// ---------------------------------------------------------------------------

// PollDeviceState fetches switch and online state for one device.
func (c *Client) PollDeviceState(ctx context.Context, dev state.Device) (state.Observation, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf(pathDevice, url.PathEscape(dev.ID)), nil, nil)
	if err != nil {
		return state.Observation{}, err
	}
	raw, err := decodeObject[rawDevice](body, "device")
	if err != nil {
		return state.Observation{}, fmt.Errorf("cloud: decode device %s: %w", dev.ID, err)
	}
	if raw.ID == "" {
		raw.ID = flexString(dev.ID)
	}
	obs := raw.observation(state.Site{ID: dev.SiteID, Name: dev.SiteName})
	if raw.Name == "" {
		obs.Device.Name = dev.Name
	}
	if obs.Device.MAC == "" {
		obs.Device.MAC = dev.MAC
	}
	return obs, nil
}

// PollTimers lists the timers configured on a device.
func (c *Client) PollTimers(ctx context.Context, deviceID string) ([]state.Timer, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf(pathTimers, url.PathEscape(deviceID)), nil, nil)
	if err != nil {
		return nil, err
	}
	raw, err := decodeList[rawTimer](body, "timers")
	if err != nil {
		return nil, fmt.Errorf("cloud: decode timers for %s: %w", deviceID, err)
	}
	out := make([]state.Timer, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.timer(deviceID))
	}
	return out, nil
}

// PollEnergy returns the kWh consumed by a device in [from, to).
func (c *Client) PollEnergy(ctx context.Context, deviceID string, from, to time.Time) (float64, error) {
	_, offset := to.Zone()
	q := url.Values{
		"startTimestampSeconds": {strconv.FormatInt(from.Unix(), 10)},
		"endTimestampSeconds":   {strconv.FormatInt(to.Unix(), 10)},
		"timeZone":              {strconv.Itoa(offset / 3600)},
	}
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf(pathDeviceEnergy, url.PathEscape(deviceID)), q, nil)
	if err != nil {
		return 0, err
	}
	return parseEnergy(body)
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// SetSwitch sets relay index (0-based) of a device.
func (c *Client) SetSwitch(ctx context.Context, deviceID string, index int, on bool) error {
	payload := map[string]bool{fmt.Sprintf("switch_%d", index+1): on}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf(pathToggle, url.PathEscape(deviceID)), nil, payload)
	return err
}

// CreateTimer creates a timer and returns it as the server stored it.
func (c *Client) CreateTimer(ctx context.Context, deviceID string, spec TimerSpec) (state.Timer, error) {
	if spec.Days == nil {
		spec.Days = []string{}
	}
	body, err := c.do(ctx, http.MethodPost, fmt.Sprintf(pathTimers, url.PathEscape(deviceID)), nil, spec)
	if err != nil {
		return state.Timer{}, err
	}

	created := rawTimer{Time: spec.Time, Action: string(spec.Action), Days: spec.Days}
	if len(bytes.TrimSpace(body)) > 0 {
		if r, err := decodeObject[rawTimer](body, "timer"); err == nil {
			if r.ID != "" {
				created.ID = r.ID
			}
			if r.Time != "" {
				created.Time = r.Time
			}
			if r.Action != "" {
				created.Action = r.Action
			}
			if r.Days != nil {
				created.Days = r.Days
			}
			created.Enabled = r.Enabled
			created.NextRun = r.NextRun
		} else {
			c.log.Debug("timer create response not decodable", "device_id", deviceID, "error", err)
		}
	}
	return created.timer(deviceID), nil
}

// DeleteTimer removes a timer.
func (c *Client) DeleteTimer(ctx context.Context, deviceID, timerID string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf(pathTimer, url.PathEscape(deviceID), url.PathEscape(timerID)), nil, nil)
	return err
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// do performs one logical request with retries and returns the response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	var reqBody []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("cloud: marshal %s %s: %w", method, path, err)
		}
		reqBody = b
	}

	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	b := newRateAwareBackOff(c.cfg.RetryInitial, c.cfg.RetryMax, c.cfg.RateLimitDelay)

	var out []byte
	op := func() error {
		cred, err := c.creds.Current()
		if err != nil {
			return backoff.Permanent(err)
		}

		var body io.Reader
		if reqBody != nil {
			body = bytes.NewReader(reqBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("cloud: build request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+cred.Value)
		req.Header.Set("Accept", "application/json")
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: %s %s: %w", ErrTransient, method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("%w: %s %s: read body: %w", ErrTransient, method, path, err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if !c.creds.MarkRejected(cred.Value, fmt.Sprintf("HTTP %d on %s %s", resp.StatusCode, method, path)) {
				// Sent with a credential replaced meanwhile; the retry carries the new one.
				return fmt.Errorf("%w: %s %s: HTTP %d with replaced credential", ErrTransient, method, path, resp.StatusCode)
			}
			return backoff.Permanent(fmt.Errorf("cloud: %s %s: HTTP %d: %w", method, path, resp.StatusCode, auth.ErrAuthExpired))
		case resp.StatusCode == http.StatusTooManyRequests:
			apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
			b.rateLimited(apiErr.RetryAfter)
			return apiErr
		case resp.StatusCode >= 500:
			return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: truncate(data)}
		case resp.StatusCode >= 400:
			return backoff.Permanent(&APIError{Method: method, Path: path, Status: resp.StatusCode, Body: truncate(data)})
		}

		out = data
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.log.Warn("vendor API request failed, retrying", "method", method, "path", path, "error", err, "retry_in", wait)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	c.log.Debug("vendor API request ok", "method", method, "path", path)
	return out, nil
}

// rateAwareBackOff is exponential backoff that substitutes a longer delay
// after a 429.
type rateAwareBackOff struct {
	exp       *backoff.ExponentialBackOff
	rateDelay time.Duration
	next      time.Duration
}

func newRateAwareBackOff(initial, maxInterval, rateDelay time.Duration) *rateAwareBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = maxInterval
	exp.MaxElapsedTime = 0
	return &rateAwareBackOff{exp: exp, rateDelay: rateDelay}
}

func (b *rateAwareBackOff) rateLimited(retryAfter time.Duration) {
	b.next = max(retryAfter, b.rateDelay)
}

func (b *rateAwareBackOff) NextBackOff() time.Duration {
	if b.next > 0 {
		d := b.next
		b.next = 0
		b.exp.NextBackOff()
		return d
	}
	return b.exp.NextBackOff()
}

func (b *rateAwareBackOff) Reset() {
	b.next = 0
	b.exp.Reset()
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
