package kiosk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/presence-kiosk/internal/apperr"
	"github.com/kozaktomas/presence-kiosk/internal/constants"
	"github.com/kozaktomas/presence-kiosk/internal/database"
	"github.com/kozaktomas/presence-kiosk/internal/descriptorcache"
	"github.com/kozaktomas/presence-kiosk/internal/geofence"
)

// ErrNoCredential is returned by authenticated calls before Login or SetToken.
var ErrNoCredential = apperr.Auth("kiosk is not logged in", nil)

// Client talks to the server's kiosk API on behalf of one location.
type Client struct {
	parsedURL *url.URL
	client    *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates an API client for the server at baseURL.
func NewClient(baseURL string) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/api/v1")
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}
	return &Client{parsedURL: parsed, client: &http.Client{Timeout: 15 * time.Second}}, nil
}

// SetToken installs a bearer token obtained elsewhere.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// resolveURL builds a full URL below /api/v1, keeping an optional query string.
func (c *Client) resolveURL(endpoint string) string {
	if pathPart, query, ok := strings.Cut(endpoint, "?"); ok {
		u := c.parsedURL.JoinPath(pathPart)
		u.RawQuery = query
		return u.String()
	}
	return c.parsedURL.JoinPath(endpoint).String()
}

// decodeError turns a non-2xx response into an *apperr.Error when the status
// is a classified one, or a plain error otherwise.
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &body)
	if body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}

	kind := apperr.KindForStatus(resp.StatusCode)
	if kind == 0 {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, body.Error)
	}
	return &apperr.Error{Kind: kind, Code: body.Code, Message: body.Error}
}

// do sends a request and returns the response for any status in expected.
func (c *Client) do(ctx context.Context, method, endpoint string, requestBody any, header http.Header, authenticated bool, expected ...int) (*http.Response, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		jsonBody, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("could not marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolveURL(endpoint), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		token := c.Token()
		if token == "" {
			return nil, ErrNoCredential
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req) //nolint:gosec // URL built from the configured server URL
	if err != nil {
		return nil, fmt.Errorf("could not send request: %w", err)
	}
	for _, status := range expected {
		if resp.StatusCode == status {
			return resp, nil
		}
	}
	defer resp.Body.Close()
	return nil, decodeError(resp)
}

// doJSON performs a request and unmarshals a 200 response into T.
func doJSON[T any](ctx context.Context, c *Client, method, endpoint string, requestBody any, authenticated bool) (*T, error) {
	resp, err := c.do(ctx, method, endpoint, requestBody, nil, authenticated, http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result T
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("could not unmarshal response: %w", err)
	}
	return &result, nil
}

// LoginResult is the server's answer to a kiosk login.
type LoginResult struct {
	AccessToken  string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExpiresIn    int64     `json:"expires_in"`
	LocationID   string    `json:"location_id"`
	LocationName string    `json:"location_name"`
}

// Login exchanges the location credentials for a token and installs it.
func (c *Client) Login(ctx context.Context, login, password string) (*LoginResult, error) {
	res, err := doJSON[LoginResult](ctx, c, http.MethodPost, "kiosk/login", map[string]string{
		"login":    login,
		"password": password,
	}, false)
	if err != nil {
		return nil, err
	}
	if res.AccessToken == "" {
		return nil, errors.New("login response carried no token")
	}
	c.SetToken(res.AccessToken)
	return res, nil
}

type descriptorsResponse struct {
	Descriptors []struct {
		ID         string    `json:"id"`
		Descriptor []float32 `json:"descriptor"`
	} `json:"descriptors"`
	Version string `json:"version"`
}

// FetchDescriptors downloads the enrolled descriptor set. When ifNoneMatch
// names the current server version it returns (nil, true, nil).
func (c *Client) FetchDescriptors(ctx context.Context, ifNoneMatch string) (*descriptorcache.Fetched, bool, error) {
	header := http.Header{}
	if ifNoneMatch != "" {
		header.Set("If-None-Match", `"`+ifNoneMatch+`"`)
	}

	resp, err := c.do(ctx, http.MethodGet, "kiosk/descriptors", nil, header, true, http.StatusOK, http.StatusNotModified)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, true, nil
	}

	var body descriptorsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false, fmt.Errorf("could not unmarshal descriptors: %w", err)
	}

	version := body.Version
	if version == "" {
		version = resp.Header.Get(constants.DescriptorsVersionHeader)
	}
	fetched := &descriptorcache.Fetched{
		Entries: make([]database.EnrolledEmbedding, 0, len(body.Descriptors)),
		Version: version,
	}
	for _, d := range body.Descriptors {
		fetched.Entries = append(fetched.Entries, database.EnrolledEmbedding{IdentityID: d.ID, Vector: d.Descriptor})
	}
	return fetched, false, nil
}

type attendanceRequest struct {
	IdentityID string          `json:"identity_id"`
	Direction  string          `json:"direction"`
	Device     string          `json:"device,omitempty"`
	Geo        *geofence.Point `json:"geo,omitempty"`
}

// Record posts a presence event. It implements Recorder.
func (c *Client) Record(ctx context.Context, req RecordRequest) (*RecordResult, error) {
	return doJSON[RecordResult](ctx, c, http.MethodPost, "kiosk/attendance", attendanceRequest{
		IdentityID: req.IdentityID,
		Direction:  string(req.Direction),
		Device:     req.Device,
		Geo:        req.Geo,
	}, true)
}

// TodayRecord is one presence record of the current work day.
type TodayRecord struct {
	ID         string     `json:"id"`
	IdentityID string     `json:"identity_id"`
	WorkDay    string     `json:"work_day"`
	CheckIn    time.Time  `json:"check_in"`
	CheckOut   *time.Time `json:"check_out,omitempty"`
	InZone     bool       `json:"in_zone"`
}

// Today lists today's records of the bound location.
func (c *Client) Today(ctx context.Context) ([]TodayRecord, error) {
	res, err := doJSON[struct {
		Records []TodayRecord `json:"records"`
	}](ctx, c, http.MethodGet, "kiosk/attendance/today", nil, true)
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// IdentityProfile is the display profile of a recognized person.
type IdentityProfile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	PhotoRef string `json:"photo_ref"`
}

// LookupIdentity returns the profile of an identity.
func (c *Client) LookupIdentity(ctx context.Context, id string) (*IdentityProfile, error) {
	return doJSON[IdentityProfile](ctx, c, http.MethodGet, "kiosk/identities/"+url.PathEscape(id), nil, true)
}
