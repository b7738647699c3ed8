package scrobble

import (
	"context"
	"crypto/md5"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ProviderError carries a Last.fm numeric error code, driving the backend's
// state transition table.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("lastfm error %d: %s", e.Code, e.Message)
}

// lfmReply is the XML envelope every Last.fm API response shares.
type lfmReply struct {
	XMLName xml.Name `xml:"lfm"`
	Status  string   `xml:"status,attr"`
	Error   struct {
		Code    int    `xml:"code,attr"`
		Message string `xml:",chardata"`
	} `xml:"error"`
	Session struct {
		Key string `xml:"key"`
	} `xml:"session"`
}

// LastFMClient is the HTTP-facing Provider implementation.
type LastFMClient struct {
	apiURL    string
	apiKey    string
	apiSecret string
	userAgent string

	mu     sync.Mutex
	client *http.Client
}

// NewLastFMClient creates a client against apiURL (normally
// "https://ws.audioscrobbler.com/2.0/"), signing requests with apiKey and
// apiSecret.
func NewLastFMClient(apiURL, apiKey, apiSecret, userAgent string) *LastFMClient {
	return &LastFMClient{
		apiURL:    apiURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		userAgent: userAgent,
		client:    &http.Client{},
	}
}

// sign computes api_sig: concatenate sorted key||value pairs (excluding
// "format" and "api_sig" themselves), append the shared secret, MD5.
func (c *LastFMClient) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "format" || k == "api_sig" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	b.WriteString(c.apiSecret)
	sum := md5.Sum([]byte(b.String()))
	return fmt.Sprintf("%x", sum)
}

func (c *LastFMClient) do(ctx context.Context, params map[string]string) (*lfmReply, error) {
	params["api_key"] = c.apiKey
	params["api_sig"] = c.sign(params)

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	reply, err := c.post(ctx, form)
	if err != nil && isNetworkDisabled(err) {
		// Recreate the transport and retry exactly once: mirrors the
		// original client's handling of the OS reporting networking
		// temporarily disabled.
		c.mu.Lock()
		c.client = &http.Client{}
		c.mu.Unlock()
		reply, err = c.post(ctx, form)
	}
	if err != nil {
		return nil, err
	}
	if reply.Status != "ok" {
		return nil, &ProviderError{Code: reply.Error.Code, Message: strings.TrimSpace(reply.Error.Message)}
	}
	return reply, nil
}

func (c *LastFMClient) post(ctx context.Context, form url.Values) (*lfmReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var reply lfmReply
	if err := xml.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("decode lastfm reply: %w", err)
	}
	return &reply, nil
}

func isNetworkDisabled(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "network access is disabled") ||
		strings.Contains(strings.ToLower(err.Error()), "network is unreachable")
}

// Authenticate implements Provider.
func (c *LastFMClient) Authenticate(ctx context.Context, username, password string) (string, error) {
	reply, err := c.do(ctx, map[string]string{
		"method":   "auth.getMobileSession",
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	return reply.Session.Key, nil
}

// UpdateNowPlaying implements Provider.
func (c *LastFMClient) UpdateNowPlaying(ctx context.Context, sessionKey string, t Track) error {
	_, err := c.do(ctx, map[string]string{
		"method":   "track.updateNowPlaying",
		"sk":       sessionKey,
		"artist":   t.Artist,
		"track":    t.Title,
		"album":    t.Album,
		"duration": strconv.Itoa(t.DurationSecs),
	})
	return err
}

// Scrobble implements Provider.
func (c *LastFMClient) Scrobble(ctx context.Context, sessionKey string, timestampUnix int64, t Track) error {
	_, err := c.do(ctx, map[string]string{
		"method":    "track.scrobble",
		"sk":        sessionKey,
		"artist":    t.Artist,
		"track":     t.Title,
		"album":     t.Album,
		"timestamp": strconv.FormatInt(timestampUnix, 10),
	})
	return err
}
