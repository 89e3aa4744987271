// Package geo resolves network addresses to locations through a cascade of
// interchangeable providers.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"nameguard-service/internal/models"
)

var (
	ErrProviderUnavailable = errors.New("geo provider unavailable")
	ErrNoProviders         = errors.New("no geo providers configured")
	ErrLookupFailed        = errors.New("all geo providers failed")
)

const (
	DefaultTimeout   = 3 * time.Second
	DefaultUserAgent = "nameguard/1.0"

	maxResponseBytes = 64 << 10
)

// Provider wraps one geo-IP source and normalises its answer.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (models.GeoSnapshot, error)
}

// NewHTTPClient returns the client shared by the HTTP providers.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}

type httpJSON struct {
	client    *http.Client
	userAgent string
}

func newHTTPJSON(client *http.Client) httpJSON {
	if client == nil {
		client = NewHTTPClient(DefaultTimeout)
	}
	return httpJSON{client: client, userAgent: DefaultUserAgent}
}

// get decodes a JSON body into out. Any transport error, non-200 status or
// undecodable body is reported as ErrProviderUnavailable.
func (h httpJSON) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrProviderUnavailable, err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProviderUnavailable, err)
	}
	return nil
}

var asnPattern = regexp.MustCompile(`^AS(\d+)`)

// NormalizeASN maps "AS15169 Google LLC", "15169" and 15169 to "AS15169".
// Other strings pass through unchanged.
func NormalizeASN(v any) models.Signal[string] {
	var s string
	switch t := v.(type) {
	case nil:
		return models.None[string]()
	case string:
		s = strings.TrimSpace(t)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		s = t.String()
	case int:
		s = strconv.Itoa(t)
	case uint:
		s = strconv.FormatUint(uint64(t), 10)
	default:
		s = fmt.Sprint(t)
	}
	if s == "" {
		return models.None[string]()
	}
	if m := asnPattern.FindStringSubmatch(strings.ToUpper(s)); m != nil {
		return models.Some("AS" + m[1])
	}
	if _, err := strconv.ParseUint(s, 10, 64); err == nil {
		return models.Some("AS" + s)
	}
	return models.Some(s)
}

// coord keeps a coordinate pair only when it is not the 0,0 placeholder
// several providers return for unknown locations.
func coord(lat, lon float64) (models.Signal[float64], models.Signal[float64]) {
	if lat == 0 && lon == 0 {
		return models.None[float64](), models.None[float64]()
	}
	return models.Some(lat), models.Some(lon)
}
