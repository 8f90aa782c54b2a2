package clock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/ntp"
	"github.com/tidwall/gjson"
)

// TimeSource measures the offset between the local wall clock and a
// reference clock.
type TimeSource interface {
	Name() string
	Query(ctx context.Context) (time.Duration, error)
}

// NTPSource queries a single NTP server.
type NTPSource struct {
	Host    string
	Timeout time.Duration
}

func (s NTPSource) Name() string { return "ntp:" + s.Host }

func (s NTPSource) Query(ctx context.Context) (time.Duration, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return 0, ctx.Err()
	}

	resp, err := ntp.QueryWithOptions(s.Host, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, fmt.Errorf("ntp query %s: %w", s.Host, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("ntp response %s: %w", s.Host, err)
	}
	return resp.ClockOffset, nil
}

// HTTPSource reads the reference time from an HTTP time API. Field is a
// gjson path to either a unix timestamp (seconds or milliseconds) or a
// date-time string. Strings without a zone offset are read as UTC. With an
// empty Field the Date response header is used.
type HTTPSource struct {
	URL    string
	Field  string
	Client *http.Client
	now    func() time.Time
}

// NewHTTPSource builds a source with a bounded client.
func NewHTTPSource(url, field string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		URL:    url,
		Field:  field,
		Client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

func (s *HTTPSource) Name() string { return "http:" + s.URL }

func (s *HTTPSource) Query(ctx context.Context) (time.Duration, error) {
	now := s.now
	if now == nil {
		now = time.Now
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return 0, err
	}

	sent := now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http time request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	received := now()
	if err != nil {
		return 0, fmt.Errorf("read http time body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("http time api status %d", resp.StatusCode)
	}

	ref, err := s.referenceTime(resp, body)
	if err != nil {
		return 0, err
	}

	midpoint := sent.Add(received.Sub(sent) / 2)
	return ref.Sub(midpoint), nil
}

func (s *HTTPSource) referenceTime(resp *http.Response, body []byte) (time.Time, error) {
	if s.Field == "" {
		t, err := http.ParseTime(resp.Header.Get("Date"))
		if err != nil {
			return time.Time{}, fmt.Errorf("parse Date header: %w", err)
		}
		return t, nil
	}

	v := gjson.GetBytes(body, s.Field)
	if !v.Exists() {
		return time.Time{}, fmt.Errorf("field %q missing in time api response", s.Field)
	}
	switch v.Type {
	case gjson.Number:
		n := v.Int()
		if n > 1e12 {
			return time.UnixMilli(n), nil
		}
		return time.Unix(n, 0), nil
	case gjson.String:
		return parseReference(s.Field, strings.TrimSpace(v.String()))
	default:
		return time.Time{}, fmt.Errorf("field %q has unsupported type %s", s.Field, v.Type)
	}
}

const zonelessLayout = "2006-01-02T15:04:05.999999999"

func parseReference(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err == nil {
		return t, nil
	}
	if t, zerr := time.ParseInLocation(zonelessLayout, raw, time.UTC); zerr == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("parse %q: %w", field, err)
}

// Chain tries sources in order and returns the first successful measurement.
type Chain []TimeSource

func (c Chain) Name() string {
	names := make([]string, len(c))
	for i, s := range c {
		names[i] = s.Name()
	}
	return "chain[" + strings.Join(names, ",") + "]"
}

func (c Chain) Query(ctx context.Context) (time.Duration, error) {
	if len(c) == 0 {
		return 0, errors.New("no time sources configured")
	}
	var errs []error
	for _, src := range c {
		offset, err := src.Query(ctx)
		if err == nil {
			return offset, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return 0, errors.Join(errs...)
}
