package clock

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	name   string
	offset time.Duration
	err    error
	calls  int
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Query(ctx context.Context) (time.Duration, error) {
	s.calls++
	return s.offset, s.err
}

func fixedBase(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNowAppliesOffsetAndTimezone(t *testing.T) {
	base := time.Date(2026, 10, 16, 22, 30, 0, 0, time.UTC)
	svc, err := New("UTC+7", zerolog.Nop(), WithBase(fixedBase(base)), WithOffset(90*time.Second))
	require.NoError(t, err)

	now := svc.Now()
	assert.Equal(t, 17, now.Day())
	assert.Equal(t, 5, now.Hour())
	assert.Equal(t, 31, now.Minute())

	utc := svc.NowUTC()
	assert.Equal(t, time.UTC, utc.Location())
	assert.True(t, utc.Equal(now))

	today := svc.Today()
	assert.Equal(t, time.Date(2026, 10, 17, 0, 0, 0, 0, svc.Location()), today)
}

func TestSyncSuccessAndFailure(t *testing.T) {
	base := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	svc, err := New("UTC", zerolog.Nop(), WithBase(fixedBase(base)))
	require.NoError(t, err)
	assert.True(t, svc.LastSyncAt().IsZero())

	res := svc.Sync(context.Background(), &staticSource{name: "good", offset: 1500 * time.Millisecond})
	assert.True(t, res.Success)
	assert.Equal(t, int64(1500), res.OffsetMillis)
	assert.Equal(t, 1500*time.Millisecond, svc.Offset())
	assert.Equal(t, base, svc.LastSyncAt())

	res = svc.Sync(context.Background(), &staticSource{name: "bad", err: errors.New("unreachable")})
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
	assert.Equal(t, 1500*time.Millisecond, svc.Offset(), "offset must survive a failed sync")
	assert.Equal(t, int64(1500), res.OffsetMillis)
}

func TestLoadLocation(t *testing.T) {
	tests := []struct {
		in      string
		offset  int
		wantErr bool
	}{
		{"", 0, false},
		{"UTC+7", 7 * 3600, false},
		{"GMT-03:30", -(3*3600 + 30*60), false},
		{"+05:45", 5*3600 + 45*60, false},
		{"Mars/Olympus", 0, true},
		{"UTC+20", 0, true},
	}

	ref := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			loc, err := LoadLocation(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, off := ref.In(loc).Zone()
			assert.Equal(t, tt.offset, off)
		})
	}
}

func TestRestore(t *testing.T) {
	svc, err := New("UTC+7", zerolog.Nop())
	require.NoError(t, err)

	assert.False(t, svc.Restore(State{OffsetMillis: 400, Timezone: "Asia/Tokyo"}))
	assert.Equal(t, time.Duration(0), svc.Offset())

	synced := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	assert.True(t, svc.Restore(State{OffsetMillis: 400, Timezone: "UTC+7", LastSyncAt: synced}))
	assert.Equal(t, 400*time.Millisecond, svc.Offset())

	svc.Sync(context.Background(), &staticSource{name: "live", offset: time.Second})
	assert.False(t, svc.Restore(State{OffsetMillis: 5, Timezone: "UTC+7"}), "live sync wins over checkpoint")
	assert.Equal(t, time.Second, svc.Offset())
}

func TestChainFallsBack(t *testing.T) {
	first := &staticSource{name: "ntp", err: errors.New("timeout")}
	second := &staticSource{name: "http", offset: -2 * time.Second}
	third := &staticSource{name: "never", offset: time.Hour}

	offset, err := Chain{first, second, third}.Query(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -2*time.Second, offset)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, third.calls)

	_, err = Chain{first}.Query(context.Background())
	assert.ErrorContains(t, err, "timeout")

	_, err = Chain{}.Query(context.Background())
	assert.Error(t, err)
}

func TestHTTPSource(t *testing.T) {
	local := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		field string
		body  string
		want  time.Duration
	}{
		{"unix seconds", "unixtime", `{"unixtime": 1792152010}`, 10 * time.Second},
		{"unix millis", "data.ms", `{"data": {"ms": 1792151999000}}`, -time.Second},
		{"rfc3339", "utc_datetime", `{"utc_datetime": "2026-10-16T12:00:03.5+00:00"}`, 3500 * time.Millisecond},
		{"no zone offset", "dateTime", `{"dateTime": "2026-10-16T12:00:02.1234567", "timeZone": "UTC"}`, 2123456700 * time.Nanosecond},
		{"no fraction", "dateTime", `{"dateTime": "2026-10-16T11:59:58"}`, -2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			src := NewHTTPSource(srv.URL, tt.field, time.Second)
			src.now = fixedBase(local)

			got, err := src.Query(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPSourceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"other": true, "label": "yesterday"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPSource(srv.URL+"/down", "unixtime", time.Second).Query(context.Background())
	assert.ErrorContains(t, err, "503")

	_, err = NewHTTPSource(srv.URL, "unixtime", time.Second).Query(context.Background())
	assert.ErrorContains(t, err, "missing")

	_, err = NewHTTPSource(srv.URL, "other", time.Second).Query(context.Background())
	assert.ErrorContains(t, err, "unsupported")

	_, err = NewHTTPSource(srv.URL, "label", time.Second).Query(context.Background())
	assert.ErrorContains(t, err, `parse "label"`)
}

type memCheckpoint struct {
	mu    sync.Mutex
	state *State
	err   error
}

func (m *memCheckpoint) SaveClock(ctx context.Context, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.state = &st
	return nil
}

func (m *memCheckpoint) LoadClock(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.err
}

func TestSyncerCheckpoints(t *testing.T) {
	cp := &memCheckpoint{}
	svc, err := New("UTC+7", zerolog.Nop())
	require.NoError(t, err)

	syncer := NewSyncer(svc, &staticSource{name: "ntp", offset: 250 * time.Millisecond}, cp, zerolog.Nop())
	res := syncer.SyncNow(context.Background())
	require.True(t, res.Success)
	require.NotNil(t, cp.state)
	assert.Equal(t, int64(250), cp.state.OffsetMillis)
	assert.Equal(t, "UTC+7", cp.state.Timezone)

	restarted, err := New("UTC+7", zerolog.Nop())
	require.NoError(t, err)
	NewSyncer(restarted, &staticSource{name: "ntp", err: errors.New("down")}, cp, zerolog.Nop()).Restore(context.Background())
	assert.Equal(t, 250*time.Millisecond, restarted.Offset())
}

func TestSyncerFailureDoesNotCheckpoint(t *testing.T) {
	cp := &memCheckpoint{}
	svc, err := New("UTC", zerolog.Nop(), WithOffset(time.Second))
	require.NoError(t, err)

	res := NewSyncer(svc, &staticSource{name: "ntp", err: errors.New("down")}, cp, zerolog.Nop()).SyncNow(context.Background())
	assert.False(t, res.Success)
	assert.Nil(t, cp.state)
	assert.Equal(t, time.Second, svc.Offset())
}
