package tuner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gayhub/tablo2hdhr/internal/model"
)

type mapLookup map[string]model.LineupItem

func (m mapLookup) Get(id string) (model.LineupItem, bool) {
	item, ok := m[id]
	return item, ok
}

type fakeDevice struct {
	mu       sync.Mutex
	response string
	err      error
	paths    []string
	bodies   []string
}

func (f *fakeDevice) DeviceRequest(_ context.Context, method, path string, _ url.Values, body []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, method+" "+path)
	f.bodies = append(f.bodies, string(body))
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.response), nil
}

type fakeTranscoder struct {
	mu      sync.Mutex
	urls    []string
	err     error
	writers []*io.PipeWriter
}

func (f *fakeTranscoder) Start(_ context.Context, playbackURL string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.urls = append(f.urls, playbackURL)
	r, w := io.Pipe()
	f.writers = append(f.writers, w)
	return r, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	created []string
	ended   map[string]string
}

func (f *fakeLedger) CreateStream(_ context.Context, rec model.StreamRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, rec.ChannelID)
	return nil
}

func (f *fakeLedger) EndStream(_ context.Context, id, status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended == nil {
		f.ended = map[string]string{}
	}
	f.ended[id] = status
	return nil
}

func testLineup() mapLookup {
	return mapLookup{
		"C1": {ID: "C1", GuideNumber: "7.1", Kind: model.ChannelBroadcast, SourceURL: "/guide/channels/C1/watch"},
		"C2": {ID: "C2", GuideNumber: "9.1", Kind: model.ChannelBroadcast, SourceURL: "/guide/channels/C2/watch"},
		"C3": {ID: "C3", GuideNumber: "11.1", Kind: model.ChannelBroadcast, SourceURL: "/guide/channels/C3/watch"},
		"N1": {ID: "N1", GuideNumber: "1000.1", Kind: model.ChannelInternet, SourceURL: "https://cdn/news.m3u8"},
		"X1": {ID: "X1", GuideNumber: "2.1", Kind: model.ChannelBroadcast},
	}
}

func newProxy(capacity int, device *fakeDevice, tc *fakeTranscoder, ledger Ledger) *Proxy {
	return NewProxy(testLineup(), device, func() string { return "install-1" }, tc, NewSlots(capacity), ledger, zerolog.Nop())
}

func okDevice() *fakeDevice {
	return &fakeDevice{response: `{"token":"tok","keepalive":120,"playlist_url":"http://device/pl.m3u8"}`}
}

func TestStartUnknownChannel(t *testing.T) {
	p := newProxy(2, okDevice(), &fakeTranscoder{}, nil)

	_, err := p.Start(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.Equal(t, 0, p.Slots().InUse())
}

func TestStartMissingSource(t *testing.T) {
	device := okDevice()
	p := newProxy(2, device, &fakeTranscoder{}, nil)

	_, err := p.Start(context.Background(), "X1")
	assert.ErrorIs(t, err, ErrMissingSource)
	assert.Empty(t, device.paths)
}

func TestCapacityScenario(t *testing.T) {
	device := okDevice()
	tc := &fakeTranscoder{}
	ledger := &fakeLedger{}
	p := newProxy(2, device, tc, ledger)

	first, err := p.Start(context.Background(), "C1")
	require.NoError(t, err)
	second, err := p.Start(context.Background(), "C2")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Slots().InUse())

	_, err = p.Start(context.Background(), "C3")
	assert.ErrorIs(t, err, ErrNoTunerAvailable)
	assert.Equal(t, 2, p.Slots().InUse())
	assert.Len(t, device.paths, 2)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())
	assert.Equal(t, 1, p.Slots().InUse())

	third, err := p.Start(context.Background(), "C3")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Slots().InUse())

	require.NoError(t, second.Close())
	require.NoError(t, third.Close())
	assert.Equal(t, 0, p.Slots().InUse())
	assert.Equal(t, []string{"C1", "C2", "C3"}, ledger.created)
	assert.Len(t, ledger.ended, 3)
	assert.Equal(t, "http://device/pl.m3u8", tc.urls[0])
	assert.Contains(t, device.bodies[0], `"device_id":"install-1"`)
}

func TestInternetChannelSkipsTuner(t *testing.T) {
	device := okDevice()
	tc := &fakeTranscoder{}
	p := newProxy(1, device, tc, nil)

	s, err := p.Start(context.Background(), "N1")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Slots().InUse())
	assert.Empty(t, device.paths)
	assert.Equal(t, []string{"https://cdn/news.m3u8"}, tc.urls)
	require.NoError(t, s.Close())
	assert.Equal(t, 0, p.Slots().InUse())
}

func TestFailedStartsLeaveCounterUnchanged(t *testing.T) {
	cases := []struct {
		name   string
		device *fakeDevice
		tc     *fakeTranscoder
		want   error
	}{
		{"no playlist", &fakeDevice{response: `{"token":"tok"}`}, &fakeTranscoder{}, ErrNoPlaybackURL},
		{"device error", &fakeDevice{err: errors.New("refused")}, &fakeTranscoder{}, nil},
		{"transcoder error", okDevice(), &fakeTranscoder{err: errors.New("exec: ffmpeg not found")}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newProxy(1, tc.device, tc.tc, nil)
			_, err := p.Start(context.Background(), "C1")
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
			assert.Equal(t, 0, p.Slots().InUse())
		})
	}
}

func TestDisconnectReleasesTuner(t *testing.T) {
	tc := &fakeTranscoder{}
	p := newProxy(1, okDevice(), tc, nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := p.Start(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Slots().InUse())

	cancel()
	assert.Eventually(t, func() bool { return p.Slots().InUse() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWriteToCopiesUntilSourceEnds(t *testing.T) {
	tc := &fakeTranscoder{}
	ledger := &fakeLedger{}
	p := newProxy(1, okDevice(), tc, ledger)

	s, err := p.Start(context.Background(), "C1")
	require.NoError(t, err)

	go func() {
		w := tc.writers[0]
		_, _ = w.Write([]byte("ts-packet-1"))
		_, _ = w.Write([]byte("ts-packet-2"))
		_ = w.Close()
	}()

	var out bytes.Buffer
	n, err := s.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(22), n)
	assert.True(t, strings.HasPrefix(out.String(), "ts-packet-1"))
	assert.Equal(t, 0, p.Slots().InUse())
	assert.Equal(t, "ended", ledger.ended[s.ID])
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriteErrorReleasesOnce(t *testing.T) {
	tc := &fakeTranscoder{}
	ledger := &fakeLedger{}
	p := newProxy(1, okDevice(), tc, ledger)

	s, err := p.Start(context.Background(), "C1")
	require.NoError(t, err)
	go func() { _, _ = tc.writers[0].Write([]byte("data")) }()

	_, err = s.WriteTo(brokenWriter{})
	assert.Error(t, err)
	require.NoError(t, s.Close())
	assert.Equal(t, 0, p.Slots().InUse())
	assert.Equal(t, "failed", ledger.ended[s.ID])
}

func TestSlotsNeverExceedCapacity(t *testing.T) {
	s := NewSlots(3)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryAcquire() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, granted)
	assert.Equal(t, 3, s.InUse())
	s.Release()
	s.Release()
	s.Release()
	s.Release()
	assert.Equal(t, 0, s.InUse())
}

func TestFFmpegArgs(t *testing.T) {
	f := NewFFmpeg("", "verbose", zerolog.Nop())
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error", "-i", "http://x/pl.m3u8",
		"-map", "0", "-c", "copy", "-f", "mpegts", "pipe:1",
	}, f.args("http://x/pl.m3u8"))
	assert.Equal(t, "warning", normalizeLogLevel("WARNING"))
}

func (f *fakeDevice) countPath(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.paths {
		if p == path {
			n++
		}
	}
	return n
}

func TestKeepalivePingsUntilClose(t *testing.T) {
	device := &fakeDevice{response: `{"token":"tok","keepalive":5,"playlist_url":"http://device/pl.m3u8"}`}
	p := newProxy(1, device, &fakeTranscoder{}, nil)
	p.keepaliveUnit = time.Millisecond

	s, err := p.Start(context.Background(), "C1")
	require.NoError(t, err)

	const ping = "POST /player/sessions/tok/keepalive"
	assert.Eventually(t, func() bool { return device.countPath(ping) >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	time.Sleep(20 * time.Millisecond)
	settled := device.countPath(ping)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, device.countPath(ping))
}
