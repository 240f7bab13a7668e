package guide

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gayhub/tablo2hdhr/internal/epg"
	"github.com/gayhub/tablo2hdhr/internal/model"
	"github.com/gayhub/tablo2hdhr/internal/provider"
	"github.com/gayhub/tablo2hdhr/internal/store"
)

var syncNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type fakeGuide struct {
	mu       sync.Mutex
	payloads map[string]string
	failing  map[string]bool
	gets     int
	heads    int
}

func (f *fakeGuide) key(channelID, day string) string {
	return channelID + "/" + day
}

func (f *fakeGuide) Airings(_ context.Context, _ provider.Auth, channelID, day string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	k := f.key(channelID, day)
	if f.failing[k] {
		return nil, errors.New("upstream 503")
	}
	if p, ok := f.payloads[k]; ok {
		return []byte(p), nil
	}
	return []byte("[]"), nil
}

func (f *fakeGuide) AiringsSize(_ context.Context, _ provider.Auth, channelID, day string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads++
	k := f.key(channelID, day)
	if f.failing[k] {
		return -1, errors.New("upstream 503")
	}
	if p, ok := f.payloads[k]; ok {
		return int64(len(p)), nil
	}
	return 2, nil
}

func (f *fakeGuide) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.heads
}

type staticChannels struct {
	mu       sync.Mutex
	channels []model.Channel
}

func (s *staticChannels) Refresh(context.Context) error { return nil }

func (s *staticChannels) Channels() []model.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Channel(nil), s.channels...)
}

type memJobs struct {
	mu       sync.Mutex
	statuses []string
}

func (m *memJobs) CreateJob(_ context.Context, jobType, details string) (model.Job, error) {
	return model.Job{ID: "job-1", Type: jobType, Status: "queued", Details: details}, nil
}

func (m *memJobs) UpdateJob(_ context.Context, _ string, status, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	return nil
}

func airingJSON(id string, start time.Time) string {
	return fmt.Sprintf(`{"identifier":%q,"title":"Pilot","channel":{"identifier":"C1"},"datetime":%q,"duration":1800,`+
		`"kind":"episode","show":{"title":"The Show"},"episode":{"season":{"kind":"number","number":1},"episodeNumber":1}}`,
		id, start.Format(time.RFC3339))
}

func newSyncer(t *testing.T, source *fakeGuide, channels *staticChannels, jobs JobLedger) (*Syncer, *store.FileStore) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	compiler := epg.NewCompiler(false, "", zerolog.Nop())
	auth := func() provider.Auth { return provider.Auth{Lighthouse: "lh"} }
	s := NewSyncer(source, auth, channels, channels, st, compiler, jobs, nil,
		Options{Days: 2, Now: func() time.Time { return syncNow }}, zerolog.Nop())
	return s, st
}

func kxyz() model.Channel {
	return model.Channel{ID: "C1", Kind: model.ChannelBroadcast, Major: 7, Minor: 1, Network: "KXYZ"}
}

func TestSecondPassDownloadsNothing(t *testing.T) {
	source := &fakeGuide{payloads: map[string]string{
		"C1/2026-10-19": "[" + airingJSON("a1", syncNow.Add(2*time.Hour)) + "]",
	}}
	jobs := &memJobs{}
	s, st := newSyncer(t, source, &staticChannels{channels: []model.Channel{kxyz()}}, jobs)

	first, err := s.Run(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, Result{Downloaded: 2}, first)

	getsBefore, _ := source.counts()
	second, err := s.Run(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 2}, second)
	getsAfter, heads := source.counts()
	assert.Equal(t, getsBefore, getsAfter)
	assert.Equal(t, 2, heads)

	guide, err := st.Read(GuideKey)
	require.NoError(t, err)
	assert.Contains(t, string(guide), `<channel id="711">`)
	assert.Contains(t, string(guide), "The Show")
	assert.Equal(t, []string{"running", "completed", "running", "completed"}, jobs.statuses)
}

func TestChangedSizeRefetches(t *testing.T) {
	source := &fakeGuide{payloads: map[string]string{"C1/2026-10-19": "[]"}}
	s, st := newSyncer(t, source, &staticChannels{channels: []model.Channel{kxyz()}}, nil)

	_, err := s.Run(context.Background(), "test")
	require.NoError(t, err)

	updated := "[" + airingJSON("a1", syncNow.Add(time.Hour)) + "]"
	source.mu.Lock()
	source.payloads["C1/2026-10-19"] = updated
	source.mu.Unlock()

	res, err := s.Run(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 1, res.Skipped)

	raw, err := st.Read("cache/C1_2026-10-19.json")
	require.NoError(t, err)
	assert.Equal(t, updated, string(raw))
}

func TestFailedFetchWritesPlaceholder(t *testing.T) {
	source := &fakeGuide{failing: map[string]bool{"C1/2026-10-20": true}}
	s, st := newSyncer(t, source, &staticChannels{channels: []model.Channel{kxyz()}}, nil)

	res, err := s.Run(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Downloaded)

	raw, err := st.Read("cache/C1_2026-10-20.json")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}

func TestFailedRefetchKeepsOldFile(t *testing.T) {
	good := "[" + airingJSON("a1", syncNow.Add(time.Hour)) + "]"
	source := &fakeGuide{payloads: map[string]string{"C1/2026-10-19": good}}
	s, st := newSyncer(t, source, &staticChannels{channels: []model.Channel{kxyz()}}, nil)

	_, err := s.Run(context.Background(), "test")
	require.NoError(t, err)

	source.mu.Lock()
	source.failing = map[string]bool{"C1/2026-10-19": true}
	source.mu.Unlock()

	res, err := s.Run(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	raw, err := st.Read("cache/C1_2026-10-19.json")
	require.NoError(t, err)
	assert.Equal(t, good, string(raw))
}

func TestInvalidPayloadCountsAsFailure(t *testing.T) {
	source := &fakeGuide{payloads: map[string]string{"C1/2026-10-19": `{"error":"oops"}`}}
	s, st := newSyncer(t, source, &staticChannels{channels: []model.Channel{kxyz()}}, nil)

	res, err := s.Run(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	raw, err := st.Read("cache/C1_2026-10-19.json")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}

func TestPruneRemovesStaleFiles(t *testing.T) {
	source := &fakeGuide{}
	channels := &staticChannels{channels: []model.Channel{kxyz(), {ID: "C2", Kind: model.ChannelBroadcast, Major: 9, Minor: 1}}}
	s, st := newSyncer(t, source, channels, nil)

	require.NoError(t, st.Write("cache/C1_2026-10-18.json", []byte("[]")))
	_, err := s.Run(context.Background(), "test")
	require.NoError(t, err)

	channels.mu.Lock()
	channels.channels = channels.channels[:1]
	channels.mu.Unlock()

	res, err := s.Run(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pruned)

	names, err := st.List("cache")
	require.NoError(t, err)
	assert.Equal(t, []string{"C1_2026-10-19.json", "C1_2026-10-20.json"}, names)
}

type brokenJobs struct{ memJobs }

func (b *brokenJobs) UpdateJob(context.Context, string, string, string, string) error {
	return errors.New("database is locked")
}

func TestLedgerFailuresAreLogged(t *testing.T) {
	var buf bytes.Buffer
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	auth := func() provider.Auth { return provider.Auth{} }
	channels := &staticChannels{channels: []model.Channel{kxyz()}}
	s := NewSyncer(&fakeGuide{}, auth, channels, channels, st, epg.NewCompiler(false, "", zerolog.Nop()), &brokenJobs{}, nil,
		Options{Days: 1, Now: func() time.Time { return syncNow }}, zerolog.New(&buf))

	res, err := s.Run(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 2, strings.Count(buf.String(), `"message":"update job"`))
	assert.Contains(t, buf.String(), "database is locked")
}

func TestRunRejectsOverlap(t *testing.T) {
	s, _ := newSyncer(t, &fakeGuide{}, &staticChannels{}, nil)
	s.running.Lock()
	defer s.running.Unlock()

	_, err := s.Run(context.Background(), "test")
	assert.ErrorIs(t, err, ErrSyncRunning)
}

func TestCacheNameRoundTrip(t *testing.T) {
	name := cacheName("a/b_c", "2026-10-19")
	assert.False(t, strings.Contains(name, "/"))
	id, day, ok := parseCacheName(name)
	require.True(t, ok)
	assert.Equal(t, "a/b_c", id)
	assert.Equal(t, "2026-10-19", day)

	_, _, ok = parseCacheName("notes.txt")
	assert.False(t, ok)
}

type countingRunner struct {
	calls atomic.Int32
}

func (c *countingRunner) Run(context.Context, string) (Result, error) {
	c.calls.Add(1)
	return Result{}, nil
}

func TestSchedulerRunsAtStartup(t *testing.T) {
	runner := &countingRunner{}
	sched, err := NewScheduler("@every 1h", runner, zerolog.Nop())
	require.NoError(t, err)
	sched.Start()
	defer sched.Stop()

	assert.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler("every tuesday", &countingRunner{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestWatcherRecompilesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extra.xml")
	var calls atomic.Int32
	w, err := NewWatcher(path, func() error {
		calls.Add(1)
		return nil
	}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.xml"), []byte("<tv></tv>"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("<tv></tv>"), 0o644))

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
}
