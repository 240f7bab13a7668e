// Package guide keeps the per-channel, per-day airing cache current and
// rebuilds the XMLTV document from it.
package guide

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gayhub/tablo2hdhr/internal/calendar"
	"github.com/gayhub/tablo2hdhr/internal/epg"
	"github.com/gayhub/tablo2hdhr/internal/metrics"
	"github.com/gayhub/tablo2hdhr/internal/model"
	"github.com/gayhub/tablo2hdhr/internal/provider"
	"github.com/gayhub/tablo2hdhr/internal/provider/lighthouse"
	"github.com/gayhub/tablo2hdhr/internal/store"
)

const (
	cacheDir    = "cache"
	GuideKey    = "guide.xml"
	jobType     = "guide_sync"
	placeholder = "[]"
)

var ErrSyncRunning = errors.New("guide sync already running")

type LineupRefresher interface {
	Refresh(ctx context.Context) error
}

type ChannelSource interface {
	Channels() []model.Channel
}

type JobLedger interface {
	CreateJob(ctx context.Context, jobType string, details string) (model.Job, error)
	UpdateJob(ctx context.Context, jobID string, status string, details string, errText string) error
}

type Publisher interface {
	Publish(event string, payload any)
}

type Result struct {
	Downloaded int `json:"downloaded"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Pruned     int `json:"pruned"`
}

func (r Result) String() string {
	return fmt.Sprintf("downloaded=%d skipped=%d failed=%d pruned=%d", r.Downloaded, r.Skipped, r.Failed, r.Pruned)
}

type Options struct {
	Days int
	Now  func() time.Time
}

type Syncer struct {
	source   provider.GuideSource
	auth     func() provider.Auth
	lineup   LineupRefresher
	channels ChannelSource
	store    *store.FileStore
	compiler *epg.Compiler
	jobs     JobLedger
	events   Publisher
	logger   zerolog.Logger
	days     int
	now      func() time.Time

	running   sync.Mutex
	compiling sync.Mutex
}

func NewSyncer(
	source provider.GuideSource,
	auth func() provider.Auth,
	lineup LineupRefresher,
	channels ChannelSource,
	st *store.FileStore,
	compiler *epg.Compiler,
	jobs JobLedger,
	events Publisher,
	opts Options,
	logger zerolog.Logger,
) *Syncer {
	if opts.Days < 1 {
		opts.Days = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{
		source:   source,
		auth:     auth,
		lineup:   lineup,
		channels: channels,
		store:    st,
		compiler: compiler,
		jobs:     jobs,
		events:   events,
		logger:   logger.With().Str("component", "guide").Logger(),
		days:     opts.Days,
		now:      opts.Now,
	}
}

// Run performs one full pass. An overlapping call returns ErrSyncRunning.
func (s *Syncer) Run(ctx context.Context, trigger string) (Result, error) {
	if !s.running.TryLock() {
		return Result{}, ErrSyncRunning
	}
	defer s.running.Unlock()

	started := time.Now()
	jobID := s.startJob(ctx, trigger)

	res, err := s.run(ctx)
	metrics.GuideSyncSeconds.Observe(time.Since(started).Seconds())
	if err != nil {
		s.finishJob(jobID, "failed", res, err)
		return res, err
	}
	s.finishJob(jobID, "completed", res, nil)
	s.logger.Info().
		Str("trigger", trigger).
		Int("downloaded", res.Downloaded).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Int("pruned", res.Pruned).
		Dur("took", time.Since(started)).
		Msg("guide sync finished")
	return res, nil
}

func (s *Syncer) run(ctx context.Context) (Result, error) {
	var res Result
	if err := s.lineup.Refresh(ctx); err != nil {
		return res, err
	}

	auth := s.auth()
	days := calendar.Days(s.now(), s.days)
	needed := make(map[string]struct{})
	for _, ch := range s.channels.Channels() {
		for _, day := range days {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			name := cacheName(ch.ID, day)
			needed[name] = struct{}{}
			s.syncOne(ctx, auth, ch.ID, day, cacheDir+"/"+name, &res)
		}
	}

	pruned, err := s.prune(needed)
	res.Pruned = pruned
	if err != nil {
		return res, fmt.Errorf("prune cache: %w", err)
	}
	if err := s.Compile(); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Syncer) syncOne(ctx context.Context, auth provider.Auth, channelID, day, key string, res *Result) {
	log := s.logger.With().Str("channel", channelID).Str("day", day).Logger()

	size, exists, err := s.store.Size(key)
	if err != nil {
		log.Error().Err(err).Msg("stat cache file")
		res.Failed++
		metrics.GuideFiles.WithLabelValues("failed").Inc()
		return
	}

	if exists {
		remote, err := s.source.AiringsSize(ctx, auth, channelID, day)
		if err != nil {
			log.Debug().Err(err).Msg("size probe failed, refetching")
		} else if remote == size {
			res.Skipped++
			metrics.GuideFiles.WithLabelValues("skipped").Inc()
			return
		}
	}

	raw, err := s.fetch(ctx, auth, channelID, day)
	if err == nil {
		err = s.store.Write(key, raw)
	}
	if err != nil {
		log.Error().Err(err).Msg("fetch airings")
		res.Failed++
		metrics.GuideFiles.WithLabelValues("failed").Inc()
		if !exists {
			if werr := s.store.Write(key, []byte(placeholder)); werr != nil {
				log.Error().Err(werr).Msg("write placeholder")
			}
		}
		return
	}
	res.Downloaded++
	metrics.GuideFiles.WithLabelValues("downloaded").Inc()
}

func (s *Syncer) fetch(ctx context.Context, auth provider.Auth, channelID, day string) ([]byte, error) {
	raw, err := s.source.Airings(ctx, auth, channelID, day)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("airings payload is not a list: %w", err)
	}
	return raw, nil
}

func (s *Syncer) prune(needed map[string]struct{}) (int, error) {
	names, err := s.store.List(cacheDir)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, name := range names {
		if _, keep := needed[name]; keep {
			continue
		}
		if err := s.store.Delete(cacheDir + "/" + name); err != nil {
			return pruned, err
		}
		pruned++
		metrics.GuideFiles.WithLabelValues("pruned").Inc()
	}
	return pruned, nil
}

// Compile rebuilds guide.xml from the cache without touching the network.
func (s *Syncer) Compile() error {
	s.compiling.Lock()
	defer s.compiling.Unlock()

	raw, err := s.compiler.Compile(s.now(), s.channels.Channels(), s.loadAirings)
	if err != nil {
		return err
	}
	if err := s.store.Write(GuideKey, raw); err != nil {
		return fmt.Errorf("write guide: %w", err)
	}
	if s.events != nil {
		s.events.Publish("guide.compiled", map[string]any{"bytes": len(raw)})
	}
	return nil
}

func (s *Syncer) loadAirings(channelID string) ([]model.Airing, error) {
	names, err := s.store.List(cacheDir)
	if err != nil {
		return nil, err
	}
	var out []model.Airing
	for _, name := range names {
		id, _, ok := parseCacheName(name)
		if !ok || id != channelID {
			continue
		}
		raw, err := s.store.Read(cacheDir + "/" + name)
		if err != nil {
			return nil, err
		}
		airings, err := lighthouse.DecodeAirings(raw)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("skip unreadable cache file")
			continue
		}
		out = append(out, airings...)
	}
	return out, nil
}

func (s *Syncer) startJob(ctx context.Context, trigger string) string {
	if s.jobs == nil {
		return ""
	}
	job, err := s.jobs.CreateJob(ctx, jobType, "trigger="+trigger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("create job")
		return ""
	}
	s.publish("job.created", job)
	if err := s.jobs.UpdateJob(ctx, job.ID, "running", "", ""); err != nil {
		s.logger.Warn().Err(err).Msg("update job")
	}
	s.publish("job.updated", map[string]string{"id": job.ID, "status": "running"})
	return job.ID
}

func (s *Syncer) finishJob(jobID, status string, res Result, cause error) {
	if jobID == "" {
		return
	}
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.jobs.UpdateJob(ctx, jobID, status, res.String(), errText); err != nil {
		s.logger.Warn().Err(err).Msg("update job")
	}
	s.publish("job.updated", map[string]any{
		"id":     jobID,
		"status": status,
		"result": res,
		"error":  errText,
	})
}

func (s *Syncer) publish(event string, payload any) {
	if s.events != nil {
		s.events.Publish(event, payload)
	}
}

func cacheName(channelID, day string) string {
	return url.PathEscape(channelID) + "_" + day + ".json"
}

func parseCacheName(name string) (channelID, day string, ok bool) {
	base, found := strings.CutSuffix(name, ".json")
	if !found {
		return "", "", false
	}
	idx := strings.LastIndex(base, "_")
	if idx <= 0 {
		return "", "", false
	}
	id, err := url.PathUnescape(base[:idx])
	if err != nil {
		return "", "", false
	}
	return id, base[idx+1:], true
}
