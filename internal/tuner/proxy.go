// Package tuner relays live channels to clients within the device's tuner limit.
package tuner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gayhub/tablo2hdhr/internal/metrics"
	"github.com/gayhub/tablo2hdhr/internal/model"
)

var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrMissingSource    = errors.New("channel has no source url")
	ErrNoTunerAvailable = errors.New("no tuner available")
	ErrNoPlaybackURL    = errors.New("watch response has no playback url")
)

const defaultKeepalive = 120 * time.Second

type Lookup interface {
	Get(id string) (model.LineupItem, bool)
}

type Device interface {
	DeviceRequest(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error)
}

type Ledger interface {
	CreateStream(ctx context.Context, rec model.StreamRecord) error
	EndStream(ctx context.Context, id, status, errMsg string) error
}

type Proxy struct {
	lineup     Lookup
	device     Device
	identity   func() string
	transcoder Transcoder
	slots      *Slots
	ledger     Ledger
	logger     zerolog.Logger

	// keepaliveUnit scales the keepalive period the device reports.
	keepaliveUnit time.Duration
}

func NewProxy(lineup Lookup, device Device, identity func() string, transcoder Transcoder, slots *Slots, ledger Ledger, logger zerolog.Logger) *Proxy {
	return &Proxy{
		lineup:     lineup,
		device:     device,
		identity:   identity,
		transcoder: transcoder,
		slots:      slots,
		ledger:     ledger,
		logger:     logger.With().Str("component", "tuner").Logger(),

		keepaliveUnit: time.Second,
	}
}

func (p *Proxy) Slots() *Slots {
	return p.slots
}

type watchRequest struct {
	DeviceID string     `json:"device_id"`
	Platform string     `json:"platform"`
	Extra    watchExtra `json:"extra"`
}

type watchExtra struct {
	DeviceID    string `json:"deviceId"`
	DeviceModel string `json:"deviceModel"`
	DeviceType  string `json:"deviceType"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

type watchResponse struct {
	Token       string `json:"token"`
	Keepalive   int    `json:"keepalive"`
	PlaylistURL string `json:"playlist_url"`
}

// Start resolves channelID, reserves a tuner for broadcast channels, opens a
// watch session on the device and spawns the transcoder. The stream lives
// until ctx ends or Close is called.
func (p *Proxy) Start(ctx context.Context, channelID string) (*Stream, error) {
	item, ok := p.lineup.Get(channelID)
	if !ok {
		metrics.StreamRejections.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	if item.SourceURL == "" {
		metrics.StreamRejections.WithLabelValues("missing_source").Inc()
		return nil, fmt.Errorf("%w: %s", ErrMissingSource, channelID)
	}

	holdsTuner := item.Kind.ConsumesTuner()
	if holdsTuner && !p.slots.TryAcquire() {
		metrics.StreamRejections.WithLabelValues("capacity").Inc()
		return nil, fmt.Errorf("%w (%d/%d)", ErrNoTunerAvailable, p.slots.InUse(), p.slots.Capacity())
	}
	committed := false
	defer func() {
		if holdsTuner && !committed {
			p.slots.Release()
		}
	}()

	streamCtx, cancel := context.WithCancel(ctx)
	defer func() {
		if !committed {
			cancel()
		}
	}()

	playbackURL := item.SourceURL
	var watch watchResponse
	if item.Kind == model.ChannelBroadcast {
		var err error
		watch, err = p.watch(streamCtx, item.SourceURL)
		if err != nil {
			metrics.StreamRejections.WithLabelValues("upstream").Inc()
			return nil, err
		}
		playbackURL = watch.PlaylistURL
	}

	body, err := p.transcoder.Start(streamCtx, playbackURL)
	if err != nil {
		metrics.StreamRejections.WithLabelValues("transcoder").Inc()
		return nil, err
	}

	committed = true
	s := &Stream{
		ID:         uuid.NewString(),
		ChannelID:  item.ID,
		Kind:       item.Kind,
		StartedAt:  time.Now().UTC(),
		body:       body,
		cancel:     cancel,
		holdsTuner: holdsTuner,
		proxy:      p,
	}
	metrics.StreamStarts.WithLabelValues(string(item.Kind)).Inc()
	if holdsTuner {
		p.logger.Info().
			Str("channel", item.GuideNumber).
			Msgf("tuner in use %d/%d", p.slots.InUse(), p.slots.Capacity())
	} else {
		p.logger.Info().Str("channel", item.GuideNumber).Msg("internet stream started")
	}
	p.record(s)

	if watch.Token != "" {
		go p.keepalive(streamCtx, watch)
	}
	context.AfterFunc(streamCtx, func() { _ = s.Close() })
	return s, nil
}

func (p *Proxy) watch(ctx context.Context, path string) (watchResponse, error) {
	identity := ""
	if p.identity != nil {
		identity = p.identity()
	}
	reqBody, err := json.Marshal(watchRequest{
		DeviceID: identity,
		Platform: "android",
		Extra: watchExtra{
			DeviceID:    identity,
			DeviceModel: "tablo2hdhr",
			DeviceType:  "hdhr",
			Width:       1920,
			Height:      1080,
		},
	})
	if err != nil {
		return watchResponse{}, err
	}
	raw, err := p.device.DeviceRequest(ctx, http.MethodPost, path, nil, reqBody)
	if err != nil {
		return watchResponse{}, fmt.Errorf("watch request: %w", err)
	}
	var out watchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return watchResponse{}, fmt.Errorf("decode watch response: %w", err)
	}
	if out.PlaylistURL == "" {
		return watchResponse{}, ErrNoPlaybackURL
	}
	return out, nil
}

// keepalive pings the device watch session until ctx ends.
func (p *Proxy) keepalive(ctx context.Context, watch watchResponse) {
	interval := time.Duration(watch.Keepalive) * p.keepaliveUnit
	if interval <= 0 {
		interval = defaultKeepalive
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	path := "/player/sessions/" + url.PathEscape(watch.Token) + "/keepalive"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.device.DeviceRequest(ctx, http.MethodPost, path, nil, nil); err != nil && ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("keepalive failed")
			}
		}
	}
}

func (p *Proxy) record(s *Stream) {
	if p.ledger == nil {
		return
	}
	err := p.ledger.CreateStream(context.Background(), model.StreamRecord{
		ID:            s.ID,
		ChannelID:     s.ChannelID,
		Kind:          s.Kind,
		ConsumesTuner: s.holdsTuner,
		Status:        "streaming",
		StartedAt:     s.StartedAt,
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("record stream")
	}
}

func (p *Proxy) finish(s *Stream, cause error) {
	if s.holdsTuner {
		p.slots.Release()
		p.logger.Info().
			Str("channel", s.ChannelID).
			Msgf("tuner released %d/%d", p.slots.InUse(), p.slots.Capacity())
	}
	if p.ledger == nil {
		return
	}
	status, msg := "ended", ""
	if cause != nil {
		status, msg = "failed", cause.Error()
	}
	if err := p.ledger.EndStream(context.Background(), s.ID, status, msg); err != nil {
		p.logger.Warn().Err(err).Msg("finish stream")
	}
}

type Stream struct {
	ID        string
	ChannelID string
	Kind      model.ChannelKind
	StartedAt time.Time

	body       io.ReadCloser
	cancel     context.CancelFunc
	holdsTuner bool
	proxy      *Proxy
	once       sync.Once
}

type flusher interface {
	Flush()
}

// WriteTo copies transport stream bytes to w until the source ends or a write
// fails, then tears the stream down.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 32*1024)
	f, canFlush := w.(flusher)
	var written int64
	var copyErr error
	for {
		n, rerr := s.body.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				copyErr = werr
				break
			}
			if canFlush {
				f.Flush()
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				copyErr = rerr
			}
			break
		}
	}
	s.closeWith(copyErr)
	return written, copyErr
}

func (s *Stream) Close() error {
	s.closeWith(nil)
	return nil
}

func (s *Stream) closeWith(cause error) {
	s.once.Do(func() {
		s.cancel()
		_ = s.body.Close()
		s.proxy.finish(s, cause)
	})
}
