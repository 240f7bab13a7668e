// Package lineup keeps the channel list and its client-facing projection.
package lineup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gayhub/tablo2hdhr/internal/model"
	"github.com/gayhub/tablo2hdhr/internal/provider"
	"github.com/gayhub/tablo2hdhr/internal/provider/lighthouse"
	"github.com/gayhub/tablo2hdhr/internal/store"
)

const (
	storeKey      = "lineup.json"
	preferredLogo = "lightLarge"
)

// Project derives the lineup records served to clients. Internet channels are
// dropped unless includeInternet is set.
func Project(channels []model.Channel, baseURL string, includeInternet bool) []model.LineupItem {
	base := strings.TrimRight(baseURL, "/")
	items := make([]model.LineupItem, 0, len(channels))
	for _, ch := range Filter(channels, includeInternet) {
		item := model.LineupItem{
			ID:          ch.ID,
			GuideNumber: ch.GuideNumber(),
			GuideName:   provider.FirstNonEmpty(ch.CallSign, ch.Network),
			ImageURL:    ch.Logo(preferredLogo),
			Affiliate:   ch.Network,
			URL:         base + "/channel/" + ch.ID,
			Kind:        ch.Kind,
		}
		switch ch.Kind {
		case model.ChannelBroadcast:
			item.SourceURL = "/guide/channels/" + ch.ID + "/watch"
		case model.ChannelInternet:
			item.SourceURL = ch.StreamURL
		}
		items = append(items, item)
	}
	return items
}

func Filter(channels []model.Channel, includeInternet bool) []model.Channel {
	out := make([]model.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.Kind == model.ChannelInternet && !includeInternet {
			continue
		}
		out = append(out, ch)
	}
	return out
}

type Registry struct {
	baseURL         string
	includeInternet bool

	mu       sync.RWMutex
	channels []model.Channel
	items    []model.LineupItem
	byID     map[string]model.LineupItem
}

func NewRegistry(baseURL string, includeInternet bool) *Registry {
	return &Registry{
		baseURL:         baseURL,
		includeInternet: includeInternet,
		byID:            map[string]model.LineupItem{},
	}
}

// Replace swaps the whole lineup.
func (r *Registry) Replace(channels []model.Channel) {
	items := Project(channels, r.baseURL, r.includeInternet)
	byID := make(map[string]model.LineupItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	kept := Filter(channels, r.includeInternet)

	r.mu.Lock()
	r.channels = kept
	r.items = items
	r.byID = byID
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (model.LineupItem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.byID[id]
	return item, ok
}

func (r *Registry) Items() []model.LineupItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.LineupItem(nil), r.items...)
}

// Channels returns the retained lineup entries.
func (r *Registry) Channels() []model.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.Channel(nil), r.channels...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Loader refreshes the registry from the cloud and keeps the last good
// payload in the store for offline restarts.
type Loader struct {
	source   provider.LineupSource
	auth     func() provider.Auth
	store    *store.FileStore
	registry *Registry
	logger   zerolog.Logger
}

func NewLoader(source provider.LineupSource, auth func() provider.Auth, st *store.FileStore, registry *Registry, logger zerolog.Logger) *Loader {
	return &Loader{
		source:   source,
		auth:     auth,
		store:    st,
		registry: registry,
		logger:   logger.With().Str("component", "lineup").Logger(),
	}
}

// Refresh fetches the channel list. On failure the stored copy is used.
func (l *Loader) Refresh(ctx context.Context) error {
	raw, err := l.source.Channels(ctx, l.auth())
	if err == nil {
		var channels []model.Channel
		channels, err = lighthouse.DecodeChannels(raw)
		if err == nil {
			if werr := l.store.Write(storeKey, raw); werr != nil {
				l.logger.Warn().Err(werr).Msg("store lineup")
			}
			l.registry.Replace(channels)
			l.logger.Info().Int("channels", l.registry.Len()).Msg("lineup refreshed")
			return nil
		}
	}
	l.logger.Warn().Err(err).Msg("lineup refresh failed, using stored lineup")
	if lerr := l.LoadStored(); lerr != nil {
		return fmt.Errorf("refresh lineup: %w", errors.Join(err, lerr))
	}
	return nil
}

func (l *Loader) LoadStored() error {
	raw, err := l.store.Read(storeKey)
	if err != nil {
		return fmt.Errorf("read stored lineup: %w", err)
	}
	channels, err := lighthouse.DecodeChannels(raw)
	if err != nil {
		return err
	}
	l.registry.Replace(channels)
	return nil
}
