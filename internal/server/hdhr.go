package server

import (
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gayhub/tablo2hdhr/internal/model"
	"github.com/gayhub/tablo2hdhr/internal/tuner"
)

const (
	manufacturer    = "Silicondust"
	modelNumber     = "HDTC-2US"
	firmwareName    = "hdhomeruntc_atsc"
	firmwareVersion = "20200101"
	deviceAuth      = "tablo2hdhr"
)

type discovery struct {
	FriendlyName    string `json:"FriendlyName"`
	Manufacturer    string `json:"Manufacturer"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	GuideURL        string `json:"GuideURL"`
	TunerCount      int    `json:"TunerCount"`
}

type lineupStatus struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, discovery{
		FriendlyName:    s.opts.DeviceName,
		Manufacturer:    manufacturer,
		ModelNumber:     modelNumber,
		FirmwareName:    firmwareName,
		FirmwareVersion: firmwareVersion,
		DeviceID:        s.opts.DeviceID,
		DeviceAuth:      deviceAuth,
		BaseURL:         s.opts.BaseURL,
		LineupURL:       s.opts.BaseURL + "/lineup.json",
		GuideURL:        s.opts.BaseURL + "/guide.xml",
		TunerCount:      s.deps.Tuner.Slots().Capacity(),
	})
}

func (s *Server) handleLineupStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, lineupStatus{
		ScanInProgress: 0,
		ScanPossible:   1,
		Source:         "Antenna",
		SourceList:     []string{"Antenna"},
	})
}

// handleLineupPost accepts scan requests; the lineup comes from the cloud, so there is nothing to scan.
func (s *Server) handleLineupPost(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLineup(w http.ResponseWriter, _ *http.Request) {
	items := s.deps.Lineup.Items()
	if items == nil {
		items = []model.LineupItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGuide(w http.ResponseWriter, r *http.Request) {
	f, err := os.Open(s.opts.GuidePath)
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "guide not generated yet")
		return
	}
	if err != nil {
		s.internalError(w, r, "open guide", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.internalError(w, r, "stat guide", err)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	http.ServeContent(w, r, "guide.xml", info.ModTime(), f)
}

// handleAuto resolves the tuner-style /auto/v<guide number> path to a channel id.
func (s *Server) handleAuto(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	for _, item := range s.deps.Lineup.Items() {
		if item.GuideNumber == number {
			s.stream(w, r, item.ID)
			return
		}
	}
	writeError(w, http.StatusNotFound, "channel not found")
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, chi.URLParam(r, "id"))
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, channelID string) {
	stream, err := s.deps.Tuner.Start(r.Context(), channelID)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("channel_id", channelID).
			Msg("tune failed")
		if errors.Is(err, tuner.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "channel not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "stream unavailable")
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	n, err := stream.WriteTo(w)
	event := s.logger.Info()
	if err != nil && r.Context().Err() == nil {
		event = s.logger.Warn().Err(err)
	}
	event.
		Str("stream_id", stream.ID).
		Str("channel_id", channelID).
		Int64("bytes", n).
		Msg("stream closed")
}
