package lighthouse

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gayhub/tablo2hdhr/internal/calendar"
	"github.com/gayhub/tablo2hdhr/internal/model"
)

type wireLogo struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

type wireStation struct {
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	CallSign  string `json:"callSign"`
	Network   string `json:"network"`
	StreamURL string `json:"streamUrl"`
}

type wireChannel struct {
	ID    string       `json:"identifier"`
	Kind  string       `json:"kind"`
	Logos []wireLogo   `json:"logos"`
	OTA   *wireStation `json:"ota"`
	OTT   *wireStation `json:"ott"`
}

// DecodeChannels parses a channel list payload. Entries of unknown kind are skipped.
func DecodeChannels(raw []byte) ([]model.Channel, error) {
	var wire []wireChannel
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}

	out := make([]model.Channel, 0, len(wire))
	for _, w := range wire {
		var station *wireStation
		kind := model.ChannelKind(w.Kind)
		switch kind {
		case model.ChannelBroadcast:
			station = w.OTA
		case model.ChannelInternet:
			station = w.OTT
		default:
			continue
		}
		if station == nil || w.ID == "" {
			continue
		}
		ch := model.Channel{
			ID:       w.ID,
			Kind:     kind,
			Major:    station.Major,
			Minor:    station.Minor,
			Network:  station.Network,
			CallSign: station.CallSign,
		}
		if kind == model.ChannelInternet {
			ch.StreamURL = station.StreamURL
		}
		for _, logo := range w.Logos {
			ch.Logos = append(ch.Logos, model.Logo{Kind: logo.Kind, URL: logo.URL})
		}
		out = append(out, ch)
	}
	return out, nil
}

type wireImage struct {
	URL string `json:"url"`
}

type wireSeason struct {
	Kind   string `json:"kind"`
	Number *int   `json:"number"`
	String string `json:"string"`
}

type wireAiring struct {
	ID      string `json:"identifier"`
	Title   string `json:"title"`
	Channel struct {
		ID string `json:"identifier"`
	} `json:"channel"`
	Datetime    string      `json:"datetime"`
	Duration    int         `json:"duration"`
	Description *string     `json:"description"`
	Genres      []string    `json:"genres"`
	Images      []wireImage `json:"images"`
	Kind        string      `json:"kind"`
	Show        *struct {
		Title string `json:"title"`
	} `json:"show"`
	Episode *struct {
		Season          json.RawMessage `json:"season"`
		EpisodeNumber   int             `json:"episodeNumber"`
		OriginalAirDate string          `json:"originalAirDate"`
		Rating          string          `json:"rating"`
	} `json:"episode"`
	MovieAiring *struct {
		ReleaseYear   int     `json:"releaseYear"`
		FilmRating    string  `json:"filmRating"`
		QualityRating float64 `json:"qualityRating"`
	} `json:"movieAiring"`
	SportEvent *struct {
		Season string `json:"season"`
	} `json:"sportEvent"`
}

var airingTimeLayouts = []string{time.RFC3339, "2006-01-02T15:04Z07:00"}

// DecodeAirings parses one cached day-file. Airings of unknown kind or with an
// unreadable start time are skipped.
func DecodeAirings(raw []byte) ([]model.Airing, error) {
	var wire []wireAiring
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode airings: %w", err)
	}

	out := make([]model.Airing, 0, len(wire))
	for _, w := range wire {
		start, ok := parseAiringTime(w.Datetime)
		if !ok {
			continue
		}
		a := model.Airing{
			ID:          w.ID,
			Title:       w.Title,
			ChannelID:   w.Channel.ID,
			Start:       start,
			Duration:    time.Duration(w.Duration) * time.Second,
			Description: w.Description,
			Genres:      w.Genres,
		}
		for _, img := range w.Images {
			if img.URL != "" {
				a.Images = append(a.Images, img.URL)
			}
		}

		switch w.Kind {
		case "episode":
			ep := model.Episode{}
			if w.Show != nil {
				ep.ShowTitle = w.Show.Title
			}
			if w.Episode != nil {
				ep.Season = seasonLabel(w.Episode.Season)
				ep.Number = w.Episode.EpisodeNumber
				ep.Rating = w.Episode.Rating
				if d, err := time.Parse(calendar.DayLayout, w.Episode.OriginalAirDate); err == nil {
					ep.OriginalAirDate = &d
				}
			}
			a.Detail = ep
		case "movieAiring":
			mv := model.Movie{}
			if w.MovieAiring != nil {
				mv.ReleaseYear = w.MovieAiring.ReleaseYear
				mv.FilmRating = w.MovieAiring.FilmRating
				mv.QualityRating = w.MovieAiring.QualityRating
			}
			a.Detail = mv
		case "sportEvent":
			sp := model.Sport{}
			if w.SportEvent != nil {
				sp.Season = w.SportEvent.Season
			}
			a.Detail = sp
		default:
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func parseAiringTime(raw string) (time.Time, bool) {
	for _, layout := range airingTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// seasonLabel accepts either {"kind":"number","number":2} or a bare string/number.
func seasonLabel(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s wireSeason
	if err := json.Unmarshal(raw, &s); err == nil {
		if s.Kind == "number" && s.Number != nil {
			return strconv.Itoa(*s.Number)
		}
		return s.String
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.Itoa(n)
	}
	return strings.Trim(string(raw), `"`)
}
