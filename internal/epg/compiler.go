// Package epg compiles cached airings and the lineup into an XMLTV document.
package epg

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gayhub/tablo2hdhr/internal/calendar"
	"github.com/gayhub/tablo2hdhr/internal/model"
)

const (
	generatorName = "tablo2hdhr"
	iconLogoKind  = "lightLarge"
	closingTag    = "</tv>"
)

var newlines = regexp.MustCompile(`[\r\n]+`)

// Loader returns every cached airing for one channel.
type Loader func(channelID string) ([]model.Airing, error)

type Compiler struct {
	includeInternet bool
	extraFile       string
	logger          zerolog.Logger
}

func NewCompiler(includeInternet bool, extraFile string, logger zerolog.Logger) *Compiler {
	return &Compiler{
		includeInternet: includeInternet,
		extraFile:       strings.TrimSpace(extraFile),
		logger:          logger.With().Str("component", "epg").Logger(),
	}
}

// ChannelID is the XMLTV id for a lineup entry: major, minor and a trailing 1.
func ChannelID(ch model.Channel) string {
	return strconv.Itoa(ch.Major) + strconv.Itoa(ch.Minor) + "1"
}

// Compile renders the guide. Airings that end at or before now are left out.
func (c *Compiler) Compile(now time.Time, channels []model.Channel, load Loader) ([]byte, error) {
	doc := document{GeneratorInfoName: generatorName}

	for _, ch := range channels {
		if ch.Kind == model.ChannelInternet && !c.includeInternet {
			continue
		}
		xmlID := ChannelID(ch)
		entry := channel{ID: xmlID, DisplayName: collapse(ch.Network)}
		if logo := ch.Logo(iconLogoKind); logo != "" {
			entry.Icon = &icon{Src: logo}
		}
		doc.Channels = append(doc.Channels, entry)

		airings, err := load(ch.ID)
		if err != nil {
			c.logger.Warn().Err(err).Str("channel", ch.ID).Msg("load airings")
			continue
		}
		doc.Programmes = append(doc.Programmes, c.programmes(now, xmlID, airings)...)
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode guide: %w", err)
	}

	var out bytes.Buffer
	out.WriteString(xml.Header)
	out.Write(bytes.TrimRight(bytes.TrimSuffix(body, []byte(closingTag)), "\n"))
	if extra := c.extraBody(); extra != "" {
		out.WriteString("\n")
		out.WriteString(extra)
	}
	out.WriteString("\n" + closingTag + "\n")
	return out.Bytes(), nil
}

func (c *Compiler) programmes(now time.Time, xmlID string, airings []model.Airing) []programme {
	live := make([]model.Airing, 0, len(airings))
	seen := make(map[string]struct{}, len(airings))
	for _, a := range airings {
		if !a.End().After(now) {
			continue
		}
		if a.ID != "" {
			if _, dup := seen[a.ID]; dup {
				continue
			}
			seen[a.ID] = struct{}{}
		}
		live = append(live, a)
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].Start.Before(live[j].Start) })

	out := make([]programme, 0, len(live))
	for _, a := range live {
		out = append(out, buildProgramme(now, xmlID, a))
	}
	return out
}

func buildProgramme(now time.Time, xmlID string, a model.Airing) programme {
	p := programme{
		Start:   calendar.GuideTime(a.Start),
		Stop:    calendar.GuideTime(a.End()),
		Channel: xmlID,
		Title:   newText(a.Title),
	}
	if a.Description != nil {
		p.Desc = ptr(newText(*a.Description))
	}
	for _, genre := range a.Genres {
		if g := collapse(genre); g != "" {
			p.Categories = append(p.Categories, text{Lang: "en", Value: g})
		}
	}
	if len(a.Images) > 0 {
		p.Icon = &icon{Src: a.Images[0]}
	}

	switch d := a.Detail.(type) {
	case model.Episode:
		p.Title = newText(d.ShowTitle)
		p.SubTitle = ptr(newText(a.Title))
		p.EpisodeNum = episodeNumbers(d)
		if d.OriginalAirDate != nil {
			p.Date = calendar.GuideDate(*d.OriginalAirDate)
		} else {
			p.Date = calendar.GuideDate(now)
		}
		if r := collapse(d.Rating); r != "" {
			p.Rating = &rating{System: "VCHIP", Value: r}
		}
	case model.Movie:
		if d.ReleaseYear > 0 {
			p.Date = fmt.Sprintf("%04d0000", d.ReleaseYear)
		}
		if r := collapse(d.FilmRating); r != "" {
			p.Rating = &rating{System: "MPAA", Value: r}
		}
		if d.QualityRating > 0 {
			p.StarRating = &starRating{Value: strconv.FormatFloat(d.QualityRating, 'f', -1, 64) + "/4"}
		}
	case model.Sport:
	}
	return p
}

// episodeNumbers renders the zero-based xmltv_ns form plus an on-screen SxxEyy.
func episodeNumbers(ep model.Episode) []episodeNum {
	season, err := strconv.Atoi(strings.TrimSpace(ep.Season))
	if err != nil || season < 1 {
		season = 1
	}
	ns := strconv.Itoa(season-1) + "."
	if ep.Number > 0 {
		ns += strconv.Itoa(ep.Number - 1)
	}
	ns += ".0/1"

	out := []episodeNum{{System: "xmltv_ns", Value: ns}}
	if ep.Number > 0 {
		out = append(out, episodeNum{System: "onscreen", Value: fmt.Sprintf("S%02dE%02d", season, ep.Number)})
	}
	return out
}

// extraBody returns the inner content of the supplementary guide file.
func (c *Compiler) extraBody() string {
	if c.extraFile == "" {
		return ""
	}
	raw, err := os.ReadFile(c.extraFile)
	if errors.Is(err, fs.ErrNotExist) {
		return ""
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("path", c.extraFile).Msg("read extra guide")
		return ""
	}
	inner, ok := InnerBody(string(raw))
	if !ok {
		c.logger.Warn().Str("path", c.extraFile).Msg("extra guide has no <tv> root")
		return ""
	}
	return inner
}

// InnerBody strips the prolog, the opening <tv ...> tag and the final </tv>.
func InnerBody(doc string) (string, bool) {
	start := -1
	for i := 0; i < len(doc); {
		idx := strings.Index(doc[i:], "<tv")
		if idx < 0 {
			break
		}
		pos := i + idx
		next := pos + len("<tv")
		if next < len(doc) && (doc[next] == '>' || doc[next] == '/' || doc[next] == ' ' || doc[next] == '\t' || doc[next] == '\n' || doc[next] == '\r') {
			start = pos
			break
		}
		i = next
	}
	if start < 0 {
		return "", false
	}
	open := strings.Index(doc[start:], ">")
	if open < 0 {
		return "", false
	}
	bodyStart := start + open + 1
	if doc[start+open-1] == '/' {
		return "", true
	}
	end := strings.LastIndex(doc, closingTag)
	if end < bodyStart {
		return "", false
	}
	return strings.TrimSpace(doc[bodyStart:end]), true
}

func collapse(s string) string {
	return strings.TrimSpace(newlines.ReplaceAllString(s, " "))
}

func newText(s string) text {
	return text{Lang: "en", Value: collapse(s)}
}

func ptr[T any](v T) *T {
	return &v
}
