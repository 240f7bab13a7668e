package model

import "strconv"

type ChannelKind string

const (
	ChannelBroadcast ChannelKind = "ota"
	ChannelInternet  ChannelKind = "ott"
)

// ConsumesTuner reports whether streaming this kind occupies a tuner slot.
func (k ChannelKind) ConsumesTuner() bool {
	return k == ChannelBroadcast
}

type Logo struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// Channel is one lineup entry as delivered by the cloud account API.
// StreamURL is only set for internet channels.
type Channel struct {
	ID        string      `json:"identifier"`
	Kind      ChannelKind `json:"kind"`
	Major     int         `json:"major"`
	Minor     int         `json:"minor"`
	Network   string      `json:"network"`
	CallSign  string      `json:"call_sign"`
	Logos     []Logo      `json:"logos"`
	StreamURL string      `json:"stream_url,omitempty"`
}

func (c Channel) GuideNumber() string {
	return strconv.Itoa(c.Major) + "." + strconv.Itoa(c.Minor)
}

// Logo returns the URL of the logo tagged kind, else the first logo.
func (c Channel) Logo(kind string) string {
	for _, logo := range c.Logos {
		if logo.Kind == kind {
			return logo.URL
		}
	}
	if len(c.Logos) > 0 {
		return c.Logos[0].URL
	}
	return ""
}

// LineupItem is the client-facing projection of a Channel.
type LineupItem struct {
	ID          string      `json:"-"`
	GuideNumber string      `json:"GuideNumber"`
	GuideName   string      `json:"GuideName"`
	ImageURL    string      `json:"ImageURL,omitempty"`
	Affiliate   string      `json:"Affiliate,omitempty"`
	URL         string      `json:"URL"`
	SourceURL   string      `json:"-"`
	Kind        ChannelKind `json:"-"`
}
