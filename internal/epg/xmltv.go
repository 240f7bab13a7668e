package epg

import "encoding/xml"

type document struct {
	XMLName           xml.Name    `xml:"tv"`
	GeneratorInfoName string      `xml:"generator-info-name,attr"`
	Channels          []channel   `xml:"channel"`
	Programmes        []programme `xml:"programme"`
}

type channel struct {
	ID          string `xml:"id,attr"`
	DisplayName string `xml:"display-name"`
	Icon        *icon  `xml:"icon,omitempty"`
}

type icon struct {
	Src string `xml:"src,attr"`
}

type programme struct {
	Start      string       `xml:"start,attr"`
	Stop       string       `xml:"stop,attr"`
	Channel    string       `xml:"channel,attr"`
	Title      text         `xml:"title"`
	SubTitle   *text        `xml:"sub-title,omitempty"`
	Desc       *text        `xml:"desc,omitempty"`
	Date       string       `xml:"date,omitempty"`
	Categories []text       `xml:"category,omitempty"`
	Icon       *icon        `xml:"icon,omitempty"`
	EpisodeNum []episodeNum `xml:"episode-num,omitempty"`
	Rating     *rating      `xml:"rating,omitempty"`
	StarRating *starRating  `xml:"star-rating,omitempty"`
}

type text struct {
	Lang  string `xml:"lang,attr,omitempty"`
	Value string `xml:",chardata"`
}

type episodeNum struct {
	System string `xml:"system,attr"`
	Value  string `xml:",chardata"`
}

type rating struct {
	System string `xml:"system,attr,omitempty"`
	Value  string `xml:"value"`
}

type starRating struct {
	Value string `xml:"value"`
}
