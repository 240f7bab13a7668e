package model

import "time"

type Airing struct {
	ID          string
	Title       string
	ChannelID   string
	Start       time.Time
	Duration    time.Duration
	Description *string
	Genres      []string
	Images      []string
	Detail      AiringDetail
}

func (a Airing) End() time.Time {
	return a.Start.Add(a.Duration)
}

// AiringDetail is implemented by Episode, Movie and Sport.
type AiringDetail interface {
	airingDetail()
}

type Episode struct {
	ShowTitle       string
	Season          string
	Number          int
	OriginalAirDate *time.Time
	Rating          string
}

type Movie struct {
	ReleaseYear   int
	FilmRating    string
	QualityRating float64
}

type Sport struct {
	Season string
}

func (Episode) airingDetail() {}
func (Movie) airingDetail()   {}
func (Sport) airingDetail()   {}
