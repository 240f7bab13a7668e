package provider

import (
	"context"
	"io"
	"strings"
)

// Auth is the cloud credential pair. It is never sent to the local device.
type Auth struct {
	Authorization string
	Lighthouse    string
}

type LineupSource interface {
	Channels(ctx context.Context, auth Auth) ([]byte, error)
}

type GuideSource interface {
	Airings(ctx context.Context, auth Auth, channelID, day string) ([]byte, error)
	// AiringsSize returns the declared byte length of the payload, or -1 when unknown.
	AiringsSize(ctx context.Context, auth Auth, channelID, day string) (int64, error)
}

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Snippet reads at most 2KiB of an error body for log context.
func Snippet(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 2048))
	return strings.TrimSpace(string(body))
}
