package model

import "time"

type Profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Device struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
}

// Session is the persisted bundle of cloud and device credentials.
type Session struct {
	Authorization  string    `json:"authorization"`
	AccountID      string    `json:"account_id"`
	Lighthouse     string    `json:"lighthouse"`
	Profile        Profile   `json:"profile"`
	Device         Device    `json:"device"`
	DeviceIdentity string    `json:"device_identity"`
	Tuners         int       `json:"tuners"`
	CreatedAt      time.Time `json:"created_at"`
}

type Job struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Details   string    `json:"details,omitempty"`
	Error     string    `json:"error,omitempty"`
	Retries   int       `json:"retries"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type StreamRecord struct {
	ID            string      `json:"id"`
	ChannelID     string      `json:"channel_id"`
	Kind          ChannelKind `json:"kind"`
	ConsumesTuner bool        `json:"consumes_tuner"`
	Status        string      `json:"status"`
	Error         string      `json:"error,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	EndedAt       *time.Time  `json:"ended_at,omitempty"`
}
