// Package session owns the cloud and device credentials of one install.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/gayhub/tablo2hdhr/internal/metrics"
	"github.com/gayhub/tablo2hdhr/internal/model"
	"github.com/gayhub/tablo2hdhr/internal/prompt"
	"github.com/gayhub/tablo2hdhr/internal/provider"
	"github.com/gayhub/tablo2hdhr/internal/provider/lighthouse"
	"github.com/gayhub/tablo2hdhr/internal/secure"
	"github.com/gayhub/tablo2hdhr/internal/store"
)

const sessionKey = "session.enc"

var (
	ErrNoSession         = errors.New("no stored session")
	ErrCorruptSession    = errors.New("stored session is corrupt")
	ErrDeviceUnreachable = errors.New("device unreachable")
	ErrNoSelection       = errors.New("no profile or device to select")
)

type Cloud interface {
	Login(ctx context.Context, email, password string) (string, error)
	Account(ctx context.Context, authorization string) (lighthouse.Account, error)
	Select(ctx context.Context, authorization, profileID, serverID string) (string, error)
}

type Options struct {
	Email       string
	Password    string
	Profile     string
	AutoProfile bool
	Device      string
	SigningKey  string
	UserAgent   string
}

type Manager struct {
	store      *store.FileStore
	secret     string
	cloud      Cloud
	prompt     prompt.Prompter
	opts       Options
	httpClient *http.Client
	logger     zerolog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	session *model.Session
}

func NewManager(st *store.FileStore, secret string, cloud Cloud, p prompt.Prompter, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		store:      st,
		secret:     secret,
		cloud:      cloud,
		prompt:     p,
		opts:       opts,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "session").Logger(),
	}
}

// Ensure loads the stored session or runs first-time acquisition.
// Concurrent callers share a single attempt.
func (m *Manager) Ensure(ctx context.Context) (model.Session, error) {
	if sess, ok := m.Session(); ok {
		return sess, nil
	}
	v, err, _ := m.group.Do("ensure", func() (any, error) {
		if sess, ok := m.Session(); ok {
			return sess, nil
		}
		sess, err := m.Load()
		if errors.Is(err, ErrNoSession) {
			return m.Acquire(ctx)
		}
		return sess, err
	})
	if err != nil {
		return model.Session{}, err
	}
	return v.(model.Session), nil
}

// Load decrypts the stored bundle. Anything that does not decode to a JSON
// object deletes the artifact and returns ErrCorruptSession.
func (m *Manager) Load() (model.Session, error) {
	raw, err := m.store.Read(sessionKey)
	if errors.Is(err, store.ErrNotFound) {
		return model.Session{}, ErrNoSession
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("read session: %w", err)
	}

	plain, err := secure.Decrypt(string(raw), m.secret)
	if err != nil || len(plain) == 0 || plain[0] != '{' {
		return model.Session{}, m.discard(err)
	}
	var sess model.Session
	if err := json.Unmarshal(plain, &sess); err != nil {
		return model.Session{}, m.discard(err)
	}

	m.adopt(sess)
	m.logger.Info().Str("device", sess.Device.Name).Int("tuners", sess.Tuners).Msg("session loaded")
	return sess, nil
}

func (m *Manager) discard(cause error) error {
	m.logger.Error().Err(cause).Msg("stored session unreadable, deleting it")
	if err := m.store.Delete(sessionKey); err != nil {
		return fmt.Errorf("%w: delete failed: %v", ErrCorruptSession, err)
	}
	return ErrCorruptSession
}

// Acquire runs the first-time login and selection flow and persists the result.
func (m *Manager) Acquire(ctx context.Context) (model.Session, error) {
	authorization, err := m.login(ctx)
	if err != nil {
		return model.Session{}, err
	}

	var account lighthouse.Account
	err = m.retry(ctx, "account lookup", func() error {
		var err error
		account, err = m.cloud.Account(ctx, authorization)
		return err
	})
	if err != nil {
		return model.Session{}, err
	}

	profile, err := m.pickProfile(account.Profiles)
	if err != nil {
		return model.Session{}, err
	}
	device, err := m.pickDevice(account.Devices)
	if err != nil {
		return model.Session{}, err
	}

	var token string
	err = m.retry(ctx, "profile selection", func() error {
		var err error
		token, err = m.cloud.Select(ctx, authorization, profile.ID, device.ServerID)
		return err
	})
	if err != nil {
		return model.Session{}, err
	}

	sess := model.Session{
		Authorization:  authorization,
		AccountID:      account.ID,
		Lighthouse:     token,
		Profile:        model.Profile{ID: profile.ID, Name: profile.Name},
		Device:         model.Device{ServerID: device.ServerID, Name: device.Name, URL: device.URL},
		DeviceIdentity: secure.NewIdentity(),
		CreatedAt:      time.Now().UTC(),
	}

	tuners, err := m.probeTuners(ctx, sess)
	if err != nil {
		return model.Session{}, err
	}
	sess.Tuners = tuners

	if err := m.persist(sess); err != nil {
		return model.Session{}, err
	}
	m.adopt(sess)
	m.logger.Info().
		Str("profile", sess.Profile.Name).
		Str("device", sess.Device.Name).
		Int("tuners", sess.Tuners).
		Msg("session acquired")
	return sess, nil
}

func (m *Manager) login(ctx context.Context) (string, error) {
	email, password := m.opts.Email, m.opts.Password
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		var err error
		if strings.TrimSpace(email) == "" {
			if email, err = m.prompt.Line("Tablo account email"); err != nil {
				return "", fmt.Errorf("read email: %w", err)
			}
		}
		if password == "" {
			if password, err = m.prompt.Password("Tablo account password"); err != nil {
				return "", fmt.Errorf("read password: %w", err)
			}
		}

		authorization, err := m.cloud.Login(ctx, email, password)
		if err == nil {
			return authorization, nil
		}
		var rejected *lighthouse.LoginError
		if errors.As(err, &rejected) {
			m.logger.Warn().Int("status", rejected.Status).Str("reason", rejected.Reason).Msg("login rejected")
		} else {
			m.logger.Warn().Err(err).Msg("login failed")
		}
		email, password = "", ""
	}
}

// retry repeats fn until it succeeds or the operator gives up.
func (m *Manager) retry(ctx context.Context, what string, fn func() error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		m.logger.Warn().Err(err).Msgf("%s failed", what)
		choice, perr := m.prompt.Choose(what+" failed", []string{"Retry", "Abort"})
		if perr != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		if choice != 0 {
			return fmt.Errorf("%s aborted: %w", what, err)
		}
	}
}

func (m *Manager) pickProfile(profiles []lighthouse.Profile) (lighthouse.Profile, error) {
	if len(profiles) == 0 {
		return lighthouse.Profile{}, fmt.Errorf("%w: account has no profiles", ErrNoSelection)
	}
	if len(profiles) == 1 {
		return profiles[0], nil
	}
	if want := strings.TrimSpace(m.opts.Profile); want != "" {
		for _, p := range profiles {
			if p.ID == want || strings.EqualFold(p.Name, want) {
				return p, nil
			}
		}
		m.logger.Warn().Str("profile", want).Msg("configured profile not found")
	}
	if m.opts.AutoProfile {
		return profiles[0], nil
	}
	names := make([]string, len(profiles))
	for i, p := range profiles {
		names[i] = p.Name
	}
	idx, err := m.prompt.Choose("Select a profile", names)
	if err != nil {
		return lighthouse.Profile{}, fmt.Errorf("%w: %v", ErrNoSelection, err)
	}
	return profiles[idx], nil
}

func (m *Manager) pickDevice(devices []lighthouse.Device) (lighthouse.Device, error) {
	if len(devices) == 0 {
		return lighthouse.Device{}, fmt.Errorf("%w: account has no devices", ErrNoSelection)
	}
	if want := strings.TrimSpace(m.opts.Device); want != "" {
		for _, d := range devices {
			if strings.EqualFold(d.ServerID, want) {
				return d, nil
			}
		}
		m.logger.Warn().Str("device", want).Msg("configured device not found")
	} else if len(devices) == 1 {
		return devices[0], nil
	}
	names := make([]string, len(devices))
	for i, d := range devices {
		names[i] = fmt.Sprintf("%s (%s)", d.Name, d.ServerID)
	}
	idx, err := m.prompt.Choose("Select a device", names)
	if err != nil {
		return lighthouse.Device{}, fmt.Errorf("%w: %v", ErrNoSelection, err)
	}
	return devices[idx], nil
}

type serverInfo struct {
	Model struct {
		Tuners int `json:"tuners"`
	} `json:"model"`
}

func (m *Manager) probeTuners(ctx context.Context, sess model.Session) (int, error) {
	raw, err := m.deviceRequest(ctx, sess, http.MethodGet, "/server/info", nil, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	var info serverInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return 0, fmt.Errorf("%w: decode server info: %v", ErrDeviceUnreachable, err)
	}
	if info.Model.Tuners < 1 {
		return 0, fmt.Errorf("%w: device reports %d tuners", ErrDeviceUnreachable, info.Model.Tuners)
	}
	return info.Model.Tuners, nil
}

func (m *Manager) persist(sess model.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	enc, err := secure.Encrypt(raw, m.secret)
	if err != nil {
		return fmt.Errorf("encrypt session: %w", err)
	}
	if err := m.store.Write(sessionKey, []byte(enc)); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

func (m *Manager) adopt(sess model.Session) {
	m.mu.Lock()
	m.session = &sess
	m.mu.Unlock()
}

// DeviceRequest issues a signed call against the selected device and returns
// the raw response body.
func (m *Manager) DeviceRequest(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	sess, ok := m.Session()
	if !ok {
		return nil, ErrNoSession
	}
	return m.deviceRequest(ctx, sess, method, path, query, body)
}

func (m *Manager) deviceRequest(ctx context.Context, sess model.Session, method, path string, query url.Values, body []byte) ([]byte, error) {
	target := strings.TrimRight(sess.Device.URL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}

	date := time.Now().UTC().Format(http.TimeFormat)
	signer := secure.Signer{Identity: sess.DeviceIdentity, Key: m.opts.SigningKey}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", provider.FirstNonEmpty(m.opts.UserAgent, "tablo2hdhr/0.1.0"))
	req.Header.Set("Date", date)
	req.Header.Set("Authorization", signer.Sign(method, path, body, date))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("device", strings.ToLower(method), start, err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = fmt.Errorf("device %s %s failed: %d %s", method, path, resp.StatusCode, provider.Snippet(resp.Body))
		metrics.ObserveNetworkRequest("device", strings.ToLower(method), start, err)
		return nil, err
	}
	raw, err := io.ReadAll(resp.Body)
	metrics.ObserveNetworkRequest("device", strings.ToLower(method), start, err)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// CloudAuth returns the credentials for cloud account calls only.
func (m *Manager) CloudAuth() provider.Auth {
	sess, _ := m.Session()
	return provider.Auth{Authorization: sess.Authorization, Lighthouse: sess.Lighthouse}
}

func (m *Manager) Session() (model.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return model.Session{}, false
	}
	return *m.session, true
}

func (m *Manager) Tuners() int {
	sess, _ := m.Session()
	return sess.Tuners
}

// Reset forgets the in-memory session and deletes the stored one.
func (m *Manager) Reset() error {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	return m.store.Delete(sessionKey)
}
