package lighthouse

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
	"time"

	"github.com/gayhub/tablo2hdhr/internal/metrics"
	"github.com/gayhub/tablo2hdhr/internal/provider"
)

const DefaultBaseURL = "https://lighthousetv.ewscloud.com/api/v2"

// LoginError carries the reason the identity endpoint gave for a rejection.
type LoginError struct {
	Status int
	Reason string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login rejected (%d): %s", e.Status, e.Reason)
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
}

func New(baseURL, userAgent string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = "tablo2hdhr/0.1.0"
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
	}
}

type Profile struct {
	ID   string `json:"identifier"`
	Name string `json:"name"`
}

type Device struct {
	ServerID     string `json:"serverId"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	Reachability string `json:"reachability"`
}

type Account struct {
	ID       string    `json:"identifier"`
	Profiles []Profile `json:"profiles"`
	Devices  []Device  `json:"devices"`
}

type loginResponse struct {
	TokenType   string `json:"token_type"`
	AccessToken string `json:"access_token"`
}

type selectResponse struct {
	Token string `json:"token"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Login exchanges credentials for a cloud authorization value ("Bearer <token>").
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	bodyRaw, _ := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	req, err := c.newRequest(ctx, http.MethodPost, "/login/", bytes.NewReader(bodyRaw))
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("lighthouse", "login", start, err)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &LoginError{Status: resp.StatusCode, Reason: rejectionReason(resp)}
	}

	var payload loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return "", errors.New("empty login token")
	}
	tokenType := provider.FirstNonEmpty(payload.TokenType, "Bearer")
	return tokenType + " " + payload.AccessToken, nil
}

func (c *Client) Account(ctx context.Context, authorization string) (Account, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/account/", nil)
	if err != nil {
		return Account{}, err
	}
	req.Header.Set("Authorization", authorization)

	var out Account
	if err := c.doJSON(req, "account", &out); err != nil {
		return Account{}, err
	}
	return out, nil
}

// Select binds the authorization to one profile and device and returns the
// session-scoped lighthouse token.
func (c *Client) Select(ctx context.Context, authorization, profileID, serverID string) (string, error) {
	bodyRaw, _ := json.Marshal(map[string]string{
		"pid": profileID,
		"sid": serverID,
	})
	req, err := c.newRequest(ctx, http.MethodPost, "/account/select/", bytes.NewReader(bodyRaw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", authorization)

	var out selectResponse
	if err := c.doJSON(req, "select", &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Token) == "" {
		return "", errors.New("empty lighthouse token")
	}
	return out.Token, nil
}

func (c *Client) Channels(ctx context.Context, auth provider.Auth) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/account/"+url.PathEscape(auth.Lighthouse)+"/guide/channels/", nil)
	if err != nil {
		return nil, err
	}
	setAuth(req, auth)
	return c.doRaw(req, "channels")
}

func (c *Client) Airings(ctx context.Context, auth provider.Auth, channelID, day string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.airingsPath(auth, channelID, day), nil)
	if err != nil {
		return nil, err
	}
	setAuth(req, auth)
	return c.doRaw(req, "airings")
}

func (c *Client) AiringsSize(ctx context.Context, auth provider.Auth, channelID, day string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodHead, c.airingsPath(auth, channelID, day), nil)
	if err != nil {
		return -1, err
	}
	setAuth(req, auth)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("lighthouse", "airings_probe", start, err)
	if err != nil {
		return -1, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return -1, fmt.Errorf("airings probe failed: %d", resp.StatusCode)
	}
	return resp.ContentLength, nil
}

func (c *Client) airingsPath(auth provider.Auth, channelID, day string) string {
	return "/account/" + url.PathEscape(auth.Lighthouse) + "/guide/channels/" + url.PathEscape(channelID) + "/airings/" + url.PathEscape(day) + "/"
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) doRaw(req *http.Request, operation string) ([]byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("lighthouse", operation, start, err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("lighthouse %s failed: %d %s", operation, resp.StatusCode, provider.Snippet(resp.Body))
		metrics.ObserveNetworkRequest("lighthouse", operation, start, err)
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	metrics.ObserveNetworkRequest("lighthouse", operation, start, err)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", operation, err)
	}
	return body, nil
}

func (c *Client) doJSON(req *http.Request, operation string, out any) error {
	body, err := c.doRaw(req, operation)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func setAuth(req *http.Request, auth provider.Auth) {
	req.Header.Set("Authorization", auth.Authorization)
	req.Header.Set("Lighthouse", auth.Lighthouse)
}

func rejectionReason(resp *http.Response) string {
	raw := provider.Snippet(resp.Body)
	var payload errorResponse
	if err := json.Unmarshal([]byte(raw), &payload); err == nil {
		if reason := provider.FirstNonEmpty(payload.Message, payload.Error); reason != "" {
			return reason
		}
	}
	return provider.FirstNonEmpty(raw, http.StatusText(resp.StatusCode))
}
