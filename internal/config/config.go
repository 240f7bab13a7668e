package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HTTPAddr   string `envconfig:"HTTP_ADDR" default:":8000" yaml:"http_addr"`
	BaseURL    string `envconfig:"BASE_URL" yaml:"base_url"`
	DataDir    string `envconfig:"DATA_DIR" default:"./data" yaml:"data_dir"`
	AppSecret  string `envconfig:"APP_SECRET" yaml:"app_secret"`
	ConfigFile string `envconfig:"CONFIG_FILE" yaml:"-"`

	Log struct {
		Level  string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
		Format string `envconfig:"LOG_FORMAT" default:"json" yaml:"format"`
	} `envconfig:"" yaml:"log"`

	Tablo struct {
		Email         string `envconfig:"TABLO_EMAIL" yaml:"email"`
		Password      string `envconfig:"TABLO_PASSWORD" yaml:"password"`
		Profile       string `envconfig:"TABLO_PROFILE" yaml:"profile"`
		AutoProfile   bool   `envconfig:"TABLO_AUTO_PROFILE" default:"false" yaml:"auto_profile"`
		Device        string `envconfig:"TABLO_DEVICE" yaml:"device"`
		SigningKey    string `envconfig:"TABLO_SIGNING_KEY" yaml:"signing_key"`
		LighthouseURL string `envconfig:"LIGHTHOUSE_URL" default:"https://lighthousetv.ewscloud.com/api/v2" yaml:"lighthouse_url"`
		UserAgent     string `envconfig:"TABLO_USER_AGENT" default:"tablo2hdhr/0.1.0" yaml:"user_agent"`
	} `envconfig:"" yaml:"tablo"`

	Tuner struct {
		DeviceName     string `envconfig:"DEVICE_NAME" default:"Tablo HDHomeRun Bridge" yaml:"device_name"`
		DeviceID       string `envconfig:"DEVICE_ID" yaml:"device_id"`
		FFmpegPath     string `envconfig:"FFMPEG_PATH" default:"ffmpeg" yaml:"ffmpeg_path"`
		FFmpegLogLevel string `envconfig:"FFMPEG_LOG_LEVEL" default:"error" yaml:"ffmpeg_log_level"`
	} `envconfig:"" yaml:"tuner"`

	Guide struct {
		Days            int    `envconfig:"GUIDE_DAYS" default:"2" yaml:"days"`
		Schedule        string `envconfig:"GUIDE_SCHEDULE" default:"@every 6h" yaml:"schedule"`
		IncludeInternet bool   `envconfig:"INCLUDE_INTERNET_CHANNELS" default:"false" yaml:"include_internet_channels"`
		ExtraFile       string `envconfig:"EXTRA_GUIDE_FILE" yaml:"extra_file"`
	} `envconfig:"" yaml:"guide"`
}

// Load reads the environment, then overlays CONFIG_FILE when it is set.
// Values from the file win over the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if cfg.ConfigFile != "" {
		if err := overlayFile(&cfg, cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if err := ensureDirs(cfg.DataDir, cfg.CacheDir()); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("DATA_DIR cannot be empty")
	}
	if c.Guide.Days < 1 {
		return fmt.Errorf("GUIDE_DAYS must be at least 1, got %d", c.Guide.Days)
	}
	if strings.TrimSpace(c.Tablo.SigningKey) == "" {
		return errors.New("TABLO_SIGNING_KEY cannot be empty")
	}
	if strings.TrimSpace(c.Tablo.LighthouseURL) == "" {
		return errors.New("LIGHTHOUSE_URL cannot be empty")
	}
	return nil
}

func (c Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}

func (c Config) GuidePath() string {
	return filepath.Join(c.DataDir, "guide.xml")
}

func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "tablo2hdhr.db")
}

// PublicURL is the address advertised to clients in discover.json and the lineup.
func (c Config) PublicURL() string {
	if base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"); base != "" {
		return base
	}
	host, port, err := net.SplitHostPort(c.HTTPAddr)
	if err != nil {
		return "http://127.0.0.1:8000"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = outboundIP()
	}
	return "http://" + net.JoinHostPort(host, port)
}

// outboundIP picks the LAN address used for the default route. UDP dial sends nothing.
func outboundIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

func ensureDirs(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			return errors.New("directory path is empty")
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
	}
	return nil
}
