package config

import (
	"metrobot-backend/internal/components/chrono"
	"metrobot-backend/internal/components/telemetry"
	"metrobot-backend/internal/scrapers/metrofor"
	"metrobot-backend/lib/configutil"
	"os"
	"path/filepath"
	"time"
)

type HttpConfig struct {
	Port int `json:"port" validate:"min=1,max=65535"`
}

type Config struct {
	BaseUrl string `json:"base_url" validate:"required,url"`
	LinePk  string `json:"line_pk" validate:"required,numeric"`

	TimeoutSeconds  int `json:"timeout_seconds" validate:"min=1,max=120"`
	CacheTtlMinutes int `json:"cache_ttl_minutes" validate:"min=1,max=1440"`
	// 0 takes the default, a negative value disables rate limiting
	RequestsPerSecond float64 `json:"requests_per_second" validate:"max=50"`
	CloudflareBypass  bool    `json:"cloudflare_bypass"`
	Timezone          string  `json:"timezone" validate:"required,timezone"`

	Http HttpConfig           `json:"http"`
	Otlp telemetry.OtlpConfig `json:"otlp"`
}

func Default() Config {
	return Config{
		BaseUrl:           metrofor.DefaultBaseUrl,
		LinePk:            metrofor.DefaultLinePk,
		TimeoutSeconds:    int(metrofor.DefaultTimeout / time.Second),
		CacheTtlMinutes:   int(metrofor.DefaultSessionTTL / time.Minute),
		RequestsPerSecond: metrofor.DefaultRequestsPerSecond,
		Timezone:          chrono.DefaultLocation,
		Http: HttpConfig{
			Port: 8000,
		},
	}
}

// Load reads the config at path (and its .local override), fills in the defaults and
// validates the result. A bare file name is searched for in the working directory and its
// parents. A missing file is not an error, the defaults are used as is.
func Load(path string) (Config, error) {
	var cfg Config
	var err error
	if filepath.Base(path) == path {
		cfg, err = configutil.ReadRecursively[Config](path)
	} else {
		cfg, err = configutil.ReadConfig[Config](path)
	}
	if err != nil && !os.IsNotExist(err) {
		return Config{}, err
	}
	return configutil.WithDefaults(cfg, Default())
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTtlMinutes) * time.Minute
}

func (c Config) ClientOptions() metrofor.ClientOptions {
	return metrofor.ClientOptions{
		BaseUrl:           c.BaseUrl,
		LinePk:            c.LinePk,
		Timeout:           c.Timeout(),
		RequestsPerSecond: c.RequestsPerSecond,
		CloudflareBypass:  c.CloudflareBypass,
	}
}
