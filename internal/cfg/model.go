package cfg

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ControllerAddress string        `env:"LCLOUD_CONTROLLER_ADDRESS" envDefault:"127.0.0.1:16453"`
	DialTimeout       time.Duration `env:"LCLOUD_DIAL_TIMEOUT"       envDefault:"5s"`
	CacheBlocks       int           `env:"LCLOUD_CACHE_BLOCKS"       envDefault:"64"`
	MaxFiles          int           `env:"LCLOUD_MAX_FILES"          envDefault:"256"`
	CacheOnRead       bool          `env:"LCLOUD_CACHE_ON_READ"      envDefault:"false"`

	LoggerConfig LoggerConfig
}

type LoggerConfig struct {
	ServiceName string `env:"LCLOUD_SERVICE_NAME" envDefault:"lcloud"`
	Debug       bool   `env:"LCLOUD_DEBUG"`
	Development bool   `env:"LCLOUD_DEVELOPMENT"`
	OTELLogs    bool   `env:"LCLOUD_OTEL_LOGS"`
}

func Parse() (Config, error) {
	return env.ParseAs[Config]()
}
