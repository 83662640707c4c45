package coordinator

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ID               string        `envconfig:"COORDINATOR_ID" default:"coordinator-1"`
	BrokerAddr       string        `envconfig:"COORDINATOR_BROKER_ADDR" default:"127.0.0.1:7799"`
	Interval         time.Duration `envconfig:"COORDINATOR_INTERVAL" default:"2s"`
	MigrationTimeout time.Duration `envconfig:"COORDINATOR_MIGRATION_TIMEOUT" default:"5m"`
	ProxyAckTimeout  time.Duration `envconfig:"COORDINATOR_PROXY_ACK_TIMEOUT" default:"30s"`
	MaxFailures      int           `envconfig:"COORDINATOR_MAX_FAILURES" default:"3"`
	OverloadRatio    float64       `envconfig:"COORDINATOR_OVERLOAD_RATIO" default:"1.5"`
	PingTimeout      time.Duration `envconfig:"COORDINATOR_PING_TIMEOUT" default:"1s"`
	RetryAttempts    int           `envconfig:"COORDINATOR_RETRY_ATTEMPTS" default:"5"`
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
