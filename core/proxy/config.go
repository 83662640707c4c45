package proxy

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server struct {
		Listen      string `envconfig:"PROXY_LISTEN" default:":6380"`
		AdminListen string `envconfig:"PROXY_ADMIN_LISTEN" default:":6381"`
		// Address is the RESP address chunks and clients refer to this
		// proxy by. AdminAddress is where the admin API is reachable.
		Address      string `envconfig:"PROXY_ADDRESS" default:"127.0.0.1:6380"`
		AdminAddress string `envconfig:"PROXY_ADMIN_ADDRESS" default:"127.0.0.1:6381"`
	}
	Broker struct {
		Addr              string        `envconfig:"PROXY_BROKER_ADDR" default:"127.0.0.1:7799"`
		RefreshInterval   time.Duration `envconfig:"PROXY_REFRESH_INTERVAL" default:"1s"`
		MaxStaleness      time.Duration `envconfig:"PROXY_MAX_STALENESS" default:"30s"`
		HeartbeatInterval time.Duration `envconfig:"PROXY_HEARTBEAT_INTERVAL" default:"5s"`
	}
	Backend struct {
		Timeout time.Duration `envconfig:"PROXY_BACKEND_TIMEOUT" default:"2s"`
	}
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
