package broker

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Listen                string        `envconfig:"BROKER_LISTEN" default:":7799"`
	DataPath              string        `envconfig:"BROKER_DATA_PATH"`
	FinishedTaskRetention time.Duration `envconfig:"BROKER_FINISHED_TASK_RETENTION" default:"24h"`
	FailureThreshold      int           `envconfig:"BROKER_FAILURE_THRESHOLD" default:"3"`
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
