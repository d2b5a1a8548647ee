package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

const defaultPath = "config/config.yaml"

type Config struct {
	Server struct {
		Address string `yaml:"address"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Firebase struct {
		ProjectID       string `yaml:"project_id"`
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"firebase"`
}

// LoadConfig reads the YAML file named by CONFIG_PATH. A missing file is not
// an error; every section is optional and the zero value means "not
// configured".
func LoadConfig() (Config, error) {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return withDefaults(cfg), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	return withDefaults(cfg), nil
}

func withDefaults(cfg Config) Config {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "mysql"
	}
	return cfg
}
