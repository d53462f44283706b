package config

import "os"

// ClientConfig carries everything the SDK client needs at construction
// time. All fields can be supplied through the environment; SDK_ENV
// anything other than "production" relaxes the fail-closed crypto posture
// for local development against the simulator.
type ClientConfig struct {
	BaseURL       string `toml:"base_url" env:"VISA_BASE_URL"`
	CertPath      string `toml:"cert_path" env:"VISA_CERT_PATH"`
	KeyPath       string `toml:"key_path" env:"VISA_KEY_PATH"`
	CAPath        string `toml:"ca_path" env:"VISA_CA_PATH"`
	JWKSURL       string `toml:"jwks_url" env:"VISA_JWKS_URL"`
	EnvMode       string `toml:"env_mode" env:"SDK_ENV" env-default:"production"`
	OriginatorID  string `toml:"originator_id" env:"VISA_ORIGINATOR_ID"`
	RedisURL      string `toml:"redis_url" env:"REDIS_URL"`
	UserID        string `toml:"user_id" env:"VISA_USER_ID"`
	Password      string `toml:"password" env:"VISA_PASSWORD"`
	APIKey        string `toml:"api_key" env:"VISA_API_KEY"`
	SharedSecret  string `toml:"shared_secret" env:"VISA_SHARED_SECRET"`
	EndpointsFile string `toml:"endpoints_file" env:"VISA_ENDPOINTS_FILE"`
	PolicyFile    string `toml:"policy_file" env:"VISA_POLICY_FILE"`
}

// LoadClientConfig builds a ClientConfig. When VISA_CONFIG_FILE names a
// config file it is read first and environment variables override its
// values; otherwise the environment alone is used.
func LoadClientConfig() (ClientConfig, error) {
	if path := os.Getenv("VISA_CONFIG_FILE"); path != "" {
		return LoadClientConfigFile(path)
	}
	var cfg ClientConfig
	err := LoadEnv(&cfg)
	return cfg, err
}

// LoadClientConfigFile builds a ClientConfig from an explicit file path,
// with environment variables taking precedence over file values.
func LoadClientConfigFile(path string) (ClientConfig, error) {
	var cfg ClientConfig
	err := Load(Path(path), &cfg)
	return cfg, err
}
