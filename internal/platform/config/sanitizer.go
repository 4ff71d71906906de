package config

import "encoding/json"

const redacted = "***REDACTED***"

// Sanitize returns a deep copy of cfg with credentials redacted, suitable
// for logging the effective configuration at startup.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	copy.Database.Password = redacted
	copy.Redis.Password = redacted
	return &copy
}
