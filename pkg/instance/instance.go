package instance

import "os"

// envKeys are checked in order; DYNO covers Heroku-style process managers.
var envKeys = []string{"NOVAMART_INSTANCE_ID", "DYNO"}

// GetID identifies the running process in logs and cron lock ownership.
// It falls back to the hostname, then to "local".
func GetID() string {
	for _, key := range envKeys {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
