package dbpool

import "dbpool/driver"

// Credentials hold the user name and password for a connect target.
// Either may be empty, in which case the value from Config.Properties
// (if any) is used.
type Credentials struct {
	User     string
	Password string
}

// buildProperties merges the credentials into a copy of the configured
// property map. Credentials set outside the map win.
func buildProperties(cfg Config) driver.Properties {
	props := driver.Properties(cfg.Properties).Clone()
	if cfg.User != "" {
		props["user"] = cfg.User
	}
	if cfg.Password != "" {
		props["password"] = cfg.Password
	}
	return props
}

// GetId returns a key that identifies the target and the user it is
// opened as. Passwords are not part of it.
func (cfg *Config) GetId() string {
	user := cfg.User
	if user == "" {
		user = driver.Properties(cfg.Properties).Get("user")
	}
	return user + "@" + cfg.URL
}
