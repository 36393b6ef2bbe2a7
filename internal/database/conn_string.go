package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/blinkmux/internal/config"
)

// BuildConnString builds a PostgreSQL connection URL from config. The
// password is escaped, so it may contain URL delimiters.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	if cfg.AppName != "" {
		q.Set("application_name", cfg.AppName)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
