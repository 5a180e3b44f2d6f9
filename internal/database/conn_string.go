package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/agriscience/fieldwatch/internal/config"
)

// ApplicationName tags journal connections in pg_stat_activity.
const ApplicationName = "fieldwatch"

// BuildConnString builds a PostgreSQL URL from config. The password is
// escaped, IPv6 hosts are bracketed and sslmode defaults to prefer.
func BuildConnString(cfg config.DBConfig) string {
	port := cfg.Port
	if port == 0 {
		port = config.DefaultDBPort
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:   "/" + cfg.Name,
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)
	u.RawQuery = q.Encode()

	return u.String()
}
