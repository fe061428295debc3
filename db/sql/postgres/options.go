package postgres

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

// DefaultApplicationName is reported to the server as application_name.
const DefaultApplicationName = "ncache"

// Options configures PostgreSQL connections and pool behavior.
type Options struct {
	DSN             string
	ApplicationName string
	// Schema, when set, becomes the connection search_path, so cache tables
	// are created and listed there.
	Schema          string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

type Option func(*Options)

// WithDSN sets the lib/pq connection string, URL or key=value form.
func WithDSN(dsn string) Option {
	return func(o *Options) {
		if dsn = strings.TrimSpace(dsn); dsn != "" {
			o.DSN = dsn
		}
	}
}

func WithApplicationName(name string) Option {
	return func(o *Options) {
		o.ApplicationName = name
	}
}

// WithSchema pins the search_path of every pooled connection.
func WithSchema(schema string) Option {
	return func(o *Options) {
		o.Schema = schema
	}
}

// WithPool sizes the pool. Zero values keep the defaults.
func WithPool(maxOpen, maxIdle int, lifetime time.Duration) Option {
	return func(o *Options) {
		if maxOpen > 0 {
			o.MaxOpenConns = maxOpen
		}
		if maxIdle > 0 {
			o.MaxIdleConns = maxIdle
		}
		if lifetime > 0 {
			o.ConnMaxLifetime = lifetime
		}
	}
}

// WithPingTimeout bounds the connectivity check performed by Open.
func WithPingTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PingTimeout = d
		}
	}
}

func defaultOptions() Options {
	return Options{
		ApplicationName: DefaultApplicationName,
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// connString folds the runtime parameters into the DSN. Parameters already
// present in the DSN win.
func (o Options) connString() (string, error) {
	params := map[string]string{}
	if o.ApplicationName != "" {
		params["application_name"] = o.ApplicationName
	}
	if o.Schema != "" {
		params["search_path"] = o.Schema
	}
	if len(params) == 0 {
		return o.DSN, nil
	}

	if isURL(o.DSN) {
		u, err := url.Parse(o.DSN)
		if err != nil {
			return "", err
		}
		q := u.Query()
		for k, v := range params {
			if !q.Has(k) {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if !strings.Contains(o.DSN, k+"=") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(o.DSN)
	for _, k := range keys {
		b.WriteString(" " + k + "=" + quoteParam(params[k]))
	}
	return b.String(), nil
}

func quoteParam(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	return "'" + strings.ReplaceAll(v, "'", `\'`) + "'"
}
