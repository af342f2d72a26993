// Package config loads the demo proxy's configuration from an INI file,
// with environment variable overrides, following the same pattern the
// teacher proxy uses for its MariaDB/Postgres sections — extended here to
// a set of named backends, each with its own credentials and optional
// backend-side TLS.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/sqlrelay/sqlrelay/internal/backend"
	"github.com/sqlrelay/sqlrelay/internal/route"
)

// Config is the top-level configuration: where the demo binary listens,
// and the set of named backends it can route to.
type Config struct {
	Listen         string
	Metrics        string // metrics HTTP listen address, empty disables it
	DefaultBackend string
	Backends       map[string]*BackendConfig
}

// BackendConfig is one primary plus its replicas, sharing one set of
// credentials and one TLS policy.
type BackendConfig struct {
	Primary     string
	Replicas    []string
	Credentials backend.Credentials
	TLS         *TLSConfig
}

// TLSConfig is the subset of crypto/tls.Config the proxy exposes through
// configuration. The proxy never implements TLS itself; it only builds a
// stdlib *tls.Config and hands it to the backend engine's handshake.
type TLSConfig struct {
	ServerName         string
	InsecureSkipVerify bool
	CACertFile         string
}

// ToTLSConfig builds a *tls.Config from t, or returns nil if t is nil (no
// TLS negotiated with this backend).
func (t *TLSConfig) ToTLSConfig() (*tls.Config, error) {
	if t == nil {
		return nil, nil
	}
	cfg := &tls.Config{
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if t.CACertFile != "" {
		pem, err := os.ReadFile(t.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("config: reading ca_cert_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("config: no certificates found in %s", t.CACertFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Load reads configuration from an INI file with environment variable
// overrides. Every section other than the reserved [proxy] name is taken
// as a backend definition.
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	proxy := cfg.Section("proxy")
	config := &Config{
		Listen:         proxy.Key("listen").MustString(":3306"),
		Metrics:        proxy.Key("metrics_listen").MustString(":9104"),
		DefaultBackend: proxy.Key("default_backend").String(),
		Backends:       make(map[string]*BackendConfig),
	}

	for _, sec := range cfg.Sections() {
		name := sec.Name()
		if name == "DEFAULT" || name == "proxy" {
			continue
		}
		config.Backends[name] = loadBackendConfig(sec)
	}

	if config.DefaultBackend == "" {
		names := make([]string, 0, len(config.Backends))
		for name := range config.Backends {
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) > 0 {
			config.DefaultBackend = names[0]
		}
	}

	if v := os.Getenv("SQLRELAY_LISTEN"); v != "" {
		config.Listen = v
	}
	if v := os.Getenv("SQLRELAY_METRICS_LISTEN"); v != "" {
		config.Metrics = v
	}
	for name, bc := range config.Backends {
		prefix := "SQLRELAY_" + strings.ToUpper(name) + "_"
		if v := os.Getenv(prefix + "PRIMARY"); v != "" {
			bc.Primary = v
		}
		if v := os.Getenv(prefix + "USER"); v != "" {
			bc.Credentials.User = v
		}
		if v := os.Getenv(prefix + "PASSWORD"); v != "" {
			bc.Credentials.Password = v
		}
	}

	return config, nil
}

func loadBackendConfig(sec *ini.Section) *BackendConfig {
	bc := &BackendConfig{
		Primary: sec.Key("primary").String(),
		Credentials: backend.Credentials{
			User:     sec.Key("user").String(),
			Password: sec.Key("password").String(),
			DB:       sec.Key("database").String(),
		},
	}

	for i := 1; i <= 10; i++ { // support up to 10 replicas per backend
		key := "replica" + strconv.Itoa(i)
		if v := sec.Key(key).String(); v != "" {
			bc.Replicas = append(bc.Replicas, v)
		}
	}

	if sec.Key("tls").MustBool(false) {
		bc.TLS = &TLSConfig{
			ServerName:         sec.Key("tls_server_name").String(),
			InsecureSkipVerify: sec.Key("tls_insecure_skip_verify").MustBool(false),
			CACertFile:         sec.Key("tls_ca_cert_file").String(),
		}
	}

	return bc
}

// RouterBackend converts a BackendConfig into the shape the reference
// router builds its round-robin set from, keyed by the backend name from
// the config section.
func (c *Config) RouterBackend(name string) (primary route.ServerID, replicas []route.ServerID, addrs map[route.ServerID]string) {
	bc := c.Backends[name]
	if bc == nil {
		return "", nil, nil
	}
	primary = route.ServerID(name + "-primary")
	addrs = map[route.ServerID]string{primary: bc.Primary}
	for i, addr := range bc.Replicas {
		id := route.ServerID(fmt.Sprintf("%s-replica%d", name, i+1))
		replicas = append(replicas, id)
		addrs[id] = addr
	}
	return primary, replicas, addrs
}
