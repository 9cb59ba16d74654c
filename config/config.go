package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// ErrInvalidConfig is returned when a required setting is missing or
// malformed. It is fatal at startup.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the configuration for the gsigate credential manager.
type Config struct {
	LogLevel  string `hcl:"log_level,optional"`
	LogFormat string `hcl:"log_format,optional"`
	LogFile   string `hcl:"log_file,optional"`

	GSI *GSIBlock `hcl:"gsi,block"`
}

// GSIBlock carries the certificate, trust-anchor and delegation settings.
type GSIBlock struct {
	CA       *CABlock    `hcl:"ca,block"`
	HostCert *HostBlock  `hcl:"hostcert,block"`
	TPC      *TPCBlock   `hcl:"tpc,block"`
	Store    *StoreBlock `hcl:"store,block"`
}

// CABlock configures the openssl-style trust-anchor directory.
type CABlock struct {
	Path          string `hcl:"path"`
	Refresh       string `hcl:"refresh,optional"`        // duration string, default 8h
	NamespaceMode string `hcl:"namespace_mode,optional"` // see pki.ParseNamespaceMode
	CRLMode       string `hcl:"crl_mode,optional"`       // see pki.ParseCRLMode
	OCSPMode      string `hcl:"ocsp_mode,optional"`      // see pki.ParseOCSPMode
}

// HostBlock configures the server (host) credential.
type HostBlock struct {
	Cert    string `hcl:"cert"`
	Key     string `hcl:"key"`
	Refresh string `hcl:"refresh,optional"` // duration string, default 12h
	Verify  bool   `hcl:"verify,optional"`
}

// TPCBlock configures the client credential used when the server acts as a
// third-party-copy client, plus the proxy reuse policy.
type TPCBlock struct {
	Cert        string `hcl:"cert,optional"`
	Key         string `hcl:"key,optional"`
	ProxyPath   string `hcl:"proxy_path,optional"` // prefetched proxy file, wins over cert/key
	Refresh     string `hcl:"refresh,optional"`    // duration string, default 12h
	Verify      bool   `hcl:"verify,optional"`
	MinValidFor string `hcl:"min_valid_for,optional"` // minimum remaining proxy lifetime for reuse
}

// StoreBlock configures the remote credential store holding delegated
// proxies. The type label selects the backend ("inmem" or "vault").
type StoreBlock struct {
	Type string `hcl:"type,label"`

	// Vault backend specific config
	Address   string `hcl:"address,optional"`
	Namespace string `hcl:"namespace,optional"`
	Token     string `hcl:"token,optional"`
	Mount     string `hcl:"mount,optional"`
	CacheSize int64  `hcl:"cache_size,optional"` // fetched-proxy cache, bytes
}

// Config returns the store configuration as a map
func (s *StoreBlock) Config() map[string]string {
	config := make(map[string]string)

	config["type"] = s.Type

	if s.Address != "" {
		config["address"] = s.Address
	}
	if s.Namespace != "" {
		config["namespace"] = s.Namespace
	}
	if s.Token != "" {
		config["token"] = s.Token
	}
	if s.Mount != "" {
		config["mount"] = s.Mount
	}
	if s.CacheSize != 0 {
		config["cache_size"] = fmt.Sprintf("%d", s.CacheSize)
	}

	return config
}

const (
	DefaultCARefresh   = 8 * time.Hour
	DefaultCredRefresh = 12 * time.Hour
	DefaultMinValidFor = 1 * time.Hour
)

func LoadConfig(configFile string) (*Config, error) {
	var config Config

	err := hclsimple.DecodeFile(configFile, nil, &config)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the settings that are fatal at startup.
func (c *Config) Validate() error {
	if c.GSI == nil {
		return fmt.Errorf("%w: missing gsi block", ErrInvalidConfig)
	}
	g := c.GSI

	if g.CA == nil || g.CA.Path == "" {
		return fmt.Errorf("%w: gsi.ca.path is required", ErrInvalidConfig)
	}
	if g.HostCert == nil || g.HostCert.Cert == "" || g.HostCert.Key == "" {
		return fmt.Errorf("%w: gsi.hostcert.cert and gsi.hostcert.key are required", ErrInvalidConfig)
	}
	if g.TPC != nil && g.TPC.ProxyPath == "" {
		if (g.TPC.Cert == "") != (g.TPC.Key == "") {
			return fmt.Errorf("%w: gsi.tpc requires both cert and key, or proxy_path", ErrInvalidConfig)
		}
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"gsi.ca.refresh", g.CA.Refresh},
		{"gsi.hostcert.refresh", g.HostCert.Refresh},
		{"gsi.tpc.refresh", tpcField(g.TPC, func(t *TPCBlock) string { return t.Refresh })},
		{"gsi.tpc.min_valid_for", tpcField(g.TPC, func(t *TPCBlock) string { return t.MinValidFor })},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.name, err)
		}
	}

	return nil
}

func tpcField(t *TPCBlock, get func(*TPCBlock) string) string {
	if t == nil {
		return ""
	}
	return get(t)
}

// CARefresh returns the parsed trust-anchor refresh interval.
func (c *Config) CARefresh() time.Duration {
	return parseDuration(c.GSI.CA.Refresh, DefaultCARefresh)
}

// HostCertRefresh returns the parsed host credential refresh interval.
func (c *Config) HostCertRefresh() time.Duration {
	return parseDuration(c.GSI.HostCert.Refresh, DefaultCredRefresh)
}

// ProxyRefresh returns the parsed client proxy refresh interval.
func (c *Config) ProxyRefresh() time.Duration {
	if c.GSI.TPC == nil {
		return DefaultCredRefresh
	}
	return parseDuration(c.GSI.TPC.Refresh, DefaultCredRefresh)
}

// MinValidFor returns the minimum remaining lifetime for delegated proxy
// reuse.
func (c *Config) MinValidFor() time.Duration {
	if c.GSI.TPC == nil {
		return DefaultMinValidFor
	}
	return parseDuration(c.GSI.TPC.MinValidFor, DefaultMinValidFor)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
