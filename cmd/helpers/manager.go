package helpers

import (
	"fmt"
	"io"
	"os"

	"github.com/stephnangue/gsigate/config"
	"github.com/stephnangue/gsigate/gsi"
	"github.com/stephnangue/gsigate/logger"
	"github.com/stephnangue/gsigate/pki"
	"github.com/stephnangue/gsigate/store"
)

// LoadConfig loads and validates the configuration file given on the
// command line.
func LoadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config file path is required. Use -c or --config flag")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}
	return config.LoadConfig(configPath)
}

// BuildLogger constructs the logger from the top-level log settings.
func BuildLogger(cfg *config.Config) logger.Logger {
	logCfg := &logger.Config{
		Level:     logger.ParseLogLevel(cfg.LogLevel),
		Format:    logger.ParseOutputFormat(cfg.LogFormat),
		Subsystem: "gsigate",
		Outputs:   []io.Writer{os.Stderr},
	}
	if cfg.LogFile != "" {
		logCfg.FileConfig = &logger.FileConfig{Filename: cfg.LogFile}
	}
	return logger.NewZerologLogger(logCfg)
}

// BuildManager wires a credential manager from the gsi configuration block:
// the trust validator, the host and client credential settings, and the
// optional credential store backend.
func BuildManager(cfg *config.Config, log logger.Logger) (*gsi.Manager, error) {
	g := cfg.GSI

	nsMode, err := pki.ParseNamespaceMode(g.CA.NamespaceMode)
	if err != nil {
		return nil, fmt.Errorf("gsi.ca.namespace_mode: %w", err)
	}
	crlMode, err := pki.ParseCRLMode(g.CA.CRLMode)
	if err != nil {
		return nil, fmt.Errorf("gsi.ca.crl_mode: %w", err)
	}
	ocspMode, err := pki.ParseOCSPMode(g.CA.OCSPMode)
	if err != nil {
		return nil, fmt.Errorf("gsi.ca.ocsp_mode: %w", err)
	}

	var storeClient store.Client
	if g.Store != nil {
		storeConfig, err := ResolveFileRefs(g.Store.Config())
		if err != nil {
			return nil, err
		}
		log.Debug("initializing credential store",
			logger.Any("config", MaskConfigFields([]string{"token"}, storeConfig)))

		storeClient, err = store.NewClient(storeConfig,
			log.WithSubsystem("store."+g.Store.Type))
		if err != nil {
			return nil, fmt.Errorf("error initializing credential store of type %s: %w", g.Store.Type, err)
		}
	}

	managerCfg := gsi.ManagerConfig{
		CACertificatePath:          g.CA.Path,
		TrustAnchorRefreshInterval: cfg.CARefresh(),
		NamespaceMode:              nsMode,
		CRLMode:                    crlMode,
		OCSPMode:                   ocspMode,

		HostCertificatePath:     g.HostCert.Cert,
		HostKeyPath:             g.HostCert.Key,
		HostCertRefreshInterval: cfg.HostCertRefresh(),
		VerifyHostCertificate:   g.HostCert.Verify,

		ProxyRefreshInterval: cfg.ProxyRefresh(),
		MinProxyValidFor:     cfg.MinValidFor(),
	}
	if g.TPC != nil {
		managerCfg.ClientCertificatePath = g.TPC.Cert
		managerCfg.ClientKeyPath = g.TPC.Key
		managerCfg.ProxyPath = g.TPC.ProxyPath
		managerCfg.VerifyClientCertificate = g.TPC.Verify
	}

	return gsi.NewManager(managerCfg, storeClient, log.WithSubsystem("gsi"))
}
