package exchange

import (
	"context"
	"fmt"

	"github.com/shineum/ews-relay/internal/config"
	"github.com/shineum/ews-relay/internal/email"
	"github.com/shineum/ews-relay/internal/ews"
	"github.com/shineum/ews-relay/internal/provider"
	relaytls "github.com/shineum/ews-relay/internal/tls"
)

// Register binds the exchange transport into r. Host and credentials are
// not checked here; a missing host fails when the EWS client is built.
func Register(r *provider.Registry) {
	r.Register(Name, func(_ context.Context, cfg *config.Config) (provider.Provider, error) {
		pcfg, err := ConfigFrom(cfg)
		if err != nil {
			return nil, err
		}
		return New(pcfg)
	})
}

// ConfigFrom maps the exchange and mail sections of the relay configuration.
func ConfigFrom(cfg *config.Config) (Config, error) {
	dispositionName := cfg.Exchange.MessageDispositionType
	if dispositionName == "" {
		dispositionName = config.DefaultMessageDispositionType
	}
	disposition, err := ews.ParseMessageDisposition(dispositionName)
	if err != nil {
		return Config{}, err
	}

	tlsConfig, err := relaytls.ClientConfig(cfg.Exchange.CAFile, cfg.Exchange.InsecureSkipVerify)
	if err != nil {
		return Config{}, fmt.Errorf("failed to build EWS TLS config: %w", err)
	}

	return Config{
		Host:        cfg.Exchange.Host,
		Username:    cfg.Exchange.Username,
		Password:    cfg.Exchange.Password,
		Disposition: disposition,
		From: email.Address{
			Email: cfg.Mail.From.Address,
			Name:  cfg.Mail.From.Name,
		},
		Version:   cfg.Exchange.Version,
		TLSConfig: tlsConfig,
		Timeout:   cfg.Exchange.Timeout,
	}, nil
}
