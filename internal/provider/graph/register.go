package graph

import (
	"context"

	"github.com/shineum/ews-relay/internal/config"
	"github.com/shineum/ews-relay/internal/provider"
)

// Register binds the graph transport into r. The sending mailbox defaults
// to mail.from.address when graph.sender is empty.
func Register(r *provider.Registry) {
	r.Register(Name, func(_ context.Context, cfg *config.Config) (provider.Provider, error) {
		sender := cfg.Graph.Sender
		if sender == "" {
			sender = cfg.Mail.From.Address
		}
		return New(GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       sender,
		}), nil
	})
}
