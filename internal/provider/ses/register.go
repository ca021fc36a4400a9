package ses

import (
	"context"

	"github.com/shineum/ews-relay/internal/config"
	"github.com/shineum/ews-relay/internal/provider"
)

// Register binds the ses transport into r. The sender defaults to
// mail.from.address when ses.sender is empty.
func Register(r *provider.Registry) {
	r.Register(Name, func(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
		sender := cfg.SES.Sender
		if sender == "" {
			sender = cfg.Mail.From.Address
		}
		return New(ctx, SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          sender,
		})
	})
}
