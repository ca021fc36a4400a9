package stdout

import (
	"context"

	"github.com/shineum/ews-relay/internal/config"
	"github.com/shineum/ews-relay/internal/provider"
)

// Register binds the stdout transport into r.
func Register(r *provider.Registry) {
	r.Register(Name, func(context.Context, *config.Config) (provider.Provider, error) {
		return New(), nil
	})
}
