package cmd

import (
	"log/slog"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/internal/providers"
)

// registerProviders builds the provider registry from config. Providers
// without credentials are still registered so they can be listed and
// diagnosed, but routing skips them.
func registerProviders(reg *providers.Registry, cfg *config.Config) {
	for id, pc := range cfg.Providers {
		var p providers.Provider

		switch pc.Type {
		case "anthropic":
			var opts []providers.AnthropicOption
			if len(pc.Models) > 0 {
				opts = append(opts, providers.WithAnthropicModel(pc.Models[0]))
			}
			if pc.APIBase != "" {
				opts = append(opts, providers.WithAnthropicBaseURL(pc.APIBase))
			}
			p = providers.NewAnthropicProvider(pc.APIKey, opts...)

		case "openai", "":
			defaultModel := cfg.Agent.DefaultModel
			if len(pc.Models) > 0 {
				defaultModel = pc.Models[0]
			}
			p = providers.NewOpenAIProvider(id, pc.APIKey, pc.APIBase, defaultModel)

		default:
			slog.Warn("unknown provider type, skipping", "provider", id, "type", pc.Type)
			continue
		}

		reg.Register(p, providers.Descriptor{
			ID:             id,
			Endpoint:       pc.APIBase,
			Models:         pc.Models,
			Priority:       pc.Priority,
			NoAuth:         pc.NoAuth,
			HasCredentials: pc.APIKey != "",
		})
	}

	usable := reg.Usable()
	ids := make([]string, 0, len(usable))
	for _, d := range usable {
		ids = append(ids, d.ID)
	}
	slog.Info("providers registered", "configured", len(cfg.Providers), "usable", ids)
}
