package main

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/ai"
	"github.com/inkporter/inkporter/internal/auth"
	"github.com/inkporter/inkporter/internal/config"
	"github.com/inkporter/inkporter/internal/governor"
	"github.com/inkporter/inkporter/internal/storage/sqlite"
	"github.com/inkporter/inkporter/internal/types"
)

// Shared construction helpers used by more than one command.

func openStore(cfg *config.Config, allowChecksumMismatch bool) (*sqlite.Store, error) {
	if err := cfg.EnsureDataRoot(); err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.StorePath(), sqlite.Options{AllowChecksumMismatch: allowChecksumMismatch})
}

// loadCostTable reads the optional <data_root>/costs.toml override.
// Absent file means the built-in table; a present but unparsable file
// is a configuration error.
func loadCostTable(cfg *config.Config) (governor.CostTable, error) {
	path := filepath.Join(cfg.DataRoot, "costs.toml")
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	table, err := governor.LoadCostTable(path)
	if err != nil {
		return nil, types.NewConfigError("costs.toml", err.Error())
	}
	return table, nil
}

func buildTokenSource(cfg *config.Config) (auth.TokenSource, error) {
	if cfg.GitAuthMode == config.AuthInstallation {
		return auth.NewInstallation(cfg.GitAppID, cfg.GitAppInstallID, cfg.GitAppKeyPath, "")
	}
	return auth.StaticToken(cfg.GitToken), nil
}

// buildChatProviders resolves AI_PRIMARY and AI_SECONDARY into driver
// instances. A provider whose API key is missing is skipped with a
// warning so capture still works, just without structuring.
func buildChatProviders(cfg *config.Config, log zerolog.Logger) ([]ai.ChatProvider, error) {
	var providers []ai.ChatProvider
	seen := map[string]bool{}
	for _, key := range []struct{ name, envKey string }{
		{cfg.AIPrimary, "AI_PRIMARY"},
		{cfg.AISecondary, "AI_SECONDARY"},
	} {
		name := key.name
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		switch name {
		case "anthropic":
			if cfg.AnthropicAPIKey == "" {
				log.Warn().Msg("ANTHROPIC_API_KEY not set, skipping anthropic chat provider")
				continue
			}
			p, err := ai.NewAnthropicChat(cfg.AnthropicAPIKey, "")
			if err != nil {
				return nil, err
			}
			providers = append(providers, p)
		default:
			return nil, types.NewConfigError(key.envKey, "unknown provider "+name)
		}
	}
	return providers, nil
}
