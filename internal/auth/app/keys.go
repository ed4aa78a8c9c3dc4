package app

import (
	"fmt"
	"log/slog"

	"github.com/aussiebroadwan/authme/pkg/cryptox"
)

// secrets are the process-wide key materials. Signing keys are not among
// them; those live per realm in the database, sealed with the master key.
type secrets struct {
	hasher *cryptox.PasswordHasher
	sealer *cryptox.Sealer
}

// loadSecrets reads the password pepper (creating it on first start) and
// the master sealing key.
//
// Without MasterKeyPath or MasterKey the sealer is ephemeral: signing keys
// and upstream client secrets written in this run cannot be opened after a
// restart, so every token issued before it stops verifying.
func loadSecrets(cfg Config, logger *slog.Logger) (*secrets, error) {
	pepper, err := cryptox.LoadOrCreatePepper(cfg.PepperPath)
	if err != nil {
		return nil, fmt.Errorf("load pepper: %w", err)
	}

	sealer, ephemeral, err := cryptox.LoadSealer(cfg.MasterKeyPath, cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("load master key: %w", err)
	}
	switch {
	case ephemeral:
		logger.Warn("no master key configured, using an ephemeral one; sealed keys will not survive a restart")
	case cfg.MasterKeyPath != "":
		logger.Info("master key loaded", "path", cfg.MasterKeyPath)
	default:
		logger.Info("master key loaded from environment")
	}

	return &secrets{
		hasher: cryptox.NewPasswordHasher(pepper),
		sealer: sealer,
	}, nil
}
