// Package app assembles the gateway's domain services.
package app

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	activitysvc "github.com/stylelab/fitting-service/internal/app/services/activity"
	"github.com/stylelab/fitting-service/internal/app/services/credits"
	fittingsvc "github.com/stylelab/fitting-service/internal/app/services/fitting"
	"github.com/stylelab/fitting-service/internal/app/services/tryon"
	"github.com/stylelab/fitting-service/internal/app/services/vault"
	"github.com/stylelab/fitting-service/internal/app/storage"
	"github.com/stylelab/fitting-service/internal/app/storage/memory"
	"github.com/stylelab/fitting-service/internal/config"
	"github.com/stylelab/fitting-service/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Credits  storage.CreditStore
	Activity storage.ActivityStore
}

// Application ties the domain services together.
type Application struct {
	log *logger.Logger

	Credits  *credits.Service
	Activity *activitysvc.Service
	Fitting  *fittingsvc.Service
	Vault    *vault.Vault
	Packages []config.Package
}

// New builds a fully initialised application with the provided stores.
func New(cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Credits == nil {
		stores.Credits = mem
	}
	if stores.Activity == nil {
		stores.Activity = mem
	}

	v, err := buildVault(cfg.Provider.VaultKey, log)
	if err != nil {
		return nil, err
	}

	creditSvc := credits.New(stores.Credits, log, cfg.Credits.SignupBonus)
	activitySvc := activitysvc.New(stores.Activity, log)
	invoker := tryon.NewClient(cfg.Provider, log)
	fittingSvc := fittingsvc.New(
		creditSvc,
		v,
		invoker,
		activitySvc,
		cfg.Provider.EncryptedAPIKey,
		cfg.Credits.FittingCost,
		cfg.Images,
		log,
	)

	return &Application{
		log:      log,
		Credits:  creditSvc,
		Activity: activitySvc,
		Fitting:  fittingSvc,
		Vault:    v,
		Packages: cfg.LoadPackages(),
	}, nil
}

// buildVault derives the credential vault from the configured key. With no
// key configured the vault runs on an ephemeral one: stored ciphertext cannot
// be revealed and the pipeline degrades to configuration errors instead of
// refusing to start.
func buildVault(raw string, log *logger.Logger) (*vault.Vault, error) {
	key, err := parseEncryptionKey(raw)
	if err != nil {
		log.Warnf("vault encryption key unusable (%v); provider credential will not be available", err)
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate ephemeral vault key: %w", err)
		}
	}
	cipher, err := vault.NewAESCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initialise vault cipher: %w", err)
	}
	return vault.New(cipher, log), nil
}

func parseEncryptionKey(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("missing encryption key")
	}

	// raw bytes
	if l := len(value); l == 16 || l == 24 || l == 32 {
		return []byte(value), nil
	}

	// base64
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		if l := len(decoded); l == 16 || l == 24 || l == 32 {
			return decoded, nil
		}
	}

	// hex
	if decoded, err := hex.DecodeString(value); err == nil {
		if l := len(decoded); l == 16 || l == 24 || l == 32 {
			return decoded, nil
		}
	}

	return nil, errors.New("must be raw 16/24/32 byte string or base64/hex encoding of that length")
}
