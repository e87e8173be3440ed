// Package wiring assembles a Controller from a loaded Config, the way
// an operations package builds its backup/restore clients straight out
// of config.Config before dispatching. Kept separate from cmd so both
// the CLI and any future server entrypoint can share it.
package wiring

import (
	"context"
	"errors"
	"fmt"

	"github.com/arklane/arkbackup/internal/compressor"
	"github.com/arklane/arkbackup/internal/config"
	"github.com/arklane/arkbackup/internal/controller"
	arkcrypto "github.com/arklane/arkbackup/internal/crypto"
	"github.com/arklane/arkbackup/internal/lineage"
	"github.com/arklane/arkbackup/internal/logger"
	"github.com/arklane/arkbackup/internal/remote"
	"github.com/arklane/arkbackup/internal/retention"
	"github.com/arklane/arkbackup/internal/snapshot"
	"github.com/arklane/arkbackup/internal/vault"
)

// Agent bundles the long-lived collaborators built from a Config, plus
// the Controller wired over them. Close releases the Lineage Store's
// file handle; the Controller itself has no teardown.
type Agent struct {
	Controller *controller.Controller
	store      *lineage.Store
}

// Close releases resources opened by Build.
func (a *Agent) Close() error {
	return a.store.Close()
}

// Build loads key material, opens the Lineage Store and Snapshot
// Manager, and returns an Agent ready to serve StartBackup/StartRestore
// calls.
func Build(ctx context.Context, cfg *config.Config, log logger.Logger) (*Agent, error) {
	key, err := resolveKey(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("resolve encryption key: %w", err)
	}

	store, err := lineage.Open(cfg.LineageDBPath)
	if err != nil {
		return nil, fmt.Errorf("open lineage store: %w", err)
	}

	snapshots, err := snapshot.NewManager(cfg.Snapshot.Dir, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init snapshot manager: %w", err)
	}

	remoteCfg := remote.Config{
		Host:           cfg.Remote.Host,
		User:           cfg.Remote.User,
		Port:           cfg.Remote.Port,
		PrivateKeyPath: cfg.Remote.PrivateKeyPath,
		ConnectTimeout: cfg.Remote.ConnectTimeout,
	}
	openChannel := func() (*remote.Channel, error) {
		return remote.Open(remoteCfg, log)
	}

	subvolumes := make([]controller.Subvolume, 0, len(cfg.Subvolumes))
	subvolNames := make([]string, 0, len(cfg.Subvolumes))
	for _, sv := range cfg.Subvolumes {
		subvolumes = append(subvolumes, controller.Subvolume{Name: sv.Name, SourcePath: sv.SourcePath})
		subvolNames = append(subvolNames, sv.Name)
	}

	reaper := retention.New(
		cfg.ClientID,
		cfg.Remote.BasePath,
		subvolNames,
		retention.Config{
			MonthsToKeep:         cfg.Retention.MonthsToKeep,
			DailyIncrementalDays: cfg.Retention.DailyIncrementalDays,
			LocalSnapshotDays:    cfg.Retention.LocalSnapshotDays,
		},
		snapshots,
		store,
		log,
	)

	ctrl := controller.New(controller.Deps{
		ClientID:   cfg.ClientID,
		BasePath:   cfg.Remote.BasePath,
		Subvolumes: subvolumes,
		Thresholds: controller.Thresholds{
			FullIntervalDays:     cfg.Retention.FullIntervalDays,
			DailyIncrementalDays: cfg.Retention.DailyIncrementalDays,
		},
		Snapshots:     snapshots,
		Store:         store,
		OpenChannel:   openChannel,
		Key:           key,
		CompressExt:   compressor.Ext,
		CryptoExt:     arkcrypto.Ext,
		CompressLevel: cfg.Compress.Level,
		Reaper:        reaper,
		Log:           log,
	})

	return &Agent{Controller: ctrl, store: store}, nil
}

// resolveKey returns the symmetric encryption key: from Vault if
// configured, falling back to a local keyfile otherwise.
func resolveKey(ctx context.Context, cfg *config.Config, log logger.Logger) ([]byte, error) {
	if cfg.Vault.Address == "" {
		return arkcrypto.LoadOrCreateKeyfile(cfg.Crypto.KeyfilePath)
	}

	opts := []vault.Option{vault.WithAddress(cfg.Vault.Address)}
	if cfg.Vault.RoleID != "" && cfg.Vault.ApproleName != "" {
		opts = append(opts, vault.WithAppRole(cfg.Vault.RoleID, cfg.Vault.ApproleName))
	}
	client, err := vault.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init vault client: %w", err)
	}

	key, err := client.ReadKeyMaterial(ctx, cfg.Vault.SecretPath)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, vault.ErrKeyNotFound) {
		return nil, fmt.Errorf("read key from vault: %w", err)
	}

	log.Warn("no key material in vault, generating and sealing a fresh key", "path", cfg.Vault.SecretPath, "error", err.Error())
	key, err = arkcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := client.SealKeyMaterial(ctx, cfg.Vault.SecretPath, key); err != nil {
		return nil, fmt.Errorf("seal fresh key to vault: %w", err)
	}
	return key, nil
}
