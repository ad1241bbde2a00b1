package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/taskflow/internal/secrets"
	"github.com/rendis/taskflow/internal/store"
)

const saltSize = 16

func vaultSaltPath() string {
	return filepath.Join(taskflowDir(), "vault.salt")
}

// openVault returns nil when no key is configured; secret placeholders then
// fail the nodes that use them.
func openVault(st store.SecretStore, key string) (secrets.Vault, error) {
	if key == "" {
		return nil, nil
	}
	salt, err := vaultSalt()
	if err != nil {
		return nil, fmt.Errorf("vault salt: %w", err)
	}
	return secrets.NewAESVault(st, secrets.KeyConfig{Passphrase: key, Salt: salt})
}

// vaultSalt reads the install's salt, creating it on first use.
func vaultSalt() ([]byte, error) {
	salt, err := os.ReadFile(vaultSaltPath())
	switch {
	case err == nil && len(salt) >= saltSize:
		return salt, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}
	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(taskflowDir(), 0o700); err != nil {
		return nil, err
	}
	return salt, os.WriteFile(vaultSaltPath(), salt, 0o600)
}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets referenced as {{secrets.NAME}} by API_CALL nodes",
		Long: `Secrets are encrypted with a key derived from TASKFLOW_VAULT_KEY and kept
in the configured store. The same key must be set for taskflow serve.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <name> [value]",
			Short: "Store a secret; the value is read from stdin when omitted",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				var value []byte
				if len(args) == 2 {
					value = []byte(args[1])
				} else {
					in, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return err
					}
					value = []byte(strings.TrimRight(string(in), "\r\n"))
				}
				return withVault(cmd.Context(), func(v secrets.Vault) error {
					if err := v.Put(cmd.Context(), args[0], value); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "secret %s stored\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List secret names",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withVault(cmd.Context(), func(v secrets.Vault) error {
					names, err := v.Names(cmd.Context())
					if err != nil {
						return err
					}
					for _, n := range names {
						fmt.Fprintln(cmd.OutOrStdout(), n)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withVault(cmd.Context(), func(v secrets.Vault) error {
					return v.Delete(cmd.Context(), args[0])
				})
			},
		},
	)
	return cmd
}

func withVault(ctx context.Context, fn func(secrets.Vault) error) error {
	cfg := loadConfig()
	if cfg.VaultKey == "" {
		return errors.New("TASKFLOW_VAULT_KEY is not set")
	}
	if cfg.Store == storeMemory {
		return errors.New("secrets need a persistent store; memory is selected")
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	v, err := openVault(st, cfg.VaultKey)
	if err != nil {
		return err
	}
	return fn(v)
}
