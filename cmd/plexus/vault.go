package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/meshwork/plexus/internal/config"
	"github.com/meshwork/plexus/internal/store"
	"github.com/meshwork/plexus/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	passphrase := os.Getenv("PLEXUS_VAULT_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("PLEXUS_VAULT_PASSPHRASE environment variable is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	creds := vault.NewCredentials(vault.New(passphrase), db)

	switch args[0] {
	case "list":
		return vaultList(db)
	case "set":
		return vaultSet(creds, args[1:])
	case "get":
		return vaultGet(creds, args[1:])
	case "delete":
		return vaultDelete(creds, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: plexus vault <command>

Commands:
  list                       List servers with stored credentials
  set <server> <token>       Store a bearer token for a server
  get <server>               Retrieve and decrypt a server's token
  delete <server>            Delete a server's token

Environment:
  PLEXUS_VAULT_PASSPHRASE    Required. Encryption passphrase.
`)
}

func vaultList(db *store.Store) error {
	servers, err := db.ListCredentialServers()
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("No credentials stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER")
	for _, s := range servers {
		fmt.Fprintln(w, s)
	}
	return w.Flush()
}

func vaultSet(creds *vault.Credentials, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: plexus vault set <server> <token>")
	}
	if err := creds.SetToken(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Credential for %q saved\n", args[0])
	return nil
}

func vaultGet(creds *vault.Credentials, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: plexus vault get <server>")
	}
	token, err := creds.Token(args[0])
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func vaultDelete(creds *vault.Credentials, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: plexus vault delete <server>")
	}
	if err := creds.DeleteToken(args[0]); err != nil {
		return err
	}
	fmt.Printf("Credential for %q deleted\n", args[0])
	return nil
}
