package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/credkeeper/credkeeper/internal/importer"
	"github.com/credkeeper/credkeeper/internal/models"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect and manage stored accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live accounts",
	RunE:  runAccountsList,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <credential-file>",
	Short: "Import one credential file as a new account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsAdd,
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <account-id>",
	Short: "Soft-delete an account and drop it from the cache",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRemove,
}

func init() {
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
	RootCmd.AddCommand(accountsCmd)
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	accounts, err := rt.store.ListLiveAccounts()
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	if globalFlags.JSON {
		snapshots := make([]*models.Snapshot, 0, len(accounts))
		for _, acc := range accounts {
			snapshots = append(snapshots, acc.Snapshot())
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshots)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENABLED\tTYPE\tUSAGE\tCREDENTIAL EXPIRES\tSESSION EXPIRES")
	for _, acc := range accounts {
		sessionExp := "-"
		if acc.SessionExpiresAt != nil {
			sessionExp = acc.SessionExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%v\t%s\t%d\t%s\t%s\n",
			acc.ID, acc.Enable, acc.AccountType, acc.UsageCount,
			acc.CredentialExpiresAt.Format(time.RFC3339), sessionExp)
	}
	return w.Flush()
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read credential file: %w", err)
	}

	var file importer.CredentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("invalid credential file: %w", err)
	}
	if file.Email == "" && file.ID == "" {
		return fmt.Errorf("credential file needs an id or an email")
	}
	if len(file.Credential) == 0 {
		return fmt.Errorf("credential file has no credential mapping")
	}

	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	id := file.AccountID()
	if _, ok := rt.store.GetAccount(id); ok {
		return fmt.Errorf("account %s already exists", id)
	}

	blob, err := file.Credential.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize credential: %w", err)
	}

	acc := &models.Account{
		ID:                  id,
		Enable:              true,
		SilentCredential:    blob,
		AccountType:         file.AccountType,
		CredentialExpiresAt: time.Now().UTC(),
	}
	if err := rt.store.CreateAccount(acc); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	fmt.Printf("Account %s created; the next batch will refresh it\n", id)
	return nil
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	id := args[0]
	if err := rt.store.SoftDeleteAccount(id); err != nil {
		return fmt.Errorf("failed to remove account: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rt.mirror.Enabled() && rt.mirror.Alive(ctx) {
		if err := rt.mirror.Remove(ctx, id); err != nil {
			fmt.Printf("Warning: account removed but cache eviction failed: %v\n", err)
		}
	}

	fmt.Printf("Account %s removed\n", id)
	return nil
}
