package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/credit-broker/internal/connector"
	"github.com/sells-group/credit-broker/internal/model"
)

var integrationsCmd = &cobra.Command{
	Use:   "integrations",
	Short: "Manage connected provider credentials",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return cfg.Validate("integrations")
	},
}

// -- integrations list --

var integrationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credentials",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		owner, _ := cmd.Flags().GetString("owner")
		creds, err := st.ListCredentials(ctx, owner)
		if err != nil {
			return err
		}
		if len(creds) == 0 {
			fmt.Fprintln(os.Stderr, "No credentials found.")
			return nil
		}
		formatCredentials(cmd.OutOrStdout(), creds)
		return nil
	},
}

// -- integrations add --

var integrationsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store a credential obtained outside the broker",
	Long:  "Stores an API key or an OAuth token set with its sensitive fields encrypted. The consent flow that produces the tokens runs elsewhere.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cred, err := credentialFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		svc, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		if _, err := svc.Providers.Get(cred.Provider); err != nil {
			return err
		}
		sealed, err := svc.Codec.Encrypt(cred.Settings)
		if err != nil {
			return err
		}
		cred.Settings = sealed
		if err := svc.Store.CreateCredential(ctx, cred); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cred.ID)
		return nil
	},
}

func credentialFromFlags(cmd *cobra.Command) (*model.IntegrationCredential, error) {
	f := cmd.Flags()
	owner, _ := f.GetString("owner")
	prov, _ := f.GetString("provider")
	sandbox, _ := f.GetBool("sandbox")
	if owner == "" || prov == "" {
		return nil, eris.New("integrations add: --owner and --provider are required")
	}

	cred := &model.IntegrationCredential{
		OwnerID:     owner,
		Provider:    model.Provider(prov),
		Status:      model.CredentialConnected,
		Environment: model.EnvironmentProduction,
	}
	if sandbox {
		cred.Environment = model.EnvironmentSandbox
	}

	s := &cred.Settings
	s.RealmID, _ = f.GetString("realm-id")
	s.InstanceURL, _ = f.GetString("instance-url")
	s.TenantID, _ = f.GetString("tenant-id")
	s.DatabaseID, _ = f.GetString("database-id")
	s.Scopes, _ = f.GetStringSlice("scopes")
	s.APIKey, _ = f.GetString("api-key")

	access, _ := f.GetString("access-token")
	refresh, _ := f.GetString("refresh-token")
	expiresIn, _ := f.GetDuration("expires-in")
	if access != "" || refresh != "" {
		s.Token = &model.TokenSet{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}
		if expiresIn > 0 {
			s.Token.ExpiresAt = model.ExpiresAt(time.Now().Add(expiresIn).Unix())
		}
	}
	if s.APIKey == "" && s.Token == nil {
		return nil, eris.New("integrations add: --api-key or --access-token/--refresh-token is required")
	}
	return cred, nil
}

// -- integrations check --

var integrationsCheckCmd = &cobra.Command{
	Use:   "check [credential-id...]",
	Short: "Verify credentials against their providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		var creds []*model.IntegrationCredential
		if len(args) > 0 {
			for _, id := range args {
				c, err := svc.Store.GetCredential(ctx, id)
				if err != nil {
					return err
				}
				creds = append(creds, c)
			}
		} else {
			owner, _ := cmd.Flags().GetString("owner")
			all, err := svc.Store.ListCredentials(ctx, owner)
			if err != nil {
				return err
			}
			for i := range all {
				creds = append(creds, &all[i])
			}
		}

		apply, _ := cmd.Flags().GetBool("apply")
		checker := svc.Checker
		if apply {
			checker = connector.New(svc.Broker, svc.Gateway, svc.Store, connector.Options{Apply: true})
		}
		results, err := checker.CheckAll(ctx, creds)
		formatCheckResults(cmd.OutOrStdout(), results)
		return err
	},
}

// -- integrations token --

var integrationsTokenCmd = &cobra.Command{
	Use:   "token <credential-id>",
	Short: "Print a valid access token, refreshing it when needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close() //nolint:errcheck

		cred, err := svc.Store.GetCredential(ctx, args[0])
		if err != nil {
			return err
		}
		var token string
		if force, _ := cmd.Flags().GetBool("refresh"); force {
			token, err = svc.Broker.ForceRefresh(ctx, cred)
		} else {
			token, err = svc.Broker.AccessToken(ctx, cred)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func formatCredentials(w io.Writer, creds []model.IntegrationCredential) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tOWNER\tPROVIDER\tSTATUS\tENV\tUPDATED\n")
	for _, c := range creds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.OwnerID, c.Provider, c.Status, c.Environment,
			c.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	tw.Flush() //nolint:errcheck
}

func formatCheckResults(w io.Writer, results []connector.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tPROVIDER\tSTORED\tSUGGESTED\tDETAIL\n")
	for _, r := range results {
		if r.CredentialID == "" {
			continue
		}
		status := string(r.Status)
		if r.Changed() {
			status += " *"
		}
		detail := r.Detail
		if len(detail) > 80 {
			detail = detail[:77] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.CredentialID, r.Provider, r.Previous, status, detail)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	integrationsListCmd.Flags().String("owner", "", "only list this owner's credentials")

	f := integrationsAddCmd.Flags()
	f.String("owner", "", "owner id")
	f.String("provider", "", "quickbooks, salesforce, microsoft or notion")
	f.Bool("sandbox", false, "use the provider's sandbox environment")
	f.String("realm-id", "", "QuickBooks company id")
	f.String("instance-url", "", "Salesforce instance URL")
	f.String("tenant-id", "", "Microsoft tenant id")
	f.String("database-id", "", "Notion database used for connection checks")
	f.StringSlice("scopes", nil, "granted scopes")
	f.String("api-key", "", "API key or integration secret")
	f.String("access-token", "", "OAuth access token")
	f.String("refresh-token", "", "OAuth refresh token")
	f.Duration("expires-in", 0, "access token lifetime")

	integrationsCheckCmd.Flags().String("owner", "", "only check this owner's credentials")
	integrationsCheckCmd.Flags().Bool("apply", false, "store the suggested statuses")

	integrationsTokenCmd.Flags().Bool("refresh", false, "refresh even if the current token is valid")

	integrationsCmd.AddCommand(integrationsListCmd, integrationsAddCmd, integrationsCheckCmd, integrationsTokenCmd)
	rootCmd.AddCommand(integrationsCmd)
}
