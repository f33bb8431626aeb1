package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/org/credbroker/internal/broker"
	"github.com/org/credbroker/internal/config"
	"github.com/org/credbroker/internal/core"
	"github.com/org/credbroker/internal/export"
	"github.com/org/credbroker/internal/metrics"
	"github.com/org/credbroker/internal/storage"
	"github.com/org/credbroker/pkg/models"
)

var (
	appCfg   *config.Config
	cfgFile  string
	stateDir string
)

var rootCmd = &cobra.Command{
	Use:   "credbroker",
	Short: "Local credential broker",
	Long: "credbroker stores named secrets sealed at rest and gates the " +
		"controlled and restricted tiers behind TOTP-issued grants.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

		if stateDir != "" {
			os.Setenv("CREDBROKER_STATE_DIR", stateDir)
		}
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		level, err := zerolog.ParseLevel(c.LogLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)

		appCfg = c
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $CREDBROKER_CONFIG or <state dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "State directory (default: ~/.credbroker)")

	rootCmd.AddCommand(setCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(revokeCmd())
	rootCmd.AddCommand(totpCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(auditCmd())
}

// newBroker assembles a broker over the configured state directory. The
// caller closes it.
func newBroker(ctx context.Context) (*broker.Broker, error) {
	store, err := storage.NewFileStore(appCfg.StateDir, appCfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	keys := core.NewKeyring(core.NewFileKeyProvider(appCfg.KeyFile))
	var exporter *metrics.Exporter
	if appCfg.MetricsFile != "" {
		exporter = metrics.NewExporter(appCfg.MetricsFile)
	}
	return broker.New(ctx, store, keys, exporter, broker.Config{
		StateDir:    appCfg.StateDir,
		TOTPIssuer:  appCfg.TOTPIssuer,
		TOTPAccount: appCfg.TOTPAccount,
	}, log.Logger)
}

// --- set ---

func setCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <name> <value>",
		Short: "Store a secret value",
		Long:  "Store a secret value. Pass \"-\" as the value to read it from stdin.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tierArg, _ := cmd.Flags().GetString("tier")
			description, _ := cmd.Flags().GetString("description")

			tier, err := models.ParseTier(tierArg)
			if err != nil {
				return err
			}
			value := args[1]
			if value == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("reading value from stdin: %w", err)
				}
				value = strings.TrimSuffix(string(data), "\n")
			}

			b, err := newBroker(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.SetSecret(cmd.Context(), args[0], value, tier, description); err != nil {
				return err
			}
			printSuccess("Success! Secret written: " + args[0])
			return nil
		},
	}
	cmd.Flags().String("tier", "open", "Access tier: open, controlled, restricted")
	cmd.Flags().String("description", "", "Human-readable note stored with the secret")
	return cmd
}

// --- get ---

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Read a secret value",
		Long: "Read a secret value. Gated tiers need an active grant; without " +
			"one the command fails the same way it does for unknown names.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBroker(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			value, ok, err := b.GetSecret(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("secret not found or access denied")
			}
			if outputFormat == "json" {
				printResult(map[string]any{"name": args[0], "value": value})
				return nil
			}
			fmt.Println(value)
			return nil
		},
	}
}

// --- list ---

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secrets with tier and grant state",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBroker(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			infos, err := b.ListSecrets(cmd.Context())
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				printJSON(infos)
				return nil
			}
			rows := make([][]string, 0, len(infos))
			for _, info := range infos {
				expires := ""
				if info.Grant.ExpiresAt != nil {
					expires = info.Grant.ExpiresAt.Local().Format(time.RFC3339)
				}
				rows = append(rows, []string{
					info.Name,
					string(info.Tier),
					string(info.Grant.State),
					expires,
					info.Description,
				})
			}
			printRows([]string{"NAME", "TIER", "GRANT", "EXPIRES", "DESCRIPTION"}, rows)
			return nil
		},
	}
}

// --- delete ---

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret and any grant on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBroker(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.DeleteSecret(cmd.Context(), args[0]); err != nil {
				return err
			}
			printSuccess("Success! Secret deleted: " + args[0])
			return nil
		},
	}
}

// --- export ---

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Render accessible secrets in dotenv format",
		Long: "Render every secret readable right now (open tiers plus granted ones) " +
			"as KEY=value lines. Gated secrets without an active grant are skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			outPath, _ := cmd.Flags().GetString("out")

			b, err := newBroker(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			vars, err := b.ExportSecrets(cmd.Context())
			if err != nil {
				return err
			}
			rendered := export.DotEnv(vars)
			if outPath == "" {
				fmt.Print(rendered)
				return nil
			}
			if err := os.WriteFile(outPath, []byte(rendered), 0o600); err != nil {
				return fmt.Errorf("writing %s: %w", outPath, err)
			}
			printSuccess(fmt.Sprintf("Success! Exported %d secrets to %s.", len(vars), outPath))
			return nil
		},
	}
	cmd.Flags().String("out", "", "Write to this file (mode 0600) instead of stdout")
	return cmd
}

// --- grant ---

func grantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant <name>",
		Short: "Unlock a gated secret for a limited time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, _ := cmd.Flags().GetString("code")
			ttlArg, _ := cmd.Flags().GetString("ttl")

			ttl := appCfg.GrantTTL
			if ttlArg != "" {
				var err error
				ttl, err = time.ParseDuration(ttlArg)
				if err != nil {
					return fmt.Errorf("invalid ttl %q: %w", ttlArg, err)
				}
			}
			if code == "" {
				fmt.Print("TOTP code: ")
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Scan()
				code = strings.TrimSpace(scanner.Text())
			}

			b, err := newBroker(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			g, err := b.GrantSecret(cmd.Context(), args[0], code, ttl)
			if err != nil {
				return err
			}
			printResult(map[string]any{
				"secret":     g.SecretName,
				"expires_at": g.ExpiresAt.Local().Format(time.RFC3339),
			})
			return nil
		},
	}
	cmd.Flags().String("code", "", "TOTP code (prompted when omitted)")
	cmd.Flags().String("ttl", "", "Grant lifetime, e.g. 15m (default from config)")
	return cmd
}

// --- revoke ---

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <name>",
		Short: "Drop the grant on a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBroker(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.RevokeSecret(cmd.Context(), args[0]); err != nil {
				return err
			}
			printSuccess("Success! Grant revoked: " + args[0])
			return nil
		},
	}
}

// --- totp ---

func totpCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "totp", Short: "Manage TOTP enrollment"}

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Enroll a new TOTP secret",
		Long: "Enroll a new TOTP secret, replacing any previous enrollment. " +
			"The secret is shown once; store it in an authenticator app.",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBroker(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			secret, uri, err := b.SetupTOTP(cmd.Context())
			if err != nil {
				return err
			}
			printResult(map[string]any{"secret": secret, "uri": uri})
			fmt.Fprintln(os.Stderr, "Secret saved. It is not shown again; codes from older enrollments stop working.")
			return nil
		},
	}

	cmd.AddCommand(setupCmd)
	return cmd
}

// --- info ---

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show store counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBroker(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			info, err := b.Info(cmd.Context())
			if err != nil {
				return err
			}
			byTier := map[string]any{}
			for tier, n := range info.SecretsByTier {
				byTier[string(tier)] = n
			}
			printResult(map[string]any{
				"state_dir":       info.StateDir,
				"secrets":         info.Secrets,
				"secrets_by_tier": byTier,
				"totp_enrolled":   info.TOTPEnrolled,
				"grants_active":   info.ActiveGrants,
				"grants_expired":  info.ExpiredGrants,
				"audit_entries":   info.AuditEntries,
			})
			return nil
		},
	}
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the audit chain end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBroker(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			n, err := b.VerifyAudit(cmd.Context())
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Success! Verified %d audit entries.", n))
			return nil
		},
	}

	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Print audit entries in append order",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBroker(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			entries, err := b.AuditEntries(cmd.Context())
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				printJSON(entries)
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.Timestamp.Local().Format(time.RFC3339),
					string(e.Action),
					e.Secret,
					string(e.Outcome),
					e.Reason,
				})
			}
			printRows([]string{"TIME", "ACTION", "SECRET", "OUTCOME", "REASON"}, rows)
			return nil
		},
	}

	cmd.AddCommand(verifyCmd, logCmd)
	return cmd
}
