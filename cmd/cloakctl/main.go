package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/cloakgate/internal/identity"
	"github.com/jmerrifield20/cloakgate/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	apiURL   string
	cfgFile  string
	apiToken string
	ownerID  string
	edgeKey  string
	output   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cloakctl",
	Short: "CloakGate CLI",
	Long: `cloakctl manages custom domains on a CloakGate deployment.

Attach a hostname, follow its DNS and certificate progress, and inspect
the routing configuration the edge uses for it.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.cloakctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("cloakctl")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if apiURL == "" {
			apiURL = viper.GetString("api_url")
		}
		if apiURL == "" {
			apiURL = "http://localhost:8080"
		}
		if apiToken == "" {
			apiToken = viper.GetString("token")
		}
		if ownerID == "" {
			ownerID = viper.GetString("owner")
		}
		if edgeKey == "" {
			edgeKey = viper.GetString("edge_key")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.cloakctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "CloakGate API URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "Tenant bearer token")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", "", "Owner id sent as X-Owner-ID (servers without a JWT secret)")
	rootCmd.PersistentFlags().StringVar(&edgeKey, "edge-key", "", "Edge key for the resolve endpoint")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format: text or json")

	rootCmd.AddCommand(domainsCmd)
	rootCmd.AddCommand(webhooksCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if apiToken != "" {
		opts = append(opts, client.WithBearerToken(apiToken))
	}
	if ownerID != "" {
		opts = append(opts, client.WithOwnerID(ownerID))
	}
	if edgeKey != "" {
		opts = append(opts, client.WithEdgeKey(edgeKey))
	}
	return client.New(apiURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── resolve ──────────────────────────────────────────────────────────────────

var resolveCmd = &cobra.Command{
	Use:   "resolve <host>",
	Short: "Show the routing configuration the edge uses for a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Resolve(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("resolve %q: %w", args[0], err)
		}
		if output == "json" {
			return printJSON(res)
		}
		fmt.Printf("Host:     %s\n", res.Host)
		fmt.Printf("Owner:    %s\n", res.OwnerID)
		fmt.Printf("Status:   %s\n", res.Status)
		fmt.Printf("White:    %s\n", orDash(res.WhiteDestination))
		fmt.Printf("Black:    %s\n", orDash(res.BlackDestination))
		if res.Rules.UABlock != "" {
			fmt.Printf("UA block: %s\n", res.Rules.UABlock)
		}
		if res.Rules.SwapDestinations {
			fmt.Println("Swap:     yes")
		}
		if u := res.PlanUsage; u != nil {
			fmt.Printf("Clicks:   %d / %d this month\n", u.MonthlyClicksUsed, u.MonthlyClicksLimit)
			fmt.Printf("Domains:  %d / %d active\n", u.ActiveDomainsUsed, u.ActiveDomainsLimit)
		}
		return nil
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret string
	tokenIssuer string
	tokenEmail  string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <owner-id>",
	Short: "Mint a tenant token signed with a shared secret (development)",
	Long: `token signs a tenant JWT locally with the same secret the server is
configured with (auth.jwt_secret). Use it against development deployments;
production tokens come from the auth service.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			tokenSecret = viper.GetString("jwt_secret")
		}
		if tokenSecret == "" {
			return fmt.Errorf("--secret is required")
		}
		tok, err := identity.NewTokenVerifier([]byte(tokenSecret), tokenIssuer, tokenTTL).Issue(args[0], tokenEmail)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "HS256 signing secret")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "", "Issuer claim")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cloakctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("cloakctl", version)
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
