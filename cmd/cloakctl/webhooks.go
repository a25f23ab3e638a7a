package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var webhooksCmd = &cobra.Command{
	Use:     "webhooks",
	Aliases: []string{"webhook", "wh"},
	Short:   "Manage lifecycle webhooks",
}

var hookEvents []string

var webhooksAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Subscribe a URL to domain lifecycle events",
	Long: `add subscribes a URL to domain lifecycle events.

Events: domain.active, domain.propagating, domain.error,
cert.dns_challenge, cert.failed.

Deliveries carry an X-CloakGate-Signature header: sha256=<hex HMAC of the
body> keyed by the secret printed here. It is not shown again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		wh, secret, err := c.CreateWebhook(cmd.Context(), args[0], hookEvents)
		if err != nil {
			return fmt.Errorf("add webhook: %w", err)
		}
		if output == "json" {
			return printJSON(map[string]any{"subscription": wh, "secret": secret})
		}
		fmt.Printf("ID:      %s\n", wh.ID)
		fmt.Printf("URL:     %s\n", wh.URL)
		fmt.Printf("Events:  %s\n", strings.Join(wh.Events, ", "))
		fmt.Printf("Secret:  %s\n", secret)
		return nil
	},
}

var webhooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your webhook subscriptions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		hooks, err := c.ListWebhooks(cmd.Context())
		if err != nil {
			return fmt.Errorf("list webhooks: %w", err)
		}
		if output == "json" {
			return printJSON(hooks)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tURL\tEVENTS\tACTIVE")
		for _, h := range hooks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", h.ID, h.URL, strings.Join(h.Events, ","), h.Active)
		}
		return w.Flush()
	},
}

var webhooksDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a webhook subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.DeleteWebhook(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("delete webhook: %w", err)
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

func init() {
	webhooksAddCmd.Flags().StringSliceVar(&hookEvents, "events",
		[]string{"domain.active", "domain.error", "cert.dns_challenge", "cert.failed"},
		"Comma-separated events to subscribe to")

	webhooksCmd.AddCommand(webhooksAddCmd)
	webhooksCmd.AddCommand(webhooksListCmd)
	webhooksCmd.AddCommand(webhooksDeleteCmd)
}
