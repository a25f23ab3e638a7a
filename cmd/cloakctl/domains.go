package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/cloakgate/pkg/client"
)

var domainsCmd = &cobra.Command{
	Use:     "domains",
	Aliases: []string{"domain", "d"},
	Short:   "Manage custom domains",
}

func init() {
	domainsCmd.AddCommand(domainsAddCmd)
	domainsCmd.AddCommand(domainsListCmd)
	domainsCmd.AddCommand(domainsGetCmd)
	domainsCmd.AddCommand(domainsUpdateCmd)
	domainsCmd.AddCommand(domainsDeleteCmd)
	domainsCmd.AddCommand(domainsStatusCmd)
	domainsCmd.AddCommand(domainsRetryCmd)
	domainsCmd.AddCommand(domainsWaitCmd)
}

// ── add ──────────────────────────────────────────────────────────────────────

var (
	addWhite string
	addBlack string
	addUA    string
	addSwap  bool
)

var domainsAddCmd = &cobra.Command{
	Use:   "add <hostname>",
	Short: "Attach a custom hostname",
	Long: `add attaches a hostname and runs the first reconciliation pass.

  cloakctl domains add promo.example.com \
      --white https://safe.example.org --black offer.example.net/lp

Point a CNAME for the hostname at the printed target, then follow progress
with 'cloakctl domains wait <id>'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		d, err := c.CreateDomain(cmd.Context(), client.CreateDomainRequest{
			Hostname:         args[0],
			WhiteDestination: addWhite,
			BlackDestination: addBlack,
			Rules:            client.Rules{UABlock: addUA, SwapDestinations: addSwap},
		})
		if err != nil {
			return fmt.Errorf("add domain: %w", err)
		}
		if output == "json" {
			return printJSON(d)
		}
		printDomain(d)
		fmt.Printf("\nCreate this DNS record:\n\n  %s  CNAME  %s\n", d.Hostname, d.InternalTarget)
		return nil
	},
}

func init() {
	domainsAddCmd.Flags().StringVar(&addWhite, "white", "", "Destination for bots")
	domainsAddCmd.Flags().StringVar(&addBlack, "black", "", "Destination for humans")
	domainsAddCmd.Flags().StringVar(&addUA, "ua-block", "", "Regex of user agents treated as bots")
	domainsAddCmd.Flags().BoolVar(&addSwap, "swap", false, "Send bots to the black destination")
}

// ── list ─────────────────────────────────────────────────────────────────────

var domainsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your domains",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ds, err := c.ListDomains(cmd.Context())
		if err != nil {
			return fmt.Errorf("list domains: %w", err)
		}
		if output == "json" {
			return printJSON(ds)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tHOSTNAME\tSTATUS\tCERT\tTARGET")
		for _, d := range ds {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Hostname, d.Status, d.CertStatus, d.InternalTarget)
		}
		return w.Flush()
	},
}

// ── get ──────────────────────────────────────────────────────────────────────

var domainsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		d, err := c.GetDomain(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get domain: %w", err)
		}
		if output == "json" {
			return printJSON(d)
		}
		printDomain(d)
		return nil
	},
}

// ── update ───────────────────────────────────────────────────────────────────

var domainsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a domain's hostname, destinations or rules",
	Long: `update applies only the flags you pass. Changing the hostname restarts
certificate provisioning.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var req client.UpdateDomainRequest
		flags := cmd.Flags()
		if flags.Changed("hostname") {
			v, _ := flags.GetString("hostname")
			req.Hostname = &v
		}
		if flags.Changed("white") {
			v, _ := flags.GetString("white")
			req.WhiteDestination = &v
		}
		if flags.Changed("black") {
			v, _ := flags.GetString("black")
			req.BlackDestination = &v
		}
		if flags.Changed("ua-block") || flags.Changed("swap") {
			ua, _ := flags.GetString("ua-block")
			swap, _ := flags.GetBool("swap")
			req.Rules = &client.Rules{UABlock: ua, SwapDestinations: swap}
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		d, err := c.UpdateDomain(cmd.Context(), args[0], req)
		if err != nil {
			return fmt.Errorf("update domain: %w", err)
		}
		if output == "json" {
			return printJSON(d)
		}
		printDomain(d)
		return nil
	},
}

func init() {
	domainsUpdateCmd.Flags().String("hostname", "", "New hostname")
	domainsUpdateCmd.Flags().String("white", "", "Destination for bots")
	domainsUpdateCmd.Flags().String("black", "", "Destination for humans")
	domainsUpdateCmd.Flags().String("ua-block", "", "Regex of user agents treated as bots")
	domainsUpdateCmd.Flags().Bool("swap", false, "Send bots to the black destination")
}

// ── delete ───────────────────────────────────────────────────────────────────

var domainsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Detach a domain and release its certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.DeleteDomain(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("delete domain: %w", err)
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

// ── status / retry ───────────────────────────────────────────────────────────

var domainsStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Reconcile a domain now and print the report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rep, err := c.CheckStatus(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("check status: %w", err)
		}
		return printReport(rep)
	},
}

var domainsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry a failed certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rep, err := c.RetryProvisioning(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("retry provisioning: %w", err)
		}
		return printReport(rep)
	},
}

// ── wait ─────────────────────────────────────────────────────────────────────

var (
	waitInterval time.Duration
	waitTimeout  time.Duration
)

var domainsWaitCmd = &cobra.Command{
	Use:   "wait <id>",
	Short: "Poll a domain until it is ACTIVE",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), waitTimeout)
		defer cancel()

		ticker := time.NewTicker(waitInterval)
		defer ticker.Stop()

		last := ""
		for {
			rep, err := c.CheckStatus(ctx, args[0])
			if err != nil {
				return fmt.Errorf("check status: %w", err)
			}
			line := rep.Status + " / " + rep.CertStatus + " (" + rep.Reason + ")"
			if line != last {
				fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), line)
				if rep.Challenge != nil {
					fmt.Printf("          TXT %s = %s\n", rep.Challenge.Name, rep.Challenge.Value)
				}
				last = line
			}
			switch {
			case rep.Status == "ACTIVE":
				return nil
			case rep.CertStatus == "FAILED":
				return fmt.Errorf("certificate failed: run 'cloakctl domains retry %s'", args[0])
			}

			select {
			case <-ctx.Done():
				return fmt.Errorf("timed out waiting for %s", rep.Hostname)
			case <-ticker.C:
			}
		}
	},
}

func init() {
	domainsWaitCmd.Flags().DurationVar(&waitInterval, "interval", 15*time.Second, "Polling interval")
	domainsWaitCmd.Flags().DurationVar(&waitTimeout, "timeout", 30*time.Minute, "Give up after this long")
}

// ── output ───────────────────────────────────────────────────────────────────

func printDomain(d *client.Domain) {
	fmt.Printf("ID:       %s\n", d.ID)
	fmt.Printf("Hostname: %s\n", d.Hostname)
	if d.Alias != "" {
		fmt.Printf("Alias:    %s\n", d.Alias)
	}
	fmt.Printf("Target:   %s\n", d.InternalTarget)
	fmt.Printf("Status:   %s\n", d.Status)
	fmt.Printf("Cert:     %s\n", d.CertStatus)
	if d.LastReason != "" {
		fmt.Printf("Reason:   %s\n", d.LastReason)
	}
	fmt.Printf("White:    %s\n", orDash(d.WhiteDestination))
	fmt.Printf("Black:    %s\n", orDash(d.BlackDestination))
	for _, rec := range d.ChallengeRecords {
		fmt.Printf("TXT:      %s = %s\n", rec.Name, rec.Value)
	}
}

func printReport(rep *client.StatusReport) error {
	if output == "json" {
		return printJSON(rep)
	}
	fmt.Printf("Hostname: %s\n", rep.Hostname)
	fmt.Printf("Status:   %s\n", rep.Status)
	fmt.Printf("Cert:     %s\n", rep.CertStatus)
	fmt.Printf("Reason:   %s\n", rep.Reason)
	fmt.Printf("Checked:  %s\n", rep.CheckedAt.Format(time.RFC3339))
	if rep.Provider.ClientStatus != "" {
		fmt.Printf("Provider: %s\n", rep.Provider.ClientStatus)
	}
	for _, rec := range rep.ChallengeRecords {
		fmt.Printf("TXT:      %s = %s\n", rec.Name, rec.Value)
	}
	return nil
}
