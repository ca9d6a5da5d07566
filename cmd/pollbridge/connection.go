package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pollbridge/pollbridge/pkg/dispatch"
	"github.com/pollbridge/pollbridge/pkg/types"
	"github.com/pollbridge/pollbridge/pkg/upstream"
)

var connectionCmd = &cobra.Command{
	Use:   "connection",
	Short: "Manage upstream connections",
}

var connectionAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		conn := &types.Connection{ID: uuid.NewString(), Active: true}
		conn.Name, _ = cmd.Flags().GetString("name")
		conn.UpstreamURL, _ = cmd.Flags().GetString("url")
		conn.UpstreamDB, _ = cmd.Flags().GetString("db")
		conn.UpstreamUser, _ = cmd.Flags().GetString("user")
		conn.APIKey, _ = cmd.Flags().GetString("api-key")
		conn.WebhookURL, _ = cmd.Flags().GetString("webhook-url")
		conn.WebhookSecret, _ = cmd.Flags().GetString("webhook-secret")
		conn.StoreID, _ = cmd.Flags().GetString("store-id")
		conn.ClientID, _ = cmd.Flags().GetString("client-id")
		conn.PollInterval, _ = cmd.Flags().GetInt("interval")
		if inactive, _ := cmd.Flags().GetBool("inactive"); inactive {
			conn.Active = false
		}

		if conn.WebhookURL == "" {
			conn.WebhookURL = a.settings.DefaultWebhookURL
		}
		if conn.WebhookURL == "" {
			return fmt.Errorf("--webhook-url is required (or set POLLER_DEFAULT_WEBHOOK_URL)")
		}
		if conn.PollInterval <= 0 {
			conn.PollInterval = a.settings.DefaultPollInterval
		}

		if err := a.store.CreateConnection(conn); err != nil {
			return fmt.Errorf("failed to create connection: %w", err)
		}
		fmt.Printf("Connection %q created: %s\n", conn.Name, conn.ID)
		return nil
	},
}

var connectionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		conns, err := a.store.ListConnections()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tUPSTREAM\tACTIVE\tBREAKER\tLAST SYNC")
		for _, c := range conns {
			lastSync := c.LastSyncAt
			if lastSync == "" {
				lastSync = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
				c.ID, c.Name, c.UpstreamURL, c.Active, c.BreakerState, lastSync)
		}
		return w.Flush()
	},
}

var connectionEditCmd = &cobra.Command{
	Use:   "edit ID",
	Short: "Edit a connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		conn, err := a.store.GetConnection(args[0])
		if err != nil {
			return err
		}

		setIfChanged := func(flag string, dst *string) {
			if cmd.Flags().Changed(flag) {
				*dst, _ = cmd.Flags().GetString(flag)
			}
		}
		setIfChanged("name", &conn.Name)
		setIfChanged("url", &conn.UpstreamURL)
		setIfChanged("db", &conn.UpstreamDB)
		setIfChanged("user", &conn.UpstreamUser)
		setIfChanged("api-key", &conn.APIKey)
		setIfChanged("webhook-url", &conn.WebhookURL)
		setIfChanged("webhook-secret", &conn.WebhookSecret)
		setIfChanged("store-id", &conn.StoreID)
		setIfChanged("client-id", &conn.ClientID)
		if cmd.Flags().Changed("interval") {
			conn.PollInterval, _ = cmd.Flags().GetInt("interval")
		}
		if cmd.Flags().Changed("active") {
			conn.Active, _ = cmd.Flags().GetBool("active")
		}

		if err := a.store.UpdateConnection(conn); err != nil {
			return fmt.Errorf("failed to update connection: %w", err)
		}
		fmt.Printf("Connection %q updated\n", conn.Name)
		return nil
	},
}

var connectionDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a connection and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.store.GetConnection(args[0]); err != nil {
			return err
		}
		if err := a.store.DeleteConnection(args[0]); err != nil {
			return fmt.Errorf("failed to delete connection: %w", err)
		}
		fmt.Println("Connection deleted")
		return nil
	},
}

var connectionTestCmd = &cobra.Command{
	Use:   "test ID",
	Short: "Test upstream authentication and optionally the webhook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		conn, err := a.store.GetConnection(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), upstream.DefaultTimeout)
		defer cancel()

		client := upstream.NewClient(conn.UpstreamURL, conn.UpstreamDB, conn.UpstreamUser, conn.APIKey, nil)
		uid, err := client.Authenticate(ctx)
		if err != nil {
			return fmt.Errorf("upstream test failed: %w", err)
		}
		fmt.Printf("✓ Upstream authentication OK (session %d)\n", uid)

		if ping, _ := cmd.Flags().GetBool("webhook"); ping {
			d := dispatch.NewDispatcher(&http.Client{Timeout: dispatch.DefaultTimeout})
			payload := []byte(fmt.Sprintf(`{"event":"connection.test","connection_id":%q,"sent_at":%q}`,
				conn.ID, time.Now().UTC().Format(time.RFC3339)))
			if err := d.Send(ctx, conn.WebhookURL, payload, conn.WebhookSecret, conn.ID); err != nil {
				return fmt.Errorf("webhook test failed: %w", err)
			}
			fmt.Println("✓ Webhook OK")
		}
		return nil
	},
}

// connectionManifest is the YAML form accepted by connection apply
type connectionManifest struct {
	Name          string `yaml:"name"`
	UpstreamURL   string `yaml:"upstreamUrl"`
	UpstreamDB    string `yaml:"upstreamDb"`
	UpstreamUser  string `yaml:"upstreamUser"`
	APIKey        string `yaml:"apiKey"`
	WebhookURL    string `yaml:"webhookUrl"`
	WebhookSecret string `yaml:"webhookSecret"`
	StoreID       string `yaml:"storeId"`
	ClientID      string `yaml:"clientId"`
	PollInterval  int    `yaml:"pollInterval"`
	Active        *bool  `yaml:"active"`
}

var connectionApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update a connection from a YAML manifest",
	Long: `Apply a connection definition from a YAML file. Connections are
matched by name: an existing connection with the same name is updated,
otherwise a new one is created.

Example manifest:

  name: acme-prod
  upstreamUrl: https://erp.acme.example
  upstreamDb: acme
  upstreamUser: sync@acme.example
  apiKey: s3cret
  webhookUrl: https://hooks.example/orders
  webhookSecret: hook-secret
  storeId: store-17
  clientId: client-9
  pollInterval: 60`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")
		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}

		var m connectionManifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
		if m.Name == "" {
			return fmt.Errorf("manifest is missing a name")
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		conns, err := a.store.ListConnections()
		if err != nil {
			return err
		}
		var existing *types.Connection
		for _, c := range conns {
			if c.Name == m.Name {
				existing = c
				break
			}
		}

		active := true
		if m.Active != nil {
			active = *m.Active
		}

		if existing == nil {
			conn := &types.Connection{
				ID:            uuid.NewString(),
				Name:          m.Name,
				UpstreamURL:   m.UpstreamURL,
				UpstreamDB:    m.UpstreamDB,
				UpstreamUser:  m.UpstreamUser,
				APIKey:        m.APIKey,
				WebhookURL:    m.WebhookURL,
				WebhookSecret: m.WebhookSecret,
				StoreID:       m.StoreID,
				ClientID:      m.ClientID,
				PollInterval:  m.PollInterval,
				Active:        active,
			}
			if conn.WebhookURL == "" {
				conn.WebhookURL = a.settings.DefaultWebhookURL
			}
			if conn.PollInterval <= 0 {
				conn.PollInterval = a.settings.DefaultPollInterval
			}
			if err := a.store.CreateConnection(conn); err != nil {
				return err
			}
			fmt.Printf("Connection %q created: %s\n", conn.Name, conn.ID)
			return nil
		}

		existing.UpstreamURL = m.UpstreamURL
		existing.UpstreamDB = m.UpstreamDB
		existing.UpstreamUser = m.UpstreamUser
		existing.APIKey = m.APIKey
		existing.WebhookURL = m.WebhookURL
		existing.WebhookSecret = m.WebhookSecret
		existing.StoreID = m.StoreID
		existing.ClientID = m.ClientID
		if m.PollInterval > 0 {
			existing.PollInterval = m.PollInterval
		}
		existing.Active = active
		if err := a.store.UpdateConnection(existing); err != nil {
			return err
		}
		fmt.Printf("Connection %q updated\n", existing.Name)
		return nil
	},
}

func init() {
	connectionCmd.AddCommand(connectionAddCmd)
	connectionCmd.AddCommand(connectionListCmd)
	connectionCmd.AddCommand(connectionEditCmd)
	connectionCmd.AddCommand(connectionDeleteCmd)
	connectionCmd.AddCommand(connectionTestCmd)
	connectionCmd.AddCommand(connectionApplyCmd)

	for _, c := range []*cobra.Command{connectionAddCmd, connectionEditCmd} {
		c.Flags().String("name", "", "Display name")
		c.Flags().String("url", "", "Upstream base URL")
		c.Flags().String("db", "", "Upstream database identifier")
		c.Flags().String("user", "", "Upstream username")
		c.Flags().String("api-key", "", "Upstream API key")
		c.Flags().String("webhook-url", "", "Downstream webhook URL")
		c.Flags().String("webhook-secret", "", "Webhook shared secret")
		c.Flags().String("store-id", "", "Downstream store correlation id")
		c.Flags().String("client-id", "", "Downstream client correlation id")
		c.Flags().Int("interval", 60, "Poll interval in seconds")
	}
	connectionAddCmd.Flags().Bool("inactive", false, "Create the connection deactivated")
	_ = connectionAddCmd.MarkFlagRequired("name")
	_ = connectionAddCmd.MarkFlagRequired("url")
	_ = connectionAddCmd.MarkFlagRequired("db")
	_ = connectionAddCmd.MarkFlagRequired("user")
	_ = connectionAddCmd.MarkFlagRequired("api-key")

	connectionEditCmd.Flags().Bool("active", true, "Activate or deactivate the connection")

	connectionTestCmd.Flags().Bool("webhook", false, "Also POST a test event to the webhook")

	connectionApplyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = connectionApplyCmd.MarkFlagRequired("file")
}
