package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pollbridge/pollbridge/pkg/dispatch"
	"github.com/pollbridge/pollbridge/pkg/mapper"
	"github.com/pollbridge/pollbridge/pkg/poller"
	"github.com/pollbridge/pollbridge/pkg/types"
	"github.com/pollbridge/pollbridge/pkg/upstream"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent cycle logs for a connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		connID, _ := cmd.Flags().GetString("connection")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.store.GetConnection(connID); err != nil {
			return err
		}
		logs, err := a.store.ListSyncLogs(connID, limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tDURATION\tFOUND\tSENT\tFAILED\tSKIPPED\tBREAKER\tERROR")
		for _, l := range logs {
			errMsg := l.Error
			if errMsg == "" {
				errMsg = "-"
			}
			breakerCol := string(l.BreakerAfter)
			if l.BreakerBefore != l.BreakerAfter {
				breakerCol = fmt.Sprintf("%s→%s", l.BreakerBefore, l.BreakerAfter)
			}
			fmt.Fprintf(w, "%s\t%dms\t%d\t%d\t%d\t%d\t%s\t%s\n",
				l.StartedAt.Format(time.RFC3339), l.DurationMS,
				l.OrdersFound, l.OrdersSent, l.OrdersFailed, l.OrdersSkipped,
				breakerCol, errMsg)
		}
		return w.Flush()
	},
}

var retriesCmd = &cobra.Command{
	Use:   "retries",
	Short: "Inspect and operate the retry queue",
}

var retriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retry items for a connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		connID, _ := cmd.Flags().GetString("connection")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		items, err := a.store.ListRetryItems(connID, limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tORDER\tSTATUS\tATTEMPTS\tNEXT RETRY\tLAST ERROR")
		for _, item := range items {
			next := "-"
			if item.Status == types.RetryPending {
				next = item.NextRetryAt.Format(time.RFC3339)
			}
			lastErr := item.LastError
			if lastErr == "" {
				lastErr = "-"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\t%s\t%s\n",
				item.ID, item.OrderName, item.Status,
				item.Attempts, item.MaxAttempts, next, lastErr)
		}
		return w.Flush()
	},
}

var retriesRetryCmd = &cobra.Command{
	Use:   "retry ID",
	Short: "Attempt a retry item immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid retry id %q", args[0])
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		item, err := a.store.GetRetryItem(id)
		if err != nil {
			return err
		}
		if item.Status == types.RetrySuccess || item.Status == types.RetryDiscarded {
			return fmt.Errorf("retry item %d is already %s", id, item.Status)
		}
		conn, err := a.store.GetConnection(item.ConnectionID)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), dispatch.DefaultTimeout)
		defer cancel()

		d := dispatch.NewDispatcher(&http.Client{Timeout: dispatch.DefaultTimeout})
		sendErr := d.Send(ctx, conn.WebhookURL, item.Payload, conn.WebhookSecret, conn.ID)
		if sendErr != nil {
			item.Attempts++
			item.LastError = sendErr.Error()
			if item.Attempts >= item.MaxAttempts {
				item.Status = types.RetryFailed
			} else {
				item.NextRetryAt = time.Now().Add(dispatch.Backoff(item.Attempts))
			}
			if err := a.store.UpdateRetryItem(item); err != nil {
				return err
			}
			return fmt.Errorf("dispatch failed: %w", sendErr)
		}

		if err := a.store.MarkSent(&types.SentOrder{
			ConnectionID: conn.ID,
			OrderID:      item.OrderID,
			OrderName:    item.OrderName,
			WriteDate:    item.WriteDate,
			SentAt:       time.Now(),
		}); err != nil {
			return err
		}
		item.Status = types.RetrySuccess
		if err := a.store.UpdateRetryItem(item); err != nil {
			return err
		}
		fmt.Printf("Retry %d delivered (%s)\n", item.ID, item.OrderName)
		return nil
	},
}

var retriesDiscardCmd = &cobra.Command{
	Use:   "discard ID",
	Short: "Discard a retry item without delivering it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one retry id")
		}
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid retry id %q", args[0])
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		item, err := a.store.GetRetryItem(id)
		if err != nil {
			return err
		}
		if item.Status == types.RetrySuccess {
			return fmt.Errorf("retry item %d already delivered", id)
		}
		item.Status = types.RetryDiscarded
		if err := a.store.UpdateRetryItem(item); err != nil {
			return err
		}
		fmt.Printf("Retry %d discarded (%s)\n", item.ID, item.OrderName)
		return nil
	},
}

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Operate per-connection circuit breakers",
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset ID",
	Short: "Force a connection's breaker back to closed",
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
		if err := a.store.UpdateBreaker(conn.ID, types.BreakerClosed, 0, 0, time.Time{}); err != nil {
			return err
		}
		fmt.Printf("Breaker for %q reset to closed\n", conn.Name)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Re-send recently delivered orders",
	Long: `Re-fetch the most recent orders recorded in a connection's delivery
ledger, normalize them again from current upstream data, and POST them to
the webhook. Intended for operator-driven replays after a downstream
outage; the delivery ledger is bypassed on the way out and refreshed on
success.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		connID, _ := cmd.Flags().GetString("connection")
		last, _ := cmd.Flags().GetInt("last")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		conn, err := a.store.GetConnection(connID)
		if err != nil {
			return err
		}
		sent, err := a.store.ListSentOrders(conn.ID, last)
		if err != nil {
			return err
		}
		if len(sent) == 0 {
			fmt.Println("Delivery ledger is empty, nothing to re-send")
			return nil
		}

		ids := make([]int64, 0, len(sent))
		for _, s := range sent {
			ids = append(ids, s.OrderID)
		}

		ctx := context.Background()
		client := upstream.NewClient(conn.UpstreamURL, conn.UpstreamDB, conn.UpstreamUser, conn.APIKey, nil)
		if conn.SessionUID != 0 {
			client.SeedSession(conn.SessionUID)
		}

		orders, err := client.Read(ctx, "sale.order", ids, poller.OrderFields)
		if err != nil {
			return fmt.Errorf("failed to re-fetch orders: %w", err)
		}
		batch, err := mapper.Fetch(ctx, client, orders)
		if err != nil {
			return fmt.Errorf("failed to fetch order details: %w", err)
		}

		src := mapper.Source{
			DB:           conn.UpstreamDB,
			ConnectionID: conn.ID,
			StoreID:      conn.StoreID,
			ClientID:     conn.ClientID,
		}
		d := dispatch.NewDispatcher(&http.Client{Timeout: dispatch.DefaultTimeout})
		delivered, failed := 0, 0
		for _, order := range orders {
			env, err := mapper.MapOrder(order, batch, src)
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "✗ order %d rejected by mapper: %v\n", order.ID(), err)
				continue
			}
			payload, err := json.Marshal(env)
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "✗ order %d failed to serialize: %v\n", order.ID(), err)
				continue
			}
			if err := d.Send(ctx, conn.WebhookURL, payload, conn.WebhookSecret, conn.ID); err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "✗ %s: %v\n", order.Str("name"), err)
				continue
			}
			if err := a.store.MarkSent(&types.SentOrder{
				ConnectionID: conn.ID,
				OrderID:      order.ID(),
				OrderName:    order.Str("name"),
				WriteDate:    order.Str("write_date"),
				SentAt:       time.Now(),
			}); err != nil {
				fmt.Fprintf(os.Stderr, "delivered %s but failed to refresh ledger: %v\n", order.Str("name"), err)
			}
			delivered++
			fmt.Printf("✓ %s\n", order.Str("name"))
		}

		fmt.Printf("Re-sent %d order(s), %d failed\n", delivered, failed)
		if failed > 0 {
			return fmt.Errorf("%d order(s) failed to deliver", failed)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().StringP("connection", "c", "", "Connection ID (required)")
	logsCmd.Flags().IntP("limit", "n", 20, "Number of entries to show")
	_ = logsCmd.MarkFlagRequired("connection")

	retriesCmd.AddCommand(retriesListCmd)
	retriesCmd.AddCommand(retriesRetryCmd)
	retriesCmd.AddCommand(retriesDiscardCmd)
	retriesListCmd.Flags().StringP("connection", "c", "", "Connection ID (required)")
	retriesListCmd.Flags().IntP("limit", "n", 50, "Number of items to show")
	_ = retriesListCmd.MarkFlagRequired("connection")

	breakerCmd.AddCommand(breakerResetCmd)

	sendCmd.Flags().StringP("connection", "c", "", "Connection ID (required)")
	sendCmd.Flags().Int("last", 1, "How many of the most recent ledger orders to re-send")
	_ = sendCmd.MarkFlagRequired("connection")
}
