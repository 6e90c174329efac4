package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/aosgate/internal/config"
	"github.com/harun/aosgate/pkg/store"
	"github.com/harun/aosgate/pkg/webhook"
)

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Manage webhook subscriptions",
	Long: `Manage webhook subscriptions in the aosgate database.
Changes are picked up by a running daemon on the next event.`,
}

var webhooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions",
	Args:  cobra.NoArgs,
	RunE:  runWebhooksList,
}

var (
	addSecret     string
	addFilters    []string
	addMaxRetries int
	addBackoff    time.Duration
	addMaxBackoff time.Duration
)

var webhooksAddCmd = &cobra.Command{
	Use:   "add <event-type> <url>",
	Short: "Add a subscription; use * as event type for every event",
	Args:  cobra.ExactArgs(2),
	RunE:  runWebhooksAdd,
}

var webhooksRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a subscription and its delivery history",
	Args:  cobra.ExactArgs(1),
	RunE:  runWebhooksRemove,
}

var (
	deliveriesStatus string
	deliveriesLimit  int
)

var webhooksDeliveriesCmd = &cobra.Command{
	Use:   "deliveries [subscription-id]",
	Short: "Show recent deliveries, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWebhooksDeliveries,
}

func init() {
	defaults := webhook.DefaultRetryPolicy()
	webhooksAddCmd.Flags().StringVar(&addSecret, "secret", "", "HMAC signing secret")
	webhooksAddCmd.Flags().StringArrayVar(&addFilters, "filter", nil, "field=value equality filter, repeatable")
	webhooksAddCmd.Flags().IntVar(&addMaxRetries, "max-retries", defaults.MaxRetries, "retries after the first attempt")
	webhooksAddCmd.Flags().DurationVar(&addBackoff, "backoff", defaults.BaseBackoff, "base retry backoff")
	webhooksAddCmd.Flags().DurationVar(&addMaxBackoff, "max-backoff", webhook.DefaultMaxBackoff, "longest retry wait")

	webhooksDeliveriesCmd.Flags().StringVar(&deliveriesStatus, "status", "", "filter by status (pending, retrying, delivered, failed)")
	webhooksDeliveriesCmd.Flags().IntVar(&deliveriesLimit, "limit", 20, "number of deliveries to show")

	webhooksCmd.AddCommand(webhooksListCmd, webhooksAddCmd, webhooksRemoveCmd, webhooksDeliveriesCmd)
	rootCmd.AddCommand(webhooksCmd)
}

// openEngine opens the store and an engine that is never started; it is
// used for its validation and bookkeeping only.
func openEngine() (*webhook.Engine, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	engine, err := webhook.NewEngine(webhook.Options{Repository: st, Logger: zerolog.Nop()})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return engine, func() { st.Close() }, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(cfg.Database.Path, zerolog.Nop())
}

func runWebhooksList(cmd *cobra.Command, args []string) error {
	engine, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	subs, err := engine.Subscriptions(cmd.Context())
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		cmd.Println("No webhook subscriptions.")
		return nil
	}

	for _, sub := range subs {
		state := "active"
		if !sub.Active {
			state = "paused"
		}
		cmd.Printf("%s  %-20s %-7s %s  ok=%d failed=%d\n",
			sub.ID, sub.EventType, state, sub.URL, sub.SuccessCount, sub.FailureCount)
	}
	return nil
}

func runWebhooksAdd(cmd *cobra.Command, args []string) error {
	filter, err := parseFilters(addFilters)
	if err != nil {
		return err
	}

	engine, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	sub, err := engine.AddSubscription(cmd.Context(), webhook.Subscription{
		EventType: args[0],
		URL:       args[1],
		Secret:    addSecret,
		Filter:    filter,
		Retry: webhook.RetryPolicy{
			MaxRetries:  addMaxRetries,
			BaseBackoff: addBackoff,
			Exponential: true,
			MaxBackoff:  addMaxBackoff,
		},
		Active: true,
	})
	if err != nil {
		return err
	}

	cmd.Printf("Added subscription %s for %s -> %s\n", sub.ID, sub.EventType, sub.URL)
	return nil
}

func runWebhooksRemove(cmd *cobra.Command, args []string) error {
	engine, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := engine.RemoveSubscription(cmd.Context(), args[0]); err != nil {
		return err
	}
	cmd.Printf("Removed subscription %s\n", args[0])
	return nil
}

func runWebhooksDeliveries(cmd *cobra.Command, args []string) error {
	engine, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	q := webhook.DeliveryQuery{
		Status: webhook.DeliveryStatus(deliveriesStatus),
		Limit:  deliveriesLimit,
	}
	if len(args) == 1 {
		q.SubscriptionID = args[0]
	}

	deliveries, err := engine.Deliveries(cmd.Context(), q)
	if err != nil {
		return err
	}
	if len(deliveries) == 0 {
		cmd.Println("No deliveries.")
		return nil
	}

	for _, d := range deliveries {
		line := fmt.Sprintf("%s  %-20s %-9s attempts=%d", d.ID, d.EventType, d.Status, d.Attempts)
		if d.LastStatusCode != 0 {
			line += fmt.Sprintf(" http=%d", d.LastStatusCode)
		}
		if d.LastError != "" {
			line += " error=" + d.LastError
		}
		cmd.Println(line)
	}
	return nil
}

func parseFilters(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, item := range raw {
		key, value, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid filter %q, expected field=value", item)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}
