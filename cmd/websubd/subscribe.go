package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"mauve.dev/websub/subscriber"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe topic...",
	Short: "Subscribe to topics and print notifications",
	Long: `Run a callback server, subscribe to the given topics, and write each
notification body to standard output. Interrupting the command
unsubscribes before exiting.

The hub must be able to reach the callback URL. When the hub runs on
another machine, pass a --callback URL it can resolve.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubscribe,
}

var (
	subscribeHub    string
	subscribeListen string
	callbackURL     string
	subscribeSecret string
	subscribeLease  time.Duration
)

func init() {
	subscribeCmd.Flags().StringVar(&subscribeHub, "hub", "http://localhost:8080/websub/hub", "hub endpoint")
	subscribeCmd.Flags().StringVarP(&subscribeListen, "listen", "l", ":8081", "callback listen address")
	subscribeCmd.Flags().StringVar(&callbackURL, "callback", "", "public callback URL, derived from the listen address when empty")
	subscribeCmd.Flags().StringVar(&subscribeSecret, "secret", "", "shared secret for signed notifications")
	subscribeCmd.Flags().DurationVar(&subscribeLease, "lease", 0, "requested lease, hub default when zero")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	callback := callbackURL

	if callback == "" {
		host := subscribeListen

		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}

		callback = "http://" + host + "/"
	}

	opts := []subscriber.Option{
		subscriber.WithHub(subscribeHub),
	}

	if subscribeSecret != "" {
		opts = append(opts, subscriber.WithSecret(subscribeSecret))
	}

	if subscribeLease > 0 {
		opts = append(opts, subscriber.WithLease(subscribeLease))
	}

	sub := subscriber.New(callback, opts...)

	sub.On(func(event *subscriber.Received) {
		os.Stdout.Write(event.Notification.Body)
		os.Stdout.Write([]byte("\n"))
	})

	sub.On(func(event *subscriber.Denied) {
		log.Warnf("Subscription to %s denied: %s", event.Topic, event.Reason)
	})

	server := &http.Server{
		Addr:    subscribeListen,
		Handler: sub,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Callback server error: %v", err)
		}
	}()

	log.Infof("Callback server listening on %s as %s", subscribeListen, callback)

	for _, topic := range args {
		if err := sub.Subscribe(cmd.Context(), topic); err != nil {
			return errors.Wrapf(err, "subscribe %s", topic)
		}

		log.Infof("Subscription requested for %s", topic)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Unsubscribing...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, topic := range args {
		if err := sub.Unsubscribe(ctx, topic); err != nil {
			log.Warnf("Unsubscribe %s failed: %v", topic, err)
		}
	}

	return server.Shutdown(ctx)
}
