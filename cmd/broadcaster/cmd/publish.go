package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
	"github.com/tsarna/broadcaster/pkg/broadcaster/websockets/client"
)

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish <websocket-url> <channel> <message>",
	Short: "Publish a message to a broadcaster channel",
	Long: `Publish a message to a channel on a broadcaster WebSocket server.

The message is sent as JSON if it parses as JSON and as a JSON string
otherwise. The server must allow publishing to the channel.

Examples:
  broadcaster publish ws://localhost:8080/ws team-t1 '{"title":"hello"}'
  broadcaster publish ws://localhost:8080/ws team-t1 "plain text" --auth-key $KEY`,
	Args: cobra.ExactArgs(3),
	RunE: runPublish,
}

var (
	publishAuthKey     string
	publishDialTimeout time.Duration
	publishTimeout     time.Duration
)

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringVar(&publishAuthKey, "auth-key", "", "auth key issued by the hub")
	publishCmd.Flags().DurationVar(&publishDialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
	publishCmd.Flags().DurationVar(&publishTimeout, "timeout", 30*time.Second, "total operation timeout")
}

func newClient(wsURL, authKey string, dialTimeout time.Duration, logger *zap.Logger) (*client.Client, error) {
	builder := client.NewClient().
		WithURL(wsURL).
		WithLogger(logger.Named("client")).
		WithDialTimeout(dialTimeout)
	if authKey != "" {
		builder = builder.WithAuthKey(authKey)
	}

	wsClient, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create WebSocket client: %w", err)
	}
	return wsClient, nil
}

// discard ignores asynchronous traffic on a publish-only connection.
type discard struct{}

func (discard) OnMessage(transport.Message) {}
func (discard) OnEvent(transport.Event)     {}

func messagePayload(message string) json.RawMessage {
	if json.Valid([]byte(message)) {
		return json.RawMessage(message)
	}
	encoded, _ := json.Marshal(message)
	return encoded
}

func runPublish(cmd *cobra.Command, args []string) error {
	_, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	wsURL, channel := args[0], args[1]
	payload := messagePayload(args[2])

	logger.Info("Publishing message",
		zap.String("url", wsURL),
		zap.String("channel", channel),
		zap.ByteString("payload", payload),
	)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	wsClient, err := newClient(wsURL, publishAuthKey, publishDialTimeout, logger)
	if err != nil {
		return err
	}

	if err := wsClient.Open(ctx, discard{}); err != nil {
		return fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}
	defer func() {
		if closeErr := wsClient.Close(); closeErr != nil {
			logger.Warn("Error during client close", zap.Error(closeErr))
		}
	}()

	if err := wsClient.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	logger.Info("Message published", zap.String("channel", channel))
	return nil
}
