package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster"
	"github.com/tsarna/broadcaster/pkg/broadcaster/replica"
	"github.com/tsarna/broadcaster/pkg/broadcaster/transform"
	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <websocket-url> <channels...>",
	Short: "Follow broadcaster channels and print their messages",
	Long: `Subscribe to channels on a broadcaster WebSocket server and print every
message to stdout as "<channel>\t<timetoken>\t<payload>".

The connection manager keeps the subscription alive: denied channels are
granted and retried, and messages missed while disconnected are replayed
from history. Status changes are logged.

Examples:
  broadcaster subscribe ws://localhost:8080/ws user-u1 team-t1 --auth-key $KEY
  broadcaster subscribe ws://localhost:8080/ws stream-1 --jq '.title'
  broadcaster subscribe ws://localhost:8080/ws stream-1 --collection posts`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSubscribe,
}

var (
	subscribeAuthKey     string
	subscribeDialTimeout time.Duration
	subscribeJq          string
	subscribeDrop        []string
	subscribeCollections []string
)

func init() {
	rootCmd.AddCommand(subscribeCmd)

	subscribeCmd.Flags().StringVar(&subscribeAuthKey, "auth-key", "", "auth key issued by the hub")
	subscribeCmd.Flags().DurationVar(&subscribeDialTimeout, "dial-timeout", 10*time.Second, "WebSocket dial timeout")
	subscribeCmd.Flags().StringVar(&subscribeJq, "jq", "", "jq query applied to each payload, with the channel as $channel")
	subscribeCmd.Flags().StringArrayVar(&subscribeDrop, "drop", nil, "drop channels matching an MQTT-style kind/id pattern")
	subscribeCmd.Flags().StringArrayVar(&subscribeCollections, "collection", nil, "keep a replica of a collection carried in payloads")
}

// printer writes message batches as tab separated lines.
type printer struct {
	mu         sync.Mutex
	out        io.Writer
	transforms []transform.MessageTransformFunc
}

func (p *printer) print(batch []transport.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, msg := range transform.ApplyTransforms(batch, p.transforms...) {
		fmt.Fprintf(p.out, "%s\t%d\t%s\n", msg.Channel, msg.Timetoken, msg.Payload)
	}
}

func messageTransforms(logger *zap.Logger) ([]transform.MessageTransformFunc, error) {
	var transforms []transform.MessageTransformFunc
	for _, pattern := range subscribeDrop {
		transforms = append(transforms, transform.DropChannelPattern(pattern))
	}

	if subscribeJq != "" {
		jq, err := transform.JqTransform(subscribeJq, logger)
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, jq)
	}

	return transforms, nil
}

func logStatus(logger *zap.Logger) func(broadcaster.StatusChangeEvent) {
	return func(ev broadcaster.StatusChangeEvent) {
		fields := []zap.Field{
			zap.Stringer("status", ev.Status),
			zap.Strings("channels", ev.Channels),
		}

		switch ev.Status {
		case broadcaster.Connected:
			logger.Info("Subscribed", append(fields, zap.Bool("reconnected", ev.Reconnected))...)
		case broadcaster.Failed, broadcaster.Trouble, broadcaster.NetworkProblem, broadcaster.Offline:
			logger.Warn("Subscription problem", fields...)
		case broadcaster.Reset, broadcaster.Aborted:
			logger.Error("Subscription lost", fields...)
		default:
			logger.Debug("Subscription status", fields...)
		}
	}
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	wsURL, channels := args[0], args[1:]

	managerConfig, err := cfg.ManagerConfig()
	if err != nil {
		return err
	}

	transforms, err := messageTransforms(logger)
	if err != nil {
		return err
	}

	wsClient, err := newClient(wsURL, subscribeAuthKey, subscribeDialTimeout, logger)
	if err != nil {
		return err
	}

	manager, err := broadcaster.NewManager().
		WithTransport(wsClient).
		WithLogger(logger.Named("manager")).
		WithConfig(managerConfig).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}

	out := &printer{out: cmd.OutOrStdout(), transforms: transforms}
	statusSub := manager.OnStatusChange(logStatus(logger))
	defer statusSub.Dispose()
	messageSub := manager.OnMessages(out.print)
	defer messageSub.Dispose()

	if len(subscribeCollections) > 0 {
		builder := replica.New().WithLogger(logger.Named("replica"))
		for _, name := range subscribeCollections {
			builder = builder.WithCollection(name)
		}
		r, err := builder.Build()
		if err != nil {
			return fmt.Errorf("failed to create replica: %w", err)
		}
		defer r.Attach(manager)()
		sizes := manager.OnMessages(func([]transport.Message) {
			for _, name := range r.Collections() {
				c, _ := r.Collection(name)
				logger.Debug("Replica updated", zap.String("collection", name), zap.Int("records", c.Len()))
			}
		})
		defer sizes.Dispose()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}
	defer func() {
		if stopErr := manager.Stop(); stopErr != nil {
			logger.Warn("Error during shutdown", zap.Error(stopErr))
		}
	}()

	logger.Info("Starting subscription",
		zap.String("url", wsURL),
		zap.Strings("channels", channels),
	)
	manager.Subscribe(channels...)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	logger.Debug("Signal received, exiting", zap.String("signal", sig.String()))
	return nil
}
