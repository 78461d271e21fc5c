package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

// JqTransform returns a MessageTransformFunc that replaces each message payload
// with the result of a jq query. The channel name is available to the query
// as $channel.
//
//	JqTransform(`select($channel | startswith("user-")) | .title`, logger)
//
// A query with several results yields a JSON array, one with no results
// drops the message. Payloads that are not JSON are passed to the query as
// strings. When the query fails at runtime the message passes through
// unchanged and the error is logged.
func JqTransform(query string, logger *zap.Logger) (MessageTransformFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq query '%s': %w", query, err)
	}

	code, err := gojq.Compile(parsed, gojq.WithVariables([]string{"$channel"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq query '%s': %w", query, err)
	}

	return func(msg transport.Message) (transport.Message, bool) {
		var input any
		if err := json.Unmarshal(msg.Payload, &input); err != nil {
			input = string(msg.Payload)
		}

		var results []any
		iter := code.RunWithContext(context.Background(), input, msg.Channel)
		for {
			result, ok := iter.Next()
			if !ok {
				break
			}
			if runErr, isErr := result.(error); isErr {
				logger.Warn("jq query failed",
					zap.String("query", query),
					zap.String("channel", msg.Channel),
					zap.Error(runErr))
				return msg, true
			}
			results = append(results, result)
		}

		if len(results) == 0 {
			return msg, false
		}

		var output any = results
		if len(results) == 1 {
			output = results[0]
		}

		payload, err := json.Marshal(output)
		if err != nil {
			logger.Warn("Failed to encode jq result",
				zap.String("query", query),
				zap.String("channel", msg.Channel),
				zap.Error(err))
			return msg, true
		}

		msg.Payload = payload
		return msg, true
	}, nil
}
