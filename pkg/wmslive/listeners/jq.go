package listeners

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/tsarna/wmslive/pkg/wmslive/hub"
	"go.uber.org/zap"
)

// JQ returns a listener that runs a jq query over each payload and passes
// the result to next. The query can refer to the topic as $topic.
//
// A query with no output drops the payload; several outputs are passed on as
// one array. If the query fails at runtime the original payload is passed on
// unchanged.
//
//	active, err := listeners.JQ(`select(.active) | .vehicleId`, "vehicles", logger, next)
func JQ(query, topic string, logger *zap.Logger, next hub.Listener) (hub.Listener, error) {
	if next == nil {
		return nil, hub.ErrNilListener
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq query '%s': %w", query, err)
	}

	code, err := gojq.Compile(parsed, gojq.WithVariables([]string{"$topic"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq query '%s': %w", query, err)
	}

	return func(payload any) {
		input, err := jqInput(payload)
		if err != nil {
			logger.Error("jq: payload is not representable as JSON",
				zap.String("jq_query", query),
				zap.String("topic", topic),
				zap.String("payload_type", fmt.Sprintf("%T", payload)),
				zap.Error(err))
			next(payload)
			return
		}

		iter := code.RunWithContext(context.Background(), input, topic)

		var results []any
		for {
			result, ok := iter.Next()
			if !ok {
				break
			}
			if execErr, isErr := result.(error); isErr {
				logger.Error("jq: execution error",
					zap.String("jq_query", query),
					zap.String("topic", topic),
					zap.Error(execErr))
				next(payload)
				return
			}
			results = append(results, result)
		}

		switch len(results) {
		case 0:
			return
		case 1:
			next(results[0])
		default:
			next(results)
		}
	}, nil
}

// jqInput converts payload to the plain maps, slices and scalars gojq works
// on. Payloads decoded by the hub already have that form.
func jqInput(payload any) (any, error) {
	switch payload.(type) {
	case nil, bool, string, float64, map[string]any, []any:
		return payload, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
