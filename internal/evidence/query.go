package evidence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// Query runs a jq expression over the ledger's entries and returns the
// produced values. The entries are presented to the query as a JSON array,
// so ".[] | select(.event == \"retry\")" yields all retry events.
func (m *Memory) Query(ctx context.Context, expression string) ([]any, error) {
	q, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse jq expression %q: %w", expression, err)
	}

	// Round-trip through JSON so gojq sees plain maps and slices.
	raw, err := json.Marshal(m.Entries())
	if err != nil {
		return nil, fmt.Errorf("marshal ledger entries: %w", err)
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("unmarshal ledger entries: %w", err)
	}

	var out []any
	iter := q.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if qErr, isErr := v.(error); isErr {
			return nil, fmt.Errorf("run jq expression %q: %w", expression, qErr)
		}
		out = append(out, v)
	}
	return out, nil
}
