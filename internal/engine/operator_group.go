package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

// Caps on collision bookkeeping so a pathological merge cannot grow
// checkpoint metadata without bound.
const (
	maxTrackedCollisions  = 1000
	maxTrackedSkippedKeys = 1000
)

// parallelOp fans a group of primitives out concurrently (the loop handles
// scheduling and timeouts) and merges their outputs once all inputs have
// completed. Colliding keys are resolved by the collisionStrategy parameter:
// "array" appends colliding values into an array, "namespace" qualifies them
// as <primitiveId>.<key>, anything else halts the run via checkpoint on the
// first collision.
type parallelOp struct{ baseOp }

func (o *parallelOp) AfterExecute(_ context.Context, oc *OpContext, results []*schema.PrimitiveResult) schema.Action {
	strategy := oc.Operator.ParamString("collisionStrategy", "")

	merged := make(map[string]any)
	origin := make(map[string]string)       // plain key → primitive that wrote it
	namespaced := make(map[string]struct{}) // base keys already split by namespace
	collisions := 0
	var skipped []string

	for _, res := range results {
		if res.Failed() {
			continue
		}
		for key, incoming := range res.Output {
			if _, split := namespaced[key]; split {
				merged[qualify(res.PrimitiveID, key)] = incoming
				continue
			}
			existing, collides := merged[key]
			if !collides {
				merged[key] = incoming
				origin[key] = res.PrimitiveID
				continue
			}

			if collisions >= maxTrackedCollisions {
				if len(skipped) < maxTrackedSkippedKeys {
					skipped = append(skipped, key)
				}
				continue
			}
			collisions++

			switch strategy {
			case "array":
				arr, ok := appendCollision(existing, incoming)
				if !ok {
					return o.halt(oc, key, collisions, skipped, strategy)
				}
				merged[key] = arr
			case "namespace":
				merged[qualify(origin[key], key)] = existing
				merged[qualify(res.PrimitiveID, key)] = incoming
				delete(merged, key)
				namespaced[key] = struct{}{}
			default:
				return o.halt(oc, key, collisions, skipped, strategy)
			}
		}
	}

	for k, v := range merged {
		oc.Emit(k, v)
	}
	return schema.Action{
		Kind:       schema.ActionContinue,
		OperatorID: oc.Operator.ID,
		Meta:       collisionMeta(strategy, collisions, skipped),
	}
}

func (o *parallelOp) halt(oc *OpContext, key string, collisions int, skipped []string, strategy string) schema.Action {
	meta := collisionMeta(strategy, collisions, skipped)
	meta["halted_on_key"] = key
	return schema.Action{
		Kind:       schema.ActionCheckpoint,
		Snapshot:   oc.State,
		Terminal:   true,
		Reason:     fmt.Sprintf("parallel %s halted on unmergeable collision for key %q", oc.Operator.ID, key),
		OperatorID: oc.Operator.ID,
		Meta:       meta,
	}
}

func collisionMeta(strategy string, collisions int, skipped []string) map[string]any {
	meta := map[string]any{
		"collision_strategy": strategy,
		"collisions":         collisions,
	}
	if len(skipped) > 0 {
		meta["skipped_keys"] = skipped
	}
	return meta
}

func qualify(pid, key string) string {
	return pid + "." + key
}

// appendCollision folds a colliding value into an array. Only primitives and
// arrays merge; structured values signal a conflict the strategy cannot
// resolve.
func appendCollision(existing, incoming any) (any, bool) {
	if !mergeable(incoming) {
		return nil, false
	}
	if arr, ok := existing.([]any); ok {
		return append(arr, incoming), true
	}
	if !mergeable(existing) {
		return nil, false
	}
	return []any{existing, incoming}, true
}

func mergeable(v any) bool {
	switch v.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, uint, uint32, uint64, []any:
		return true
	default:
		return false
	}
}

// quorumOp groups sibling conclusions by structural equality and continues
// with the majority once it reaches the required vote count; otherwise the
// decision goes to a human. A conclusion that cannot be serialized escalates
// rather than risking false agreement.
type quorumOp struct{ baseOp }

func (o *quorumOp) AfterExecute(_ context.Context, oc *OpContext, results []*schema.PrimitiveResult) schema.Action {
	required := int(oc.Operator.ParamNumber("required",
		oc.Operator.ParamNumber("quorumSize", float64(len(results)/2+1))))

	votes := make(map[string]int)
	voters := make(map[string][]string)
	outputs := make(map[string]map[string]any)
	var failures []string

	for _, res := range results {
		if res.Failed() {
			failures = append(failures, res.PrimitiveID)
			continue
		}
		key, err := serializeConclusion(res.Output)
		if err != nil {
			return schema.Escalate(schema.EscalateHuman,
				fmt.Sprintf("quorum %s: conclusion from %s is not serializable: %v", oc.Operator.ID, res.PrimitiveID, err))
		}
		votes[key]++
		voters[key] = append(voters[key], res.PrimitiveID)
		if _, ok := outputs[key]; !ok {
			outputs[key] = res.Output
		}
	}

	winner, count := "", 0
	for _, res := range results {
		if res.Failed() {
			continue
		}
		key, _ := serializeConclusion(res.Output)
		if votes[key] > count {
			winner, count = key, votes[key]
		}
	}

	if winner == "" || count < required {
		return schema.Action{
			Kind:       schema.ActionEscalate,
			Level:      schema.EscalateHuman,
			Reason:     fmt.Sprintf("quorum %s not reached: best %d of required %d", oc.Operator.ID, count, required),
			OperatorID: oc.Operator.ID,
			Meta: map[string]any{
				"votes":    count,
				"required": required,
				"failures": failures,
			},
		}
	}

	var dissent []string
	for key, pids := range voters {
		if key != winner {
			dissent = append(dissent, pids...)
		}
	}
	for k, v := range outputs[winner] {
		oc.Emit(k, v)
	}
	return schema.Action{
		Kind:       schema.ActionContinue,
		OperatorID: oc.Operator.ID,
		Meta: map[string]any{
			"votes":    count,
			"required": required,
			"dissent":  dissent,
			"failures": failures,
		},
	}
}

// consensusOp requires unanimity among non-failed results; with
// resolution "majority" it falls back to a strict majority vote. Anything
// less escalates with every position attached.
type consensusOp struct{ baseOp }

func (o *consensusOp) AfterExecute(_ context.Context, oc *OpContext, results []*schema.PrimitiveResult) schema.Action {
	positions := make(map[string]int)
	outputs := make(map[string]map[string]any)
	byPrimitive := make(map[string]any)
	var live int

	for _, res := range results {
		if res.Failed() {
			continue
		}
		live++
		key, err := serializeConclusion(res.Output)
		if err != nil {
			return schema.Escalate(schema.EscalateHuman,
				fmt.Sprintf("consensus %s: position from %s is not serializable: %v", oc.Operator.ID, res.PrimitiveID, err))
		}
		positions[key]++
		byPrimitive[res.PrimitiveID] = res.Output
		if _, ok := outputs[key]; !ok {
			outputs[key] = res.Output
		}
	}

	if live == 0 {
		return schema.Escalate(schema.EscalateHuman,
			fmt.Sprintf("consensus %s: no surviving positions", oc.Operator.ID))
	}

	if len(positions) == 1 {
		for key := range positions {
			for k, v := range outputs[key] {
				oc.Emit(k, v)
			}
		}
		return schema.Continue()
	}

	if oc.Operator.ParamString("resolution", "") == "majority" {
		for key, n := range positions {
			if n > live/2 {
				for k, v := range outputs[key] {
					oc.Emit(k, v)
				}
				return schema.Continue()
			}
		}
	}

	return schema.Action{
		Kind:       schema.ActionEscalate,
		Level:      schema.EscalateHuman,
		Reason:     fmt.Sprintf("consensus %s not reached among %d positions", oc.Operator.ID, len(positions)),
		OperatorID: oc.Operator.ID,
		Meta:       map[string]any{"positions": byPrimitive},
	}
}

// serializeConclusion canonicalizes an output map for structural-equality
// voting. JSON marshaling sorts map keys, so equal structures always
// serialize identically.
func serializeConclusion(output map[string]any) (string, error) {
	b, err := json.Marshal(output)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
