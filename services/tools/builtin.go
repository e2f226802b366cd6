package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

const kgPerLb = 0.45359237

// RegisterBuiltins adds the stateless fitness helpers that need no domain
// service: one-rep-max estimation and weight unit conversion.
func RegisterBuiltins(r *Registry) {
	r.Register("estimate_one_rep_max", estimateOneRepMax)
	r.Register("convert_weight", convertWeight)
}

type oneRepMaxArgs struct {
	Weight float64 `json:"weight"`
	Reps   int     `json:"reps"`
}

func estimateOneRepMax(_ context.Context, raw json.RawMessage) (any, error) {
	var args oneRepMaxArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Weight <= 0 || args.Reps < 1 {
		return nil, fmt.Errorf("weight must be positive and reps at least 1")
	}

	estimate := args.Weight
	if args.Reps > 1 {
		estimate = args.Weight * (1 + float64(args.Reps)/30)
	}
	return map[string]any{"one_rep_max": round1(estimate)}, nil
}

type convertWeightArgs struct {
	Value float64 `json:"value"`
	From  string  `json:"from"`
}

func convertWeight(_ context.Context, raw json.RawMessage) (any, error) {
	var args convertWeightArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	switch strings.ToLower(args.From) {
	case "kg":
		return map[string]any{"value": round1(args.Value / kgPerLb), "unit": "lb"}, nil
	case "lb":
		return map[string]any{"value": round1(args.Value * kgPerLb), "unit": "kg"}, nil
	default:
		return nil, fmt.Errorf("unknown unit %q", args.From)
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
