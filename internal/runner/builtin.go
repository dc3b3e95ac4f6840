package runner

import (
	"context"
	"fmt"
	"time"
)

// EchoTool returns its message parameter unchanged. Useful for verifying
// the gating path end to end without side effects.
type EchoTool struct{}

func (EchoTool) Name() string        { return "echo" }
func (EchoTool) Description() string { return "Returns the provided message unchanged." }

func (EchoTool) EstimateCost(map[string]any) float64 { return 0 }

func (EchoTool) Validate(params map[string]any) error {
	if _, ok := params["message"].(string); !ok {
		return fmt.Errorf("message parameter is required and must be a string")
	}
	return nil
}

func (EchoTool) Execute(_ context.Context, params map[string]any) (*Result, error) {
	msg := params["message"].(string)
	return &Result{Output: msg, Success: true}, nil
}

// SleepTool blocks for a bounded duration, honoring context cancellation.
// Exists to exercise timeouts and pause-mid-run behavior.
type SleepTool struct{}

const maxSleep = 30 * time.Second

func (SleepTool) Name() string        { return "sleep" }
func (SleepTool) Description() string { return "Sleeps for the given number of seconds." }

func (SleepTool) EstimateCost(map[string]any) float64 { return 0 }

func (SleepTool) Validate(params map[string]any) error {
	secs, ok := params["seconds"].(float64)
	if !ok {
		return fmt.Errorf("seconds parameter is required and must be a number")
	}
	if secs < 0 || time.Duration(secs*float64(time.Second)) > maxSleep {
		return fmt.Errorf("seconds must be between 0 and %s", maxSleep)
	}
	return nil
}

func (SleepTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	d := time.Duration(params["seconds"].(float64) * float64(time.Second))
	select {
	case <-time.After(d):
		return &Result{Output: fmt.Sprintf("slept %s", d), Success: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var (
	_ Tool = EchoTool{}
	_ Tool = SleepTool{}
)
