package pack

import (
	"context"
	"encoding/json"
	"time"
)

// TypeDemoEcho is the development pack: it echoes its inputs back as result
// data. Registered only in dev environments.
const TypeDemoEcho = "demo.echo"

// demo.echo pricing: a flat base plus a per-byte rate on the inputs, so
// different payloads produce different settled amounts in dev.
const (
	demoBaseMicros    = 50000
	demoPerByteMicros = 100
)

// demoParams are optional knobs inside the inputs document. sleep_ms lets
// dev clients exercise the timebox and heartbeat paths.
type demoParams struct {
	SleepMS int `json:"sleep_ms"`
}

// NewDemoEcho returns the demo.echo executor.
func NewDemoEcho() Executor {
	return ExecutorFunc(func(ctx context.Context, in Input) (*Result, error) {
		var params demoParams
		// Unknown or malformed params are ignored; the echo still works.
		_ = json.Unmarshal(in.Inputs, &params)

		if params.SleepMS > 0 {
			timer := time.NewTimer(time.Duration(params.SleepMS) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		data, err := json.Marshal(map[string]interface{}{
			"echo":     in.Inputs,
			"pack":     in.PackType,
			"received": len(in.Inputs),
		})
		if err != nil {
			return nil, err
		}

		return &Result{
			Data:         data,
			ActualMicros: demoBaseMicros + int64(len(in.Inputs))*demoPerByteMicros,
		}, nil
	})
}
