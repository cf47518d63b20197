package model

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/DanielWarg/AliceV2-sub000/faults"
)

// Deep is the long-form tier. It is subject to oracle suppression upstream
// and advertises an idle timeout after which the model is released from the
// runtime to free RAM.
type Deep struct {
	runtime *Ollama
	modelID string
	idle    time.Duration

	mu       sync.Mutex
	lastUsed time.Time
	loaded   bool
}

// NewDeep constructs the deep driver. idle is how long the model may sit
// unused before ReleaseIfIdle unloads it; zero defaults to 10 minutes.
func NewDeep(runtime *Ollama, modelID string, idle time.Duration) *Deep {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Deep{runtime: runtime, modelID: modelID, idle: idle}
}

// Route implements Driver.
func (d *Deep) Route() string { return RouteDeep }

// ModelID implements Driver.
func (d *Deep) ModelID() string { return d.modelID }

// Generate runs a long-form completion and refreshes the last-used mark.
func (d *Deep) Generate(ctx context.Context, req Request) (Result, error) {
	began := time.Now()
	res := Result{ModelID: d.modelID, Route: RouteDeep}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	out, err := d.runtime.generate(ctx, generateRequest{
		Model:  d.modelID,
		Prompt: req.Prompt,
		Stream: false,
		Options: map[string]any{
			"temperature": temperature,
			"num_predict": maxTokens,
		},
	})
	if err != nil {
		res.ErrorClass = faults.ClassOf(err)
		return finish(res, began), err
	}
	d.markUsed()

	res.Text = out.Response
	res.TokensUsed = out.EvalCount + out.PromptEvalCount
	res.SchemaOK = true
	return finish(res, began), nil
}

func (d *Deep) markUsed() {
	d.mu.Lock()
	d.lastUsed = time.Now()
	d.loaded = true
	d.mu.Unlock()
}

// IdleFor reports how long the model has been unused. Zero means it was
// never used or has already been released.
func (d *Deep) IdleFor() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return 0
	}
	return time.Since(d.lastUsed)
}

// ReleaseIfIdle unloads the model from the runtime when the idle timeout has
// passed. Safe to call from a ticker; errors are logged and swallowed since
// the runtime will evict on its own eventually.
func (d *Deep) ReleaseIfIdle(ctx context.Context) {
	d.mu.Lock()
	expired := d.loaded && time.Since(d.lastUsed) >= d.idle
	if expired {
		d.loaded = false
	}
	d.mu.Unlock()
	if !expired {
		return
	}
	if err := d.runtime.release(ctx, d.modelID); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "deep model release failed"},
			log.KV{K: "model", V: d.modelID}, log.KV{K: "err", V: err.Error()})
		return
	}
	log.Info(ctx, log.KV{K: "msg", V: "deep model released after idle"},
		log.KV{K: "model", V: d.modelID})
}

// StartIdleReaper launches a goroutine that periodically releases the model
// after the idle timeout. It stops when ctx is cancelled.
func (d *Deep) StartIdleReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.ReleaseIfIdle(ctx)
			}
		}
	}()
}
