package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/caal/internal/llm"
	"github.com/nugget/caal/internal/pipeline"
	"github.com/nugget/caal/internal/settings"
)

// preloadTimeout bounds one background preload run. Downloads and a
// cold model load both fit well inside it.
const preloadTimeout = 10 * time.Minute

// Prewarm starts loading what the current settings need in the
// background: the Ollama model is pinned in memory and the Speaches
// models are downloaded. It reports whether a run was started and,
// when not, why.
func (b *Bootstrapper) Prewarm() (started bool, reason string) {
	res, err := b.settings.Resolve(b.ctx)
	if err != nil {
		return false, "settings incomplete: " + err.Error()
	}
	cfg := res.Config
	if cfg.LLMProvider != settings.ProviderOllama {
		return false, fmt.Sprintf("llm provider is %s, nothing to preload", cfg.LLMProvider)
	}
	handles, err := b.quiet.Assemble(cfg)
	if err != nil {
		return false, "assemble pipeline: " + err.Error()
	}
	if !b.warming.CompareAndSwap(false, true) {
		return false, "preload already running"
	}
	go func() {
		defer b.warming.Store(false)
		b.preload(handles)
	}()
	return true, "loading " + cfg.OllamaModel
}

// preload runs the model downloads and the LLM warmup one after the
// other. Failures are logged; the first session retries on its own.
func (b *Bootstrapper) preload(h *pipeline.Handles) {
	ctx, cancel := context.WithTimeout(b.ctx, preloadTimeout)
	defer cancel()
	start := time.Now()

	if h.STT.Provider() == settings.ProviderSpeaches {
		b.ensure(ctx, h.STT.Model())
	}
	if h.TTS.Provider() == settings.ProviderPiper {
		b.ensure(ctx, h.TTS.Voice())
	}
	if c, ok := h.LLM.(*llm.OllamaClient); ok {
		if err := c.Warm(ctx); err != nil {
			b.logger.Warn("llm warmup failed", "model", c.Model(), "error", err)
		}
	}
	b.logger.Info("preload finished", "elapsed", time.Since(start).Round(time.Millisecond))
}

// ensureModel installs a Speaches model for a session that is about
// to use it.
func (b *Bootstrapper) ensureModel(model string) {
	ctx, cancel := context.WithTimeout(b.ctx, preloadTimeout)
	defer cancel()
	b.ensure(ctx, model)
}

func (b *Bootstrapper) ensure(ctx context.Context, model string) {
	if b.installer == nil || model == "" {
		return
	}
	downloaded, err := b.installer.Ensure(ctx, model)
	switch {
	case err != nil:
		b.logger.Warn("model install failed", "model", model, "error", err)
	case downloaded:
		b.logger.Info("model installed", "model", model)
	default:
		b.logger.Debug("model already installed", "model", model)
	}
}
