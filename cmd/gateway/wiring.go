package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/openclaw/gateway/internal/config"
	"github.com/openclaw/gateway/internal/llm"
	"github.com/openclaw/gateway/internal/safeio"
	"github.com/openclaw/gateway/internal/trace"
)

// callbackPolicy builds the outbound policy for result delivery. An empty
// allowlist permits any public host; private ranges stay blocked either way.
func callbackPolicy(cfg *config.Config) safeio.Policy {
	p := safeio.NewPolicy(cfg.CallbackAllowHosts)
	p.AllowHTTP = cfg.AllowInsecureBaseURL
	return p
}

// assistManager wires the configured LLM providers into the failover manager.
// Returns nil when no provider key is set; the assist endpoints then answer
// 503 disabled.
func assistManager(cfg *config.Config, traces *trace.Store, logger *slog.Logger) *llm.Manager {
	adapters := make(map[llm.Provider]llm.Adapter)
	var candidates []llm.Candidate

	if cfg.OpenAIAPIKey != "" {
		if cfg.OpenAIBaseURL != "" && !llmBaseURLAllowed(cfg, logger) {
			logger.Warn("openai provider skipped, base url fails outbound policy",
				"base_url", cfg.OpenAIBaseURL)
		} else {
			adapters[llm.ProviderOpenAI] = llm.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		}
	}
	if adapters[llm.ProviderOpenAI] != nil {
		candidates = append(candidates, llm.Candidate{
			Provider: llm.ProviderOpenAI,
			Model:    cfg.OpenAIModel,
			BaseURL:  cfg.OpenAIBaseURL,
		})
	}
	if cfg.AnthropicAPIKey != "" {
		adapters[llm.ProviderAnthropic] = llm.NewAnthropic(cfg.AnthropicAPIKey)
		candidates = append(candidates, llm.Candidate{
			Provider: llm.ProviderAnthropic,
			Model:    cfg.AnthropicModel,
		})
	}
	if len(candidates) == 0 {
		return nil
	}
	logger.Info("assist providers configured", "candidates", len(candidates))
	return llm.NewManager(candidates, adapters, traces, cfg.LLMTimeout, logger)
}

// llmBaseURLAllowed resolves a custom OpenAI-compatible base URL against the
// outbound policy so a misconfigured override cannot point at private ranges.
func llmBaseURLAllowed(cfg *config.Config, logger *slog.Logger) bool {
	if len(cfg.LLMAllowedHosts) == 0 && !cfg.AllowAnyPublicLLMHost {
		logger.Warn("llm base url override requires LLM_ALLOWED_HOSTS or the any-public-host ack")
		return false
	}
	p := safeio.NewPolicy(cfg.LLMAllowedHosts)
	p.AllowHTTP = cfg.AllowInsecureBaseURL
	if cfg.AllowAnyPublicLLMHost {
		p.AllowedHosts = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := safeio.NewChecker().Resolve(ctx, cfg.OpenAIBaseURL, p); err != nil {
		logger.Warn("llm base url blocked", "error", err)
		return false
	}
	return true
}
