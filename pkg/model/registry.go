package model

import (
	"os"

	"github.com/thoughtoinnovate/tark/pkg/config"
	"github.com/thoughtoinnovate/tark/pkg/errors"
)

// BuildAdapters constructs an adapter per enabled provider. Providers
// whose credentials are absent are skipped; Ollama needs none. Every
// provider speaks the OpenAI-compatible wire shape, differing only in
// endpoint and key source.
func BuildAdapters(cfg *config.Config) (map[string]Adapter, error) {
	adapters := make(map[string]Adapter)

	for _, provider := range cfg.LLM.EnabledProviders {
		switch provider {
		case "openai":
			if key := os.Getenv("OPENAI_API_KEY"); key != "" {
				adapters[provider] = NewOpenAIAdapter(provider, key, os.Getenv("OPENAI_BASE_URL"))
			}
		case "anthropic":
			if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
				adapters[provider] = NewOpenAIAdapter(provider, key, anthropicBaseURL())
			}
		case "google":
			if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
				adapters[provider] = NewOpenAIAdapter(provider, key, googleBaseURL())
			}
		case "ollama":
			adapters[provider] = NewOpenAIAdapter(provider, "", ollamaBaseURL())
		}
	}

	if len(adapters) == 0 {
		return nil, errors.New(errors.KindConfig,
			"no providers available; set OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, or enable ollama")
	}
	return adapters, nil
}

func anthropicBaseURL() string {
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" {
		return url
	}
	return "https://api.anthropic.com/v1"
}

func googleBaseURL() string {
	if url := os.Getenv("GOOGLE_BASE_URL"); url != "" {
		return url
	}
	return "https://generativelanguage.googleapis.com/v1beta/openai"
}

func ollamaBaseURL() string {
	if url := os.Getenv("OLLAMA_BASE_URL"); url != "" {
		return url
	}
	return "http://localhost:11434/v1"
}
