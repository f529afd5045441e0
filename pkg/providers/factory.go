package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/swparkaust/chat-with-ai/pkg/config"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderOllama     = "ollama"
)

type providerFactory struct {
	build    func(cfg *config.Config) (Provider, error)
	validate func(cfg *config.Config) error
}

var (
	factoryMu       sync.RWMutex
	factories       = map[string]providerFactory{}
	registrationErr error
)

func init() {
	RegisterFactory(ProviderOpenRouter, newOpenRouterFromConfig, requireAPIKey("OpenRouter"))
	RegisterFactory(ProviderOpenAI, func(cfg *config.Config) (Provider, error) {
		m, err := newOpenAIModel(cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Provider.Model)
		if err != nil {
			return nil, err
		}
		return NewLangChainProvider(ProviderOpenAI, m), nil
	}, requireAPIKey("OpenAI"))
	RegisterFactory(ProviderAnthropic, func(cfg *config.Config) (Provider, error) {
		m, err := newAnthropicModel(cfg.Provider.APIKey, cfg.Provider.Model)
		if err != nil {
			return nil, err
		}
		return NewLangChainProvider(ProviderAnthropic, m), nil
	}, requireAPIKey("Anthropic"))
	RegisterFactory(ProviderOllama, func(cfg *config.Config) (Provider, error) {
		m, err := newOllamaModel(cfg.Provider.OllamaHost, cfg.Provider.Model)
		if err != nil {
			return nil, err
		}
		return NewLangChainProvider(ProviderOllama, m), nil
	}, nil)
}

func requireAPIKey(label string) func(cfg *config.Config) error {
	return func(cfg *config.Config) error {
		if cfg == nil {
			return fmt.Errorf("config is required")
		}
		if strings.TrimSpace(cfg.Provider.APIKey) == "" {
			return fmt.Errorf("%s API key is required (set provider.api_key or CHATAI_PROVIDER_API_KEY)", label)
		}
		return nil
	}
}

func newOpenRouterFromConfig(cfg *config.Config) (Provider, error) {
	apiBase := strings.TrimSpace(cfg.Provider.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenRouterAPIBase
	}
	return NewHTTPProvider(ProviderOpenRouter, strings.TrimSpace(cfg.Provider.APIKey), apiBase, cfg.Provider.Model, cfg.Provider.Proxy)
}

func RegisterFactory(name string, build func(cfg *config.Config) (Provider, error), validate func(cfg *config.Config) error) {
	name = NormalizeProviderName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory build func is required for %q", name))
		return
	}
	factories[name] = providerFactory{build: build, validate: validate}
}

func SupportedProviders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderOpenRouter
	}
	return name
}

func ValidateProviderConfig(cfg *config.Config) error {
	factory, _, err := getFactory(cfg)
	if err != nil {
		return err
	}
	if factory.validate == nil {
		return nil
	}
	return factory.validate(cfg)
}

// CreateProvider builds the provider selected by cfg.Provider.Name.
func CreateProvider(cfg *config.Config) (Provider, error) {
	factory, _, err := getFactory(cfg)
	if err != nil {
		return nil, err
	}
	if factory.validate != nil {
		if err := factory.validate(cfg); err != nil {
			return nil, err
		}
	}
	return factory.build(cfg)
}

func getFactory(cfg *config.Config) (providerFactory, string, error) {
	name := ProviderOpenRouter
	if cfg != nil {
		name = NormalizeProviderName(cfg.ProviderName())
	}

	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return providerFactory{}, name, fmt.Errorf("provider registration failed: %w", err)
	}
	factory, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return providerFactory{}, name, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return factory, name, nil
}
