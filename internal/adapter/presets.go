package adapter

// SupportedProviders lists the CLI providers a session can switch between.
// The echo adapter is deliberately excluded: it exists for pipeline tests,
// not as a user-facing provider.
var SupportedProviders = []string{"codex", "gemini", "claude"}

var availableModelsByProvider = map[string][]string{
	"codex": {
		"gpt-5.3-codex",
		"gpt-5.3-codex-spark",
		"gpt-5.2-codex",
		"gpt-5.1-codex-max",
		"gpt-5.2",
		"gpt-5.1-codex-mini",
		"gpt-5",
	},
	"gemini": {"gemini-2.5-pro", "gemini-2.5-flash"},
	"claude": {"claude-sonnet-4-5"},
}

// IsSupportedProvider reports whether a provider can be selected via /mode.
func IsSupportedProvider(name string) bool {
	for _, provider := range SupportedProviders {
		if provider == name {
			return true
		}
	}
	return false
}

// AvailableModels returns the selectable models for a provider.
func AvailableModels(provider string) []string {
	return availableModelsByProvider[provider]
}

// IsAllowedModel reports whether the model is selectable for the provider.
func IsAllowedModel(provider, model string) bool {
	for _, candidate := range AvailableModels(provider) {
		if candidate == model {
			return true
		}
	}
	return false
}

// ResolveProviderDefaultModel picks the configured default when it is
// allowed, falling back to the provider's first preset.
func ResolveProviderDefaultModel(provider, configuredDefault string) string {
	candidates := AvailableModels(provider)
	if len(candidates) == 0 {
		return ""
	}
	if configuredDefault != "" && IsAllowedModel(provider, configuredDefault) {
		return configuredDefault
	}
	return candidates[0]
}

// ResolveSelectedModel resolves the model for a run: the session's own
// model when allowed, otherwise the configured or preset default.
func ResolveSelectedModel(provider, sessionModel string, defaults map[string]string) string {
	if sessionModel != "" && IsAllowedModel(provider, sessionModel) {
		return sessionModel
	}
	return ResolveProviderDefaultModel(provider, defaults[provider])
}
