package connector

import "strings"

// defaultAIFingerprints is the built-in case-insensitive substring table
// mapping display-text or client-id fragments to an AI provider name (spec
// §4.1). config.Config.Detection.AIFingerprints overrides/extends this at
// process start (spec §9 open question, resolved: config-driven extension).
var defaultAIFingerprints = map[string][]string{
	"OpenAI":  {"openai", "chatgpt", "gpt"},
	"Claude":  {"claude", "anthropic"},
	"Gemini":  {"gemini"},
}

// Fingerprinter matches automation display text / client IDs against the
// known AI-platform substring table.
type Fingerprinter struct {
	table map[string][]string
}

// NewFingerprinter builds a Fingerprinter from the built-in table merged
// with tenant-configured overrides. Overrides with the same provider name
// append to, rather than replace, the built-in substring set.
func NewFingerprinter(overrides map[string][]string) *Fingerprinter {
	table := make(map[string][]string, len(defaultAIFingerprints))
	for provider, substrings := range defaultAIFingerprints {
		table[provider] = append([]string(nil), substrings...)
	}
	for provider, substrings := range overrides {
		table[provider] = append(table[provider], substrings...)
	}
	return &Fingerprinter{table: table}
}

// Match returns the AI provider name whose substring set matches any of
// text/clientID (case-insensitive), and true if a match was found.
func (f *Fingerprinter) Match(text, clientID string) (provider string, ok bool) {
	haystack := strings.ToLower(text + " " + clientID)
	for provider, substrings := range f.table {
		for _, s := range substrings {
			if strings.Contains(haystack, strings.ToLower(s)) {
				return provider, true
			}
		}
	}
	return "", false
}

// providerDisplayNames renders a matched provider's short table key as the
// "vendor / product" form surfaced in DiscoveredAutomation metadata.
var providerDisplayNames = map[string]string{
	"OpenAI": "OpenAI / ChatGPT",
	"Claude": "Anthropic / Claude",
	"Gemini": "Google / Gemini",
	"Cohere": "Cohere",
}

// DisplayName renders provider (as returned by Match) in its "vendor /
// product" form, falling back to the bare provider name for anything
// outside the built-in table (tenant-added fingerprints, for instance).
func DisplayName(provider string) string {
	if name, ok := providerDisplayNames[provider]; ok {
		return name
	}
	return provider
}
