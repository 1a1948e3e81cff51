// Package provider defines the enumerated set of runner providers and
// the models each one recognizes, giving the Workflow Adapter's
// resolveProvider/resolveModel real validation data instead of a bare
// string switch.
package provider

import "jeeves/internal/jeeveserr"

// Known providers. "fake" exists purely for test fixtures that spawn a
// no-op runner.
const (
	Claude = "claude"
	Codex  = "codex"
	Fake   = "fake"
)

var known = map[string]bool{
	Claude: true,
	Codex:  true,
	Fake:   true,
}

// models lists the model names each provider accepts. The claude set
// mirrors the model identifiers anthropic-sdk-go exposes as constants;
// the core does not call the SDK itself (the runner subprocess does),
// but validates against the same vocabulary so a typo fails before any
// child is spawned.
var models = map[string]map[string]bool{
	Claude: {
		"sonnet":                    true,
		"opus":                      true,
		"haiku":                     true,
		"claude-sonnet-4-20250514":  true,
		"claude-opus-4-20250514":    true,
		"claude-3-5-haiku-20241022": true,
	},
	Codex: {
		"gpt-5-codex": true,
		"o3":          true,
	},
	Fake: {
		"fake-model": true,
	},
}

// Validate returns InvalidProvider if name is not in the enumerated
// set.
func Validate(name string) error {
	if !known[name] {
		return &jeeveserr.InvalidProvider{Provider: name}
	}
	return nil
}

// ValidateModel returns InvalidModel if model is non-empty and not
// recognized for provider. An empty model is always valid: it means
// "let the runner pick its own default".
func ValidateModel(providerName, model string) error {
	if model == "" {
		return nil
	}
	set, ok := models[providerName]
	if !ok || !set[model] {
		return &jeeveserr.InvalidModel{Provider: providerName, Model: model}
	}
	return nil
}
