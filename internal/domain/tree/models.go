package tree

// Model describes a selectable chat model.
type Model struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Provider     string  `json:"provider"`
	MaxTokens    int     `json:"maxTokens"`
	CostPerToken float64 `json:"costPerToken"`
}

// models is the static registry of selectable chat models.
var models = []Model{
	{
		ID:           "google/gemini-2.5-pro",
		Name:         "Google Gemini 2.5 Pro",
		Provider:     "Google",
		MaxTokens:    128000,
		CostPerToken: 0.00000625,
	},
	{
		ID:           "google/gemini-2.5-flash",
		Name:         "Google Gemini 2.5 Flash",
		Provider:     "Google",
		MaxTokens:    128000,
		CostPerToken: 0.00000125,
	},
	{
		ID:           "google/gemini-3-pro-preview",
		Name:         "Google Gemini 3 Pro Preview",
		Provider:     "Google",
		MaxTokens:    128000,
		CostPerToken: 0.000005,
	},
	{
		ID:           "deepseek/deepseek-v3.2",
		Name:         "DeepSeek V3.2",
		Provider:     "DeepSeek",
		MaxTokens:    128000,
		CostPerToken: 0.00000014,
	},
	{
		ID:           "anthropic/claude-sonnet-4.5",
		Name:         "Claude Sonnet 4.5",
		Provider:     "Anthropic",
		MaxTokens:    200000,
		CostPerToken: 0.000003,
	},
}

// Models returns the model registry.
func Models() []Model {
	out := make([]Model, len(models))
	copy(out, models)
	return out
}

// ModelByID returns the registry entry for the given model ID.
func ModelByID(id string) (Model, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// ModelDisplayName returns the human-readable name for a model ID.
// Unknown IDs fall back to the raw ID so new upstream models still render.
func ModelDisplayName(id string) string {
	if m, ok := ModelByID(id); ok {
		return m.Name
	}
	return id
}
