package metering

import "sort"

// Model identifies a metered resource. Most models correspond to an AI text
// model; ModelImages is the reserved identifier under which image generations
// are metered so that window resets and billing flow through the same
// per-model path as text usage.
type Model string

const (
	ModelGPT4o     Model = "gpt-4o"
	ModelGPT4oMini Model = "gpt-4o-mini"
	ModelO3Mini    Model = "o3-mini"
	ModelImages    Model = "images"
)

// String returns the string representation of Model
func (m Model) String() string {
	return string(m)
}

// IsValid returns true if the model is part of the default registry
func (m Model) IsValid() bool {
	_, ok := defaultLimits[m]
	return ok
}

// WindowLimits holds the per-window quota limits for a single model.
// A nil limit means the window is unconfigured (unlimited); a limit of 0
// means the model is fully blocked for that window.
type WindowLimits struct {
	Minute *int64 `json:"minute"`
	Day    *int64 `json:"day"`
}

// WindowUsage holds the per-window usage counters for a single model.
// Counters increase monotonically within a window until the corresponding
// reset job zeroes them.
type WindowUsage struct {
	Minute int64 `json:"minute"`
	Day    int64 `json:"day"`
}

// Limit constructs a window limit value
func Limit(v int64) *int64 {
	return &v
}

// defaultLimits is the system default limit table, keyed by model. New users
// and newly introduced models receive these limits via the structural merge
// performed on load.
var defaultLimits = map[Model]WindowLimits{
	ModelGPT4oMini: {Minute: Limit(20000), Day: Limit(400000)},
	ModelGPT4o:     {Minute: Limit(8000), Day: Limit(120000)},
	ModelO3Mini:    {Minute: Limit(4000), Day: nil},
	ModelImages:    {Minute: Limit(2000), Day: Limit(50000)},
}

// DefaultLimits returns a copy of the system default limit table
func DefaultLimits() map[Model]WindowLimits {
	out := make(map[Model]WindowLimits, len(defaultLimits))
	for m, l := range defaultLimits {
		out[m] = l
	}
	return out
}

// KnownModels returns the registered model identifiers in stable order
func KnownModels() []Model {
	models := make([]Model, 0, len(defaultLimits))
	for m := range defaultLimits {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i] < models[j] })
	return models
}
