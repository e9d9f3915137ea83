package consolidate

import (
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/inflo-ai/relay/internal/types"
)

// DefaultFingerprintDimension matches the embedding width the episodic
// backends are provisioned for.
const DefaultFingerprintDimension = 384

// Fingerprint hashes the salient features of a conversation into a
// fixed-dimension unit vector. The same context always produces the same
// vector, and contexts sharing features land close together under cosine
// similarity, which is what duplicate detection and episode recall need.
// No model inference is involved; this is plain feature hashing.
func Fingerprint(dimension int, conv types.ConversationContext) []float64 {
	if dimension <= 0 {
		dimension = DefaultFingerprintDimension
	}

	vector := make([]float64, dimension)
	for _, feature := range fingerprintFeatures(conv) {
		bucket, sign := hashFeature(feature)
		vector[bucket%uint64(dimension)] += sign
	}

	normalize(vector)
	return vector
}

// fingerprintFeatures flattens a conversation into "field: value" tokens,
// mirroring how episodes are rendered for similarity search.
func fingerprintFeatures(conv types.ConversationContext) []string {
	attrs := conv.Attributes
	var features []string

	add := func(field, value string) {
		if value != "" {
			features = append(features, field+": "+strings.ToLower(value))
		}
	}

	add("scenario", ScenarioTag(conv))
	add("source", attrs.Source)
	add("triage_category", string(attrs.TriageCategory))
	add("industry", attrs.Industry)
	add("preferred_channel", attrs.PreferredChannel)
	add("communication_style", attrs.CommunicationStyle)
	for _, interest := range attrs.Interests {
		add("interest", interest)
	}
	for _, product := range attrs.ProductInterests {
		add("product_interest", product)
	}
	for _, action := range conv.AgentActions() {
		add("action", action)
	}
	if attrs.PredictedValue > 0 {
		add("value_band", valueBand(attrs.PredictedValue))
	}

	return features
}

// hashFeature derives a bucket index and a +/-1 sign from one feature token.
// The sign bit keeps unrelated features from only ever adding mass, which
// would drag every vector toward the same orthant.
func hashFeature(feature string) (uint64, float64) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()

	sign := 1.0
	if sum&1 == 1 {
		sign = -1.0
	}
	return sum >> 1, sign
}

func normalize(vector []float64) {
	var sum float64
	for _, v := range vector {
		sum += v * v
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vector {
		vector[i] /= norm
	}
}

// valueBand coarsens a predicted deal value into an order-of-magnitude
// token so near-identical deals fingerprint identically.
func valueBand(value float64) string {
	return fmt.Sprintf("e%d", int(math.Floor(math.Log10(value))))
}

// ScenarioTag names the scenario a conversation represents. Triage
// classification wins when present; lead source is the fallback.
func ScenarioTag(conv types.ConversationContext) string {
	if conv.Attributes.TriageCategory != "" {
		return normalizeConcept(string(conv.Attributes.TriageCategory))
	}
	if conv.Attributes.Source != "" {
		return normalizeConcept(conv.Attributes.Source)
	}
	return "general_interaction"
}

// normalizeConcept lowercases a free-form label into the snake_case form
// concept nodes are keyed by.
func normalizeConcept(label string) string {
	label = strings.TrimSpace(strings.ToLower(label))
	label = strings.ReplaceAll(label, " ", "_")
	label = strings.ReplaceAll(label, "-", "_")
	return label
}
