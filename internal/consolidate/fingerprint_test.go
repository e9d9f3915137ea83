package consolidate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/inflo-ai/relay/internal/types"
)

func TestFingerprint_Deterministic(t *testing.T) {
	conv := qualifiedConversation("lead-1", "conv-1", 3, 0.9)

	first := Fingerprint(testFingerprintDim, conv)
	second := Fingerprint(testFingerprintDim, conv)

	assert.Equal(t, first, second)
	assert.Len(t, first, testFingerprintDim)
}

func TestFingerprint_DefaultDimension(t *testing.T) {
	conv := qualifiedConversation("lead-1", "conv-1", 3, 0.9)
	assert.Len(t, Fingerprint(0, conv), DefaultFingerprintDimension)
}

func TestFingerprint_UnitNorm(t *testing.T) {
	conv := qualifiedConversation("lead-1", "conv-1", 3, 0.9)
	vector := Fingerprint(testFingerprintDim, conv)

	var sum float64
	for _, v := range vector {
		sum += v * v
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-9)
}

func TestFingerprint_SimilarContextsLandClose(t *testing.T) {
	base := qualifiedConversation("lead-1", "conv-1", 3, 0.9)

	similar := base
	similar.Attributes.Interests = []string{"analytics"}

	different := types.ConversationContext{
		LeadID:         "lead-2",
		ConversationID: "conv-2",
		Attributes: types.LeadAttributes{
			Source:         "cold_call",
			TriageCategory: types.TriageColdLead,
			Industry:       "retail",
		},
	}

	baseVec := Fingerprint(testFingerprintDim, base)
	similarVec := Fingerprint(testFingerprintDim, similar)
	differentVec := Fingerprint(testFingerprintDim, different)

	closeScore := cosine(baseVec, similarVec)
	farScore := cosine(baseVec, differentVec)

	assert.Greater(t, closeScore, farScore)
	assert.Greater(t, closeScore, 0.8)
}

func TestScenarioTag(t *testing.T) {
	tests := []struct {
		name string
		conv types.ConversationContext
		want string
	}{
		{
			name: "triage category wins",
			conv: types.ConversationContext{
				Attributes: types.LeadAttributes{
					Source:         "website",
					TriageCategory: types.TriageCampaignQualified,
				},
			},
			want: "campaign_qualified",
		},
		{
			name: "source fallback",
			conv: types.ConversationContext{
				Attributes: types.LeadAttributes{Source: "Trade Show"},
			},
			want: "trade_show",
		},
		{
			name: "bare conversation",
			conv: types.ConversationContext{},
			want: "general_interaction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScenarioTag(tt.conv))
		})
	}
}

func cosine(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
