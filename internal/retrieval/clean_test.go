package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanQuery(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{"plain", "what is the refund policy", "what is the refund policy"},
		{"whitespace collapsed", "  what \n\n is\tthe   policy ", "what is the policy"},
		{"heading flattened", "# Refunds\nHow do refunds work?", "Refunds How do refunds work?"},
		{"emphasis stripped", "what is *really* important about __refunds__?", "what is really important about refunds?"},
		{"link text kept", "see [the policy](https://example.com/policy) for details", "see the policy for details"},
		{"image alt kept", "![diagram](https://example.com/d.png) explain this", "diagram explain this"},
		{"hashtags removed", "refund policy #support #billing", "refund policy"},
		{"emoji removed", "can I get a refund? 🙏😀", "can I get a refund?"},
		{"inline code stripped", "what does `refund()` do", "what does refund() do"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CleanQuery(tc.prompt))
		})
	}
}
