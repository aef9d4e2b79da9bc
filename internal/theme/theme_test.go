package theme

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want []string
	}{
		{"empty", nil, []string{}},
		{"canonical passthrough", []string{"work"}, []string{Work}},
		{"synonyms and case", []string{"  Boss ", "LONELY"}, []string{Loneliness, Work}},
		{"dedupe", []string{"job", "boss", "work"}, []string{Work}},
		{"unknown dropped", []string{"pizza", "exam"}, []string{School}},
		{"self worth spellings", []string{"self_worth"}, []string{SelfWorth}},
		{"bounded", []string{"work", "rent", "exam", "mom", "sick"}, []string{Family, Health, Money}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Map(tt.tags))
		})
	}
}

func TestMapOutputIsCanonical(t *testing.T) {
	for _, th := range Map([]string{"panic", "divorce", "college", "debt"}) {
		assert.True(t, Valid(th), th)
	}
}

func TestOverlaps(t *testing.T) {
	assert.True(t, Overlaps([]string{Work, Money}, []string{Money}))
	assert.False(t, Overlaps([]string{Work}, []string{Grief}))
	assert.False(t, Overlaps(nil, []string{Grief}))
}
