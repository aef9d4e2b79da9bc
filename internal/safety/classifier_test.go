package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyLeaks(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		want     []Category
		leaked   []string
		unharmed string // substring that must survive redaction
	}{
		{
			name:     "phone",
			text:     "you can reach out at 555-123-4567 anytime",
			want:     []Category{CategoryPhone},
			leaked:   []string{"555-123-4567"},
			unharmed: "anytime",
		},
		{
			name:   "international phone",
			text:   "+44 20 7946 0958",
			want:   []Category{CategoryPhone},
			leaked: []string{"+44 20 7946 0958", "7946"},
		},
		{
			name:     "email",
			text:     "write to sam.doe+x@example.com please",
			want:     []Category{CategoryEmail},
			leaked:   []string{"sam.doe+x@example.com", "example.com"},
			unharmed: "please",
		},
		{
			name:   "url",
			text:   "see https://my-blog.example.org/posts/1 and www.foo.net",
			want:   []Category{CategoryURL},
			leaked: []string{"https://my-blog.example.org/posts/1", "www.foo.net"},
		},
		{
			name:   "bare domain",
			text:   "it's on mysite.io/about",
			want:   []Category{CategoryURL},
			leaked: []string{"mysite.io/about"},
		},
		{
			name:     "handle",
			text:     "follow @quiet_river.22 for more",
			want:     []Category{CategoryHandle},
			leaked:   []string{"@quiet_river.22"},
			unharmed: "follow ",
		},
		{
			name:   "contact phrase",
			text:   "honestly just DM me later",
			want:   []Category{CategoryContactPhrase},
			leaked: []string{"DM me"},
		},
		{
			name: "every category",
			text: "DM me @nightowl or mail a@b.co or call 0612345678 or visit http://x.dev",
			want: []Category{
				CategoryEmail, CategoryURL, CategoryPhone, CategoryHandle, CategoryContactPhrase,
			},
			leaked: []string{"DM me", "@nightowl", "a@b.co", "0612345678", "http://x.dev"},
		},
	}

	c := NewClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(tt.text)
			assert.True(t, res.IdentityLeak)
			assert.Equal(t, tt.want, res.Categories)
			assert.Equal(t, RiskNormal, res.RiskLevel, "leaks alone never raise risk")
			assert.Contains(t, res.Sanitized, Placeholder)
			for _, s := range tt.leaked {
				assert.NotContains(t, res.Sanitized, s)
			}
			if tt.unharmed != "" {
				assert.Contains(t, res.Sanitized, tt.unharmed)
			}
		})
	}
}

func TestClassifySanitizedHasNoMatches(t *testing.T) {
	c := NewClassifier()
	texts := []string{
		"text me 555 867 5309 or @jenny_x",
		"find me on insta, i'm @sunflower, or email me sun@flower.me",
		"my number is (020) 7946-0958",
	}
	for _, text := range texts {
		res := c.Classify(text)
		require.True(t, res.IdentityLeak, text)
		for _, r := range leakRules {
			for _, m := range r.re.FindAllString(text, -1) {
				assert.NotContains(t, res.Sanitized, m, "%s leaked %q", r.category, m)
			}
		}
	}
}

func TestClassifySelfHarm(t *testing.T) {
	c := NewClassifier()
	for _, text := range []string{
		"some days I want to die",
		"I keep thinking about killing myself",
		"I have been self-harming again",
		"Suicidal thoughts won't stop",
		"i dont want to wake up tomorrow",
	} {
		res := c.Classify(text)
		assert.Equal(t, RiskCrisis, res.RiskLevel, text)
		assert.True(t, res.SelfHarm, text)
		assert.NotContains(t, res.Categories, CategorySelfHarm)
	}
}

func TestClassifyClean(t *testing.T) {
	res := NewClassifier().Classify("Work was heavy today but the walk home helped.")
	assert.False(t, res.IdentityLeak)
	assert.Empty(t, res.Categories)
	assert.Equal(t, RiskNormal, res.RiskLevel)
	assert.Equal(t, "Work was heavy today but the walk home helped.", res.Sanitized)
	assert.Zero(t, res.ReidRisk)
}

func TestReidRiskSaturates(t *testing.T) {
	assert.InDelta(t, 0.2, ReidRisk(1), 1e-9)
	assert.InDelta(t, 0.6, ReidRisk(3), 1e-9)
	assert.InDelta(t, 1.0, ReidRisk(5), 1e-9)
	assert.InDelta(t, 1.0, ReidRisk(9), 1e-9)
}

func TestPlaceholderNeverMatches(t *testing.T) {
	for _, r := range append(leakRules, rule{category: CategorySelfHarm, re: selfHarmRule}) {
		assert.False(t, r.re.MatchString(Placeholder), r.category)
	}
}

func TestOverlapResolvedByOrder(t *testing.T) {
	// The domain inside an address belongs to the email span only.
	res := NewClassifier().Classify("write to sam@example.com")
	assert.Equal(t, []Category{CategoryEmail}, res.Categories)
	assert.Equal(t, "write to "+Placeholder, res.Sanitized)
}
