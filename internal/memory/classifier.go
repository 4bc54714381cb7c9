package memory

import (
	"fmt"
	"regexp"
	"strings"
)

// Fact is one extracted key/value fact about the user.
type Fact struct {
	Key   string
	Value string
}

// Milestone is a detected narrative milestone in character text, before it
// is anchored to a message index.
type Milestone struct {
	Description string
	Importance  int // 1-10
	LevelDelta  int
}

// Classifier extracts structure from raw chat text. It is a strategy
// interface so the regex heuristics below can be swapped for a model-backed
// extractor without touching the store's orchestration.
type Classifier interface {
	// ExtractFacts inspects user text for durable facts (name, preferences).
	// existing is the current fact map, used to pick non-colliding keys.
	ExtractFacts(text string, existing map[string]string) []Fact

	// DetectMilestones inspects character text for relationship milestones.
	// level gates which milestones can still fire.
	DetectMilestones(text string, level int) []Milestone

	// Tone picks a coarse emotional label for a window of turns.
	Tone(window []Turn) string
}

// RegexClassifier is the built-in heuristic classifier.
type RegexClassifier struct{}

// NewRegexClassifier returns the default pattern-matching classifier.
func NewRegexClassifier() *RegexClassifier { return &RegexClassifier{} }

var (
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bmy name is ([\p{L}][\p{L}'-]*)`),
		regexp.MustCompile(`(?i)\bcall me ([\p{L}][\p{L}'-]*)`),
	}
	likePattern    = regexp.MustCompile(`(?i)\bi (?:like|love) ([^.,!?\n]+)`)
	dislikePattern = regexp.MustCompile(`(?i)\bi (?:hate|dislike) ([^.,!?\n]+)`)
)

// ExtractFacts captures a name fact from self-introductions and arbitrarily
// many preference facts. Preference keys get an incrementing suffix so a
// later "I like X" never overwrites an earlier one.
func (c *RegexClassifier) ExtractFacts(text string, existing map[string]string) []Fact {
	var facts []Fact
	claimed := make(map[string]struct{}, len(existing))
	for k := range existing {
		claimed[k] = struct{}{}
	}

	for _, re := range namePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			facts = append(facts, Fact{Key: "name", Value: strings.TrimSpace(m[1])})
			break
		}
	}

	for _, m := range likePattern.FindAllStringSubmatch(text, -1) {
		v := strings.TrimSpace(m[1])
		// "I love you" is a feeling toward the character, not a preference.
		if v == "" || strings.EqualFold(v, "you") {
			continue
		}
		key := nextFactKey("likes", claimed)
		claimed[key] = struct{}{}
		facts = append(facts, Fact{Key: key, Value: v})
	}
	for _, m := range dislikePattern.FindAllStringSubmatch(text, -1) {
		v := strings.TrimSpace(m[1])
		if v == "" {
			continue
		}
		key := nextFactKey("dislikes", claimed)
		claimed[key] = struct{}{}
		facts = append(facts, Fact{Key: key, Value: v})
	}
	return facts
}

// nextFactKey returns base when free, otherwise base_2, base_3, … skipping
// keys already present.
func nextFactKey(base string, claimed map[string]struct{}) string {
	if _, taken := claimed[base]; !taken {
		return base
	}
	for i := 2; ; i++ {
		key := fmt.Sprintf("%s_%d", base, i)
		if _, taken := claimed[key]; !taken {
			return key
		}
	}
}

// milestoneRule gates a milestone on the current relationship level: once
// the score passes maxLevel the moment has narratively already happened.
type milestoneRule struct {
	phrases     []string
	maxLevel    int
	description string
	importance  int
	levelDelta  int
}

var milestoneRules = []milestoneRule{
	{
		phrases:     []string{"i love you", "in love with you", "my love for you"},
		maxLevel:    50,
		description: "First declaration of love",
		importance:  9,
		levelDelta:  15,
	},
	{
		phrases:     []string{"kisses you", "kiss you softly", "our first kiss", "presses her lips", "presses his lips"},
		maxLevel:    30,
		description: "First kiss",
		importance:  8,
		levelDelta:  10,
	},
	{
		phrases:     []string{"spend the night", "stay the night together", "pulls you close under"},
		maxLevel:    60,
		description: "First night together",
		importance:  10,
		levelDelta:  20,
	},
}

// DetectMilestones matches character text against the milestone table.
func (c *RegexClassifier) DetectMilestones(text string, level int) []Milestone {
	lower := strings.ToLower(text)
	var out []Milestone
	for _, rule := range milestoneRules {
		if level >= rule.maxLevel {
			continue
		}
		for _, phrase := range rule.phrases {
			if strings.Contains(lower, phrase) {
				out = append(out, Milestone{
					Description: rule.description,
					Importance:  rule.importance,
					LevelDelta:  rule.levelDelta,
				})
				break
			}
		}
	}
	return out
}

// toneRule order is the match priority: first hit wins.
var toneRules = []struct {
	label    string
	keywords []string
}{
	{"joyful", []string{"happy", "laugh", "joy", "wonderful", "amazing", "haha"}},
	{"sad", []string{"sad", "cry", "tears", "miss you", "lonely", "sorry"}},
	{"romantic", []string{"love", "heart", "kiss", "darling", "sweetheart"}},
	{"intimate", []string{"intimate", "desire", "passion", "close to you"}},
}

// Tone scans the window newest-to-oldest text for tone keywords in priority
// order, defaulting to "conversational".
func (c *RegexClassifier) Tone(window []Turn) string {
	var b strings.Builder
	for _, t := range window {
		b.WriteString(strings.ToLower(t.Content))
		b.WriteByte('\n')
	}
	text := b.String()
	for _, rule := range toneRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.label
			}
		}
	}
	return "conversational"
}

// relationshipStage maps the 0-100 score onto five narrative bands.
func relationshipStage(level int) string {
	switch {
	case level < 20:
		return "just getting acquainted"
	case level < 40:
		return "building a friendship"
	case level < 60:
		return "close companions"
	case level < 80:
		return "romantically involved"
	default:
		return "deeply bonded"
	}
}
