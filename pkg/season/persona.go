package season

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/providers"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

// Draft is a generated persona that has not been stored yet.
type Draft struct {
	FirstName     string
	LastName      string
	StatusMessage string
	Attributes    store.Attributes
	Memories      []store.Memory
	// Fallback is set when the provider could not produce a persona.
	Fallback bool
}

var (
	promptAges          = []string{"20대 초반", "20대 중반", "20대 후반"}
	promptGenders       = []string{"남자", "여자"}
	promptOccupations   = []string{"대학생", "직장인", "프리랜서", "취업준비생"}
	promptPersonalities = []string{"활발한", "조용한", "유머러스한", "진지한", "낭만적인"}
)

// RandomPrompt describes a persona to generate, e.g. "20대 중반 직장인 여자,
// 조용한 성격". intn returns a value in [0, n).
func RandomPrompt(intn func(n int) int) string {
	pick := func(options []string) string { return options[intn(len(options))] }
	return fmt.Sprintf("%s %s %s, %s 성격", pick(promptAges), pick(promptOccupations), pick(promptGenders), pick(promptPersonalities))
}

// listFields are attributes that must be stored as lists.
var listFields = map[string]bool{
	"personality_traits": true, "communication_style": true, "interests": true,
	"music_genres": true, "values": true, "speech_patterns": true,
	"social_circle": true, "short_term_goals": true, "long_term_goals": true,
	"current_worries": true, "favorite_sounds": true, "favorite_scents": true,
	"media_currently_into": true, "skills": true, "insecurities": true,
	"habits": true, "emotions": true, "recent_experiences": true,
	"current_projects": true, "support_system": true,
}

// leadingKeys keep the identity fields at the top of the attribute sheet.
var leadingKeys = []string{
	store.AttrBirthdayYear, store.AttrBirthdayMonth, store.AttrBirthdayDay,
	"sex", "occupation", "education", "living_situation", "hometown",
	store.AttrEmotions, store.AttrEmotionDescription, store.AttrContext,
}

func personaPrompt(description string, now time.Time) string {
	return fmt.Sprintf(`You are a persona generator. Create a realistic Korean person based on this description: "%s"

Current Date & Time: %s

CRITICAL: Always use REAL, SPECIFIC names and details. NEVER use placeholders like ○○대학교, ○○회사 or ○○동.

CRITICAL: Refer to time with ABSOLUTE dates and times (e.g. "2025년 11월 3일", "오후 3시", "2023년 여름").

Respond ONLY with a JSON object:
{
  "first_name": "given name in Hangul",
  "last_name": "family name in Hangul",
  "status_message": "short status message in Korean",
  "birthday_year": integer,
  "birthday_month": integer 1-12,
  "birthday_day": integer 1-31,
  "sex": "male" or "female",
  "occupation": "very specific occupation or student status in Korean",
  "education": "very specific education in Korean",
  "living_situation": "very specific living arrangement in Korean",
  "hometown": "hometown in Korean",
  "personality_traits": ["trait1", "trait2"],
  "communication_style": ["style1", "style2"],
  "relationship_status": "relationship status in Korean",
  "interests": ["interest1", "interest2"],
  "values": ["value1", "value2"],
  "speech_patterns": ["pattern1", "pattern2"],
  "daily_routine": "typical day in Korean",
  "attachment_style": "attachment style in Korean",
  "current_worries": ["worry1", "worry2"],
  "emotions": ["keyword1", "keyword2"],
  "emotion_description": "current emotional state in Korean",
  "context": "current objective situation in Korean with the exact time and place",
  "memories": [
    {
      "content": "memory in Korean (who, what, when, where, why, how for significant ones)",
      "significance": 1.0-10.0,
      "emotional_intensity": 1.0-10.0,
      "tags": ["tag1", "tag2"]
    }
  ]
}

Create 5-10 memories of varying significance. Use only Korean for all text fields except "sex".
`, description, now.Format("2006년 01월 02일 Monday 15:04"))
}

// Generate asks the provider for a persona matching description. It never
// fails: a provider error or an unusable answer yields a fallback draft.
func Generate(ctx context.Context, p providers.Provider, description string, now time.Time) Draft {
	data, err := providers.GenerateJSON(ctx, p, personaPrompt(description, now), providers.TemperatureCreative)
	if err != nil {
		logger.WarnCF("season", "Persona generation failed, using fallback", map[string]interface{}{
			"error": err.Error(),
		})
		return fallbackDraft(now)
	}
	draft, ok := draftFromJSON(data, now)
	if !ok {
		logger.WarnCF("season", "Persona generation returned no name, using fallback", map[string]interface{}{
			"fields": len(data),
		})
		return fallbackDraft(now)
	}
	return draft
}

func draftFromJSON(data map[string]interface{}, now time.Time) (Draft, bool) {
	d := Draft{
		FirstName:     providers.String(data, "first_name"),
		LastName:      providers.String(data, "last_name"),
		StatusMessage: providers.String(data, "status_message"),
	}
	if d.FirstName == "" {
		return Draft{}, false
	}

	if raw, ok := data["memories"].([]interface{}); ok {
		for _, item := range raw {
			obj, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if m, ok := seedMemory(obj, now); ok {
				d.Memories = append(d.Memories, m)
			}
		}
	}
	for _, k := range []string{"first_name", "last_name", "status_message", "memories"} {
		delete(data, k)
	}

	attrs := store.NewAttributes()
	for _, key := range orderedKeys(data) {
		v := data[key]
		if v == nil {
			continue
		}
		if listFields[key] {
			v = asList(v)
		}
		attrs.Set(key, v)
	}
	attrs.SetEmotionTimestamp(now)
	d.Attributes = attrs
	return d, true
}

func orderedKeys(data map[string]interface{}) []string {
	keys := make([]string, 0, len(data))
	seen := map[string]bool{}
	for _, k := range leadingKeys {
		if _, ok := data[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	rest := make([]string, 0, len(data))
	for k := range data {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func asList(v interface{}) interface{} {
	switch val := v.(type) {
	case []interface{}:
		return val
	case string:
		if strings.TrimSpace(val) == "" {
			return []interface{}{}
		}
		return []interface{}{val}
	default:
		return []interface{}{fmt.Sprint(val)}
	}
}

func seedMemory(obj map[string]interface{}, now time.Time) (store.Memory, bool) {
	content := providers.String(obj, "content")
	if content == "" {
		return store.Memory{}, false
	}
	m := store.Memory{
		Content:            content,
		Significance:       5,
		EmotionalIntensity: 5,
		DetailLevel:        1,
		MemoryAtMS:         now.UnixMilli(),
	}
	if v, ok := providers.Number(obj, "significance"); ok && v >= 1 && v <= 10 {
		m.Significance = v
	}
	if v, ok := providers.Number(obj, "emotional_intensity"); ok && v >= 1 && v <= 10 {
		m.EmotionalIntensity = v
	}
	if tags, ok := providers.Strings(obj, "tags"); ok {
		m.Tags = tags
	}
	return m, true
}

func fallbackDraft(now time.Time) Draft {
	attrs := store.NewAttributes()
	attrs.Set(store.AttrBirthdayYear, float64(now.Year()-24))
	attrs.Set(store.AttrBirthdayMonth, float64(5))
	attrs.Set(store.AttrBirthdayDay, float64(20))
	attrs.Set("occupation", "연세대학교 경영학과 4학년")
	attrs.Set("living_situation", "신촌 원룸에서 혼자 자취")
	attrs.Set("personality_traits", []interface{}{"차분함", "다정함"})
	attrs.Set(store.AttrEmotions, []interface{}{"평온함"})
	attrs.Set(store.AttrEmotionDescription, "특별한 일 없이 무난한 하루")
	attrs.Set(store.AttrContext, now.Format("2006년 01월 02일 15시")+", 집에서 쉬는 중")
	attrs.SetEmotionTimestamp(now)
	return Draft{
		FirstName:     "서연",
		LastName:      "이",
		StatusMessage: "...",
		Attributes:    attrs,
		Fallback:      true,
	}
}
