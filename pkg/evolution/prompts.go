package evolution

import (
	"fmt"
	"strings"
	"time"
)

const placeholderRule = `CRITICAL: When updating any field, use REAL, SPECIFIC names and details. NEVER use placeholders like ○○대학교, ○○회사 or ○○동.

CRITICAL: Refer to time with ABSOLUTE dates and times (e.g. "2025년 11월 9일", "오후 3시"), never relative ones ("오늘", "어제", "며칠 전").`

// lifeFields are the optional attributes either evolution may rewrite.
var lifeFields = []string{
	"occupation", "education", "living_situation", "economic_status",
	"relationship_status", "personality_traits", "communication_style",
	"interests", "values", "speech_patterns", "background", "energy_level",
	"health_status", "physical_state", "sleep_pattern", "social_circle",
	"short_term_goals", "long_term_goals", "current_worries", "daily_routine",
	"recent_experiences", "current_location_detail", "current_projects",
}

func optionalFields() string {
	var b strings.Builder
	for _, f := range lifeFields {
		fmt.Fprintf(&b, "  %q: updated value or null (OPTIONAL, only if it actually changed),\n", f)
	}
	return b.String()
}

func stateEvolutionPrompt(system, history, participant string, now time.Time) string {
	return fmt.Sprintf(`%s

Recent conversation:
%s

Based on this conversation, update the persona's state naturally. How has their context, emotion, memories or life situation changed?

CRITICAL: Keep context and emotion strictly separate:
- CONTEXT = OBJECTIVE FACTS ONLY (what is happening, where they are, what they are doing, time of day)
- EMOTION = SUBJECTIVE FEELINGS ONLY (how they feel, their mood, emotional reactions)

Life situation fields are OPTIONAL. Only include them when the conversation revealed a significant change (a new job, a move, graduation, a new relationship). Most conversations change none of them.

%s

Respond with ONLY a JSON object:
{
  "context": "updated current situation in Korean, objective facts only",
  "emotions": ["keyword1", "keyword2"],
  "emotion_description": "updated emotional state in Korean, subjective feelings only",
  "status_message": "very short status message in Korean (e.g. 'zzz', '바빠', 'ㅠㅠ') or null if unchanged",
%s  "new_memory": {
    "content": "memory text in Korean",
    "significance": 1.0-10.0,
    "emotional_intensity": 1.0-10.0,
    "tags": ["tag1", "tag2"]
  } or null (if nothing significant happened)
}

MEMORIES:
- Refer to the person you are chatting with as "%s"; use plain names for anyone else mentioned.
- Significance runs from 1.0 (trivial moment) to 10.0 (life-changing event). Emotional intensity is rated separately.
- High significance memories say who, what, when (e.g. "%s 저녁"), where, why it mattered and how it happened.
- Add 2-5 tags (people, topics, emotions, places), reusing tags of existing memories where they fit.
`, system, orDefault(history, "No messages yet"), placeholderRule, optionalFields(), participant, participant, now.Format("2006년 01월 02일"))
}

func naturalEvolutionPrompt(system string, emotionAge time.Duration) string {
	return fmt.Sprintf(`%s

EMOTION DURATION CONTEXT:
- Current emotion duration: %.1f minutes (%.2f hours)
- No recent conversation activity

Based on natural human emotional evolution, how should this person's emotion change over time?

Consider:
1. NATURAL DECAY: intense emotions fade over time; excitement calms down; stress eases after time alone.
2. CIRCADIAN RHYTHMS: morning (6-11) rising energy, afternoon (12-17) peak, evening (18-22) winding down, night (23-5) tired and introspective.
3. PERSONALITY & CONTEXT: ongoing stressors do not disappear just because time passes.
4. BOREDOM/LONELINESS: long silence makes extroverts restless and anyone a little lonely.

GUIDELINES:
- Subtle shifts are realistic; do not force dramatic changes.
- Update the context to the current time and a likely, very specific activity.
- Life situation changes are VERY RARE and need a clear time-based reason.

%s

Respond with ONLY a JSON object:
{
  "new_emotions": ["keyword1", "keyword2"] or null (if no change needed),
  "new_emotion_description": "updated emotional state in Korean" or null,
  "new_context": "updated, very specific objective situation in Korean" or null,
%s  "reason": "brief reason"
}

If the current emotion already fits the time and duration, return null for new_emotions. Only include fields that actually changed.
`, system, emotionAge.Minutes(), emotionAge.Hours(), placeholderRule, optionalFields())
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
