// Package policy implements the tenant policy engine.
// It evaluates pre-phase policies against inbound user messages and
// post-phase policies against generated answers.
//
// Supported policy types:
//   - topic_filter (pre): keyword and regex topic blocklist
//   - pii_filter (pre): regex PII detection with block or redact action
//   - tone (post): blocked phrases plus an uncertainty lexicon
//   - length (post): character length bounds
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// ── Engine ──────────────────────────────────────────────────

// Engine evaluates tenant policies. Stateless and safe for concurrent use.
type Engine struct{}

// NewEngine creates a policy engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Validate runs every enabled policy of the given mode over text, highest
// priority first (ties keep storage order). At most one violation is
// reported per policy; the text passes only when every policy passes.
func (e *Engine) Validate(text string, policies []models.Policy, mode models.PolicyMode) models.Evaluation {
	eval := models.Evaluation{Passed: true}

	for _, p := range orderByPriority(policies) {
		if !p.Enabled || p.Mode != mode {
			continue
		}
		if v := evaluateOne(p, text); v != nil {
			eval.Passed = false
			eval.Violations = append(eval.Violations, *v)
		}
	}
	return eval
}

// RedactPII replaces every match of the detect classes of redact-mode
// pii_filter policies with the redaction placeholder. Idempotent: the
// placeholder itself matches no PII pattern.
func (e *Engine) RedactPII(text string, policies []models.Policy) string {
	for _, p := range policies {
		if !p.Enabled || p.Type != models.PolicyPIIFilter {
			continue
		}
		cfg, err := ParsePIIConfig(p.Config)
		if err != nil || cfg.Action != models.PIIActionRedact {
			continue
		}
		for _, kind := range cfg.Detect {
			re, ok := piiPatterns[kind]
			if !ok {
				continue
			}
			text = re.ReplaceAllString(text, models.RedactedPlaceholder)
		}
	}
	return text
}

// orderByPriority sorts a copy of policies by priority descending, keeping
// storage order for equal priorities.
func orderByPriority(policies []models.Policy) []models.Policy {
	ordered := make([]models.Policy, len(policies))
	copy(ordered, policies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})
	return ordered
}

// evaluateOne dispatches a single policy evaluation. Unknown types pass.
func evaluateOne(p models.Policy, text string) *models.Violation {
	switch p.Type {
	case models.PolicyTopicFilter:
		return evalTopicFilter(p, text)
	case models.PolicyPIIFilter:
		return evalPIIFilter(p, text)
	case models.PolicyTone:
		return evalTone(p, text)
	case models.PolicyLength:
		return evalLength(p, text)
	default:
		return nil
	}
}

func violation(p models.Policy, detail string) *models.Violation {
	return &models.Violation{
		PolicyID:   p.ID,
		PolicyName: p.Name,
		Type:       p.Type,
		Detail:     detail,
	}
}

// ── Topic Filter ────────────────────────────────────────────
// Config: { "blockedTopics": [...], "blockedPatterns": [...] }

func evalTopicFilter(p models.Policy, text string) *models.Violation {
	cfg, err := ParseTopicConfig(p.Config)
	if err != nil {
		return nil
	}

	lower := strings.ToLower(text)
	for _, topic := range cfg.BlockedTopics {
		if topic == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(topic)) {
			return violation(p, "blocked topic: "+topic)
		}
	}

	for _, pattern := range cfg.BlockedPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			// Invalid patterns are skipped rather than failing the policy.
			continue
		}
		if re.MatchString(text) {
			return violation(p, "blocked pattern matched: "+pattern)
		}
	}
	return nil
}

// ── PII Filter ──────────────────────────────────────────────
// Config: { "detect": ["email","phone",...], "action": "block"|"redact" }
//
// Redact-mode policies never produce violations; the orchestrator applies
// RedactPII after the pre-gate passes.

var piiPatterns = map[models.PIIKind]*regexp.Regexp{
	models.PIIEmail:      regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	models.PIIPhone:      regexp.MustCompile(`\+?\(?\d{1,4}[-.\s()]{1,2}\d{2,4}[-.\s()]{1,2}\d{2,4}([-.\s]?\d{2,4})?`),
	models.PIISSN:        regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`),
	models.PIICreditCard: regexp.MustCompile(`\b\d{4}[-\s]\d{4}[-\s]\d{4}[-\s]\d{4}\b`),
	models.PIIIPAddress:  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
}

func evalPIIFilter(p models.Policy, text string) *models.Violation {
	cfg, err := ParsePIIConfig(p.Config)
	if err != nil {
		return nil
	}
	if cfg.Action != models.PIIActionBlock {
		return nil
	}

	for _, kind := range cfg.Detect {
		re, ok := piiPatterns[kind]
		if !ok {
			continue
		}
		if re.MatchString(text) {
			return violation(p, "detected "+string(kind))
		}
	}
	return nil
}

// ── Tone (post) ─────────────────────────────────────────────
// Config: { "blockedPhrases": [...], "blockUncertain": bool }

// uncertaintyLexicon is the fixed set matched when blockUncertain is set.
var uncertaintyLexicon = []string{
	"i'm not sure",
	"i don't know",
	"i am not certain",
	"i cannot determine",
	"it might be",
	"possibly",
	"i think maybe",
}

func evalTone(p models.Policy, text string) *models.Violation {
	cfg, err := ParseToneConfig(p.Config)
	if err != nil {
		return nil
	}

	lower := strings.ToLower(text)
	for _, phrase := range cfg.BlockedPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return violation(p, "blocked phrase: "+phrase)
		}
	}

	if cfg.BlockUncertain {
		for _, phrase := range uncertaintyLexicon {
			if strings.Contains(lower, phrase) {
				return violation(p, "uncertain answer: "+phrase)
			}
		}
	}
	return nil
}

// ── Length (post) ───────────────────────────────────────────
// Config: { "minLength": int, "maxLength": int }

func evalLength(p models.Policy, text string) *models.Violation {
	cfg, err := ParseLengthConfig(p.Config)
	if err != nil {
		return nil
	}

	n := utf8.RuneCountInString(text)
	if cfg.MinLength > 0 && n < cfg.MinLength {
		return violation(p, fmt.Sprintf("answer too short: %d < %d characters", n, cfg.MinLength))
	}
	if cfg.MaxLength > 0 && n > cfg.MaxLength {
		return violation(p, fmt.Sprintf("answer too long: %d > %d characters", n, cfg.MaxLength))
	}
	return nil
}
