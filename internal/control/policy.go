// Package control implements the verification stage between the thinking
// layer's draft plan and tool execution: safety checks, a deterministic
// intent policy engine, optional model-backed verification, and tool-name
// normalization with fail-closed availability checks.
package control

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// ActionType is the action a matched policy resolves to.
type ActionType string

const (
	ActionForceCreateSkill        ActionType = "force_create_skill"
	ActionForceRunSkill           ActionType = "force_run_skill"
	ActionRunSkill                ActionType = "run_skill"
	ActionListSkills              ActionType = "list_skills"
	ActionWebSearch               ActionType = "web_search"
	ActionPolicyCheck             ActionType = "policy_check"
	ActionDenyAutonomy            ActionType = "deny_autonomy"
	ActionRequestUserConfirmation ActionType = "request_user_confirmation"
	ActionFallbackChat            ActionType = "fallback_chat"
	ActionRetryOnce               ActionType = "retry_once"
	ActionMarkSkillUnstable       ActionType = "mark_skill_unstable"
)

// SafetyLevel gates how autonomously a matched policy may act.
type SafetyLevel string

const (
	SafetyLow      SafetyLevel = "low"
	SafetyMedium   SafetyLevel = "medium"
	SafetyHigh     SafetyLevel = "high"
	SafetyCritical SafetyLevel = "critical"
)

// SkillScope describes the lifetime/visibility of a skill a policy targets.
type SkillScope string

const (
	ScopeStateless  SkillScope = "stateless"
	ScopeSession    SkillScope = "session"
	ScopePersistent SkillScope = "persistent"
	ScopeSystem     SkillScope = "system"
)

var priorityOrder = map[string]int{"critical": 0, "high": 1, "normal": 2, "low": 3}

// IntentPolicy is one row of the intent-routing table: a regex trigger plus
// the deterministic action taken when it matches and the skill is (or
// isn't) already available.
type IntentPolicy struct {
	PatternID          string
	TriggerRegex       string
	TriggerCategory    string
	Priority           string // critical | high | normal | low
	IntentConfidence   float64
	SafetyLevel        SafetyLevel
	SkillScope         SkillScope
	CheckSkillExists   bool
	ActionIfPresent    ActionType
	ActionIfMissing    ActionType
	FallbackAction     ActionType
	RequiresConfirm    bool
	AllowsChaining     bool

	compiled *regexp.Regexp
}

// Decision is the result of routing user text through the policy table.
type Decision struct {
	Matched            bool
	Action             ActionType
	SkillName          string
	RequiresConfirm    bool
	AllowsChaining     bool
	SafetyLevel        SafetyLevel
	SkillScope         SkillScope
	Confidence         float64
	PatternID          string
	Reason             string
}

// Engine routes user text deterministically against a priority-sorted
// table of intent policies. It never calls a model — it is the
// cheap, always-available layer beneath optional LLM verification.
type Engine struct {
	policies []IntentPolicy
}

// NewEngine compiles policies and sorts them critical > high > normal > low,
// stable within a priority tier so earlier-declared patterns win ties,
// matching the CSV-ordered table this is adapted from.
func NewEngine(policies []IntentPolicy) (*Engine, error) {
	compiled := make([]IntentPolicy, 0, len(policies))
	for _, p := range policies {
		re, err := regexp.Compile("(?i)" + p.TriggerRegex)
		if err != nil {
			return nil, err
		}
		p.compiled = re
		compiled = append(compiled, p)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return priorityRank(compiled[i].Priority) < priorityRank(compiled[j].Priority)
	})
	return &Engine{policies: compiled}, nil
}

func priorityRank(p string) int {
	if r, ok := priorityOrder[p]; ok {
		return r
	}
	return priorityOrder["normal"]
}

// matchIntent scans policies in priority order and returns the first whose
// regex matches userText with sufficient confidence (match coverage within
// 80% tolerance of the policy's declared minimum confidence).
func (e *Engine) matchIntent(userText string) (*IntentPolicy, float64) {
	lower := strings.ToLower(strings.TrimSpace(userText))
	for i := range e.policies {
		p := &e.policies[i]
		loc := p.compiled.FindStringIndex(lower)
		if loc == nil {
			continue
		}
		matchLen := float64(loc[1] - loc[0])
		inputLen := float64(len(lower))
		denom := inputLen * 0.3
		if denom < 1 {
			denom = 1
		}
		confidence := matchLen / denom
		if confidence > 1.0 {
			confidence = 1.0
		}
		if confidence >= p.IntentConfidence*0.8 {
			return p, confidence
		}
	}
	return nil, 0
}

// Decide routes userText through the policy table and, for a match, checks
// safety gates (critical safety level and system-scope skills never
// auto-create) before resolving the present/missing action and deriving a
// deterministic skill name.
func (e *Engine) Decide(userText string, availableSkills []string) Decision {
	policy, confidence := e.matchIntent(userText)
	if policy == nil {
		return Decision{Matched: false, Action: ActionFallbackChat, Reason: "no policy pattern matched"}
	}

	skillName := DeriveSkillName(userText, policy.TriggerCategory)

	if policy.SafetyLevel == SafetyCritical && policy.ActionIfMissing == ActionForceCreateSkill {
		return Decision{
			Matched:         true,
			Action:          ActionDenyAutonomy,
			SkillName:       skillName,
			RequiresConfirm: true,
			SafetyLevel:     policy.SafetyLevel,
			SkillScope:      policy.SkillScope,
			Confidence:      confidence,
			PatternID:       policy.PatternID,
			Reason:          "critical safety level forbids autonomous skill creation",
		}
	}
	if policy.SkillScope == ScopeSystem && policy.ActionIfMissing == ActionForceCreateSkill {
		return Decision{
			Matched:     true,
			Action:      ActionDenyAutonomy,
			SkillName:   skillName,
			SafetyLevel: policy.SafetyLevel,
			SkillScope:  policy.SkillScope,
			Confidence:  confidence,
			PatternID:   policy.PatternID,
			Reason:      "system-scope skills cannot be auto-created",
		}
	}

	skillExists := false
	lowerSkill := strings.ToLower(skillName)
	for _, s := range availableSkills {
		ls := strings.ToLower(s)
		if ls == lowerSkill || strings.Contains(ls, lowerSkill) {
			skillExists = true
			break
		}
	}

	var action ActionType
	if policy.CheckSkillExists {
		if skillExists {
			action = orDefault(policy.ActionIfPresent, ActionRunSkill)
		} else {
			action = orDefault(policy.ActionIfMissing, ActionFallbackChat)
		}
	} else {
		action = orDefault(policy.ActionIfPresent, ActionFallbackChat)
	}

	return Decision{
		Matched:         true,
		Action:          action,
		SkillName:       skillName,
		RequiresConfirm: policy.RequiresConfirm,
		AllowsChaining:  policy.AllowsChaining,
		SafetyLevel:     policy.SafetyLevel,
		SkillScope:      policy.SkillScope,
		Confidence:      confidence,
		PatternID:       policy.PatternID,
		Reason:          "pattern matched",
	}
}

func orDefault(a, def ActionType) ActionType {
	if a == "" {
		return def
	}
	return a
}

var (
	mathKeywords = []string{"fibonacci", "fakultaet", "factorial", "primzahl", "wurzel", "quadrat", "addition", "subtraktion", "multiplikation", "division"}
	dataKeywords = []string{"csv", "json", "sortier", "filter", "tabelle", "liste", "konvertier"}
	umlautRepl   = strings.NewReplacer("ä", "ae", "ü", "ue", "ö", "oe")
	nonSkillChar = regexp.MustCompile(`[^a-z0-9_]`)
	extraUnder   = regexp.MustCompile(`_+`)
)

// DeriveSkillName builds a deterministic skill name from user text and an
// intent category, e.g. "auto_math_fibonacci", falling back to a short hash
// of the input when no recognized keyword is present.
func DeriveSkillName(userText, category string) string {
	if category == "" {
		category = "general"
	}
	lower := umlautRepl.Replace(strings.ToLower(userText))

	for _, kw := range append(append([]string{}, mathKeywords...), dataKeywords...) {
		if strings.Contains(lower, kw) {
			return sanitizeSkillName("auto_" + category + "_" + kw)
		}
	}

	sum := md5.Sum([]byte(userText))
	suffix := hex.EncodeToString(sum[:])[:6]
	return sanitizeSkillName("auto_" + category + "_" + suffix)
}

func sanitizeSkillName(name string) string {
	name = strings.ToLower(name)
	name = nonSkillChar.ReplaceAllString(name, "_")
	name = extraUnder.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}
