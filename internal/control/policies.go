package control

// DefaultPolicies returns the built-in intent-routing table: the same
// shape as the priority-ordered pattern table described in policy.go's
// NewEngine doc, expressed as Go literals instead of an external CSV so the
// binary has a working policy set with no config file required. Deployments
// that need a different table construct their own []IntentPolicy and pass
// it to NewEngine instead.
func DefaultPolicies() []IntentPolicy {
	return []IntentPolicy{
		{
			PatternID:        "skill-create",
			TriggerRegex:     `\b(create|build|write)\s+(a\s+)?skill\b`,
			TriggerCategory:  "skill_management",
			Priority:         "high",
			IntentConfidence: 0.6,
			SafetyLevel:      SafetyMedium,
			SkillScope:       ScopeSession,
			CheckSkillExists: false,
			ActionIfPresent:  ActionForceCreateSkill,
			ActionIfMissing:  ActionForceCreateSkill,
			FallbackAction:   ActionFallbackChat,
		},
		{
			PatternID:        "skill-run",
			TriggerRegex:     `\brun\s+(the\s+)?skill\b`,
			TriggerCategory:  "skill_management",
			Priority:         "high",
			IntentConfidence: 0.6,
			SafetyLevel:      SafetyMedium,
			SkillScope:       ScopeSession,
			CheckSkillExists: true,
			ActionIfPresent:  ActionForceRunSkill,
			ActionIfMissing:  ActionFallbackChat,
			FallbackAction:   ActionFallbackChat,
		},
		{
			PatternID:        "skill-list",
			TriggerRegex:     `\b(list|show)\s+(my\s+|available\s+)?skills\b`,
			TriggerCategory:  "skill_management",
			Priority:         "normal",
			IntentConfidence: 0.5,
			SafetyLevel:      SafetyLow,
			SkillScope:       ScopeStateless,
			CheckSkillExists: false,
			ActionIfPresent:  ActionListSkills,
			ActionIfMissing:  ActionListSkills,
			FallbackAction:   ActionFallbackChat,
		},
		{
			PatternID:        "web-search",
			TriggerRegex:     `\b(search|look up|google)\b.*\b(web|online|internet)\b`,
			TriggerCategory:  "web_search",
			Priority:         "normal",
			IntentConfidence: 0.5,
			SafetyLevel:      SafetyLow,
			SkillScope:       ScopeStateless,
			CheckSkillExists: false,
			ActionIfPresent:  ActionWebSearch,
			ActionIfMissing:  ActionWebSearch,
			FallbackAction:   ActionFallbackChat,
		},
		{
			PatternID:        "destructive-confirm",
			TriggerRegex:     `\b(delete|remove|destroy|drop|format)\b.*\b(everything|all|database|disk|volume)\b`,
			TriggerCategory:  "destructive_action",
			Priority:         "critical",
			IntentConfidence: 0.7,
			SafetyLevel:      SafetyCritical,
			SkillScope:       ScopeSystem,
			CheckSkillExists: false,
			ActionIfPresent:  ActionRequestUserConfirmation,
			ActionIfMissing:  ActionRequestUserConfirmation,
			FallbackAction:   ActionDenyAutonomy,
			RequiresConfirm:  true,
		},
	}
}
