package control

import (
	"regexp"
	"strings"
)

// credentialPattern flags text that looks like it's carrying a secret
// rather than describing one.
var credentialPattern = regexp.MustCompile(`(?i)(api[_-]?key|password|secret|token)\s*[:=]\s*\S{6,}`)
var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
var phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)

// QuickSafetyCheck runs the cheap, pre-verification safety pass: a keyword
// scan for leaked credentials/PII and a consistency check between a plan's
// declared intent and its own memory fields. It never blocks by itself —
// it only produces warnings for the output layer and signals whether the
// plan should be escalated to model-based verification.
func QuickSafetyCheck(userText string, plan map[string]any) (warnings []string, escalate bool) {
	if credentialPattern.MatchString(userText) {
		warnings = append(warnings, "possible credential in user text")
		escalate = true
	}
	if emailPattern.MatchString(userText) {
		warnings = append(warnings, "email address present in user text")
	}
	if phonePattern.MatchString(userText) {
		warnings = append(warnings, "phone-like number present in user text")
	}

	needsMemory, _ := plan["needs_memory"].(bool)
	memoryKeys, _ := plan["memory_keys"].([]any)
	if needsMemory && len(memoryKeys) == 0 {
		warnings = append(warnings, "needs_memory is true but memory_keys is empty")
	}

	isNewFact, _ := plan["is_new_fact"].(bool)
	factKey := strings.TrimSpace(asString(plan["new_fact_key"]))
	factValue := strings.TrimSpace(asString(plan["new_fact_value"]))
	if isNewFact && (factKey == "" || factValue == "") {
		warnings = append(warnings, "is_new_fact is true but new_fact_key or new_fact_value is empty")
		escalate = true
	}

	if risk, _ := plan["hallucination_risk"].(string); risk == "high" {
		escalate = true
	}

	return warnings, escalate
}
