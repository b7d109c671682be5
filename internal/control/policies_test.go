package control

import "testing"

func TestDefaultPolicies_CompileIntoEngine(t *testing.T) {
	e, err := NewEngine(DefaultPolicies())
	if err != nil {
		t.Fatalf("NewEngine(DefaultPolicies()): %v", err)
	}
	if len(e.policies) != len(DefaultPolicies()) {
		t.Fatalf("expected %d compiled policies, got %d", len(DefaultPolicies()), len(e.policies))
	}
}

func TestDefaultPolicies_CriticalSortsFirst(t *testing.T) {
	e, err := NewEngine(DefaultPolicies())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if e.policies[0].Priority != "critical" {
		t.Fatalf("expected the critical policy to sort first, got priority %q", e.policies[0].Priority)
	}
}

func TestDefaultPolicies_DestructiveRequestMatchesConfirmPolicy(t *testing.T) {
	e, err := NewEngine(DefaultPolicies())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	policy, _ := e.matchIntent("please delete everything on the disk")
	if policy == nil {
		t.Fatal("expected a policy match")
	}
	if policy.PatternID != "destructive-confirm" {
		t.Fatalf("expected destructive-confirm to match, got %q", policy.PatternID)
	}
}
