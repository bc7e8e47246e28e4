package access

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tenzoki/relay/internal/logging"
)

func newTestACL(t *testing.T, rules []Rule) (*ACL, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "access-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "access-rules.json")

	if rules != nil {
		data, err := json.Marshal(rules)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	acl, err := New(path, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { acl.Close() })
	return acl, path
}

func TestMissingFileDegradesToDefaultAllow(t *testing.T) {
	acl, _ := newTestACL(t, nil)
	d := acl.CheckAccess("relay.agent.a", "relay.agent.b")
	if !d.Allowed || d.MatchedRule != nil {
		t.Errorf("expected default-allow with no matched rule, got %+v", d)
	}
}

func TestCorruptFileDegradesToDefaultAllow(t *testing.T) {
	dir, err := os.MkdirTemp("", "access-corrupt-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "access-rules.json")
	if err := os.WriteFile(path, []byte("not an array"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	acl, err := New(path, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer acl.Close()

	d := acl.CheckAccess("relay.agent.a", "relay.agent.b")
	if !d.Allowed {
		t.Error("expected default-allow for corrupt rules file")
	}
}

func TestCheckAccessEvaluatesInPriorityOrder(t *testing.T) {
	acl, _ := newTestACL(t, []Rule{
		{From: "relay.agent.>", To: "relay.agent.>", Priority: 1, Action: ActionAllow},
		{From: "relay.agent.bad", To: "relay.agent.>", Priority: 10, Action: ActionDeny},
	})

	d := acl.CheckAccess("relay.agent.bad", "relay.agent.echo")
	if d.Allowed {
		t.Error("expected the higher-priority deny rule to win")
	}
	if d.MatchedRule == nil || d.MatchedRule.Priority != 10 {
		t.Errorf("expected matched rule priority 10, got %+v", d.MatchedRule)
	}

	d2 := acl.CheckAccess("relay.agent.good", "relay.agent.echo")
	if !d2.Allowed {
		t.Error("expected allow for a sender not matching the deny rule")
	}
}

func TestNoMatchAllows(t *testing.T) {
	acl, _ := newTestACL(t, []Rule{
		{From: "relay.human.>", To: "relay.agent.>", Priority: 5, Action: ActionDeny},
	})
	d := acl.CheckAccess("relay.agent.a", "relay.agent.b")
	if !d.Allowed {
		t.Error("expected allow when no rule matches")
	}
}

func TestAddRuleUpsertsByKeyAndResorts(t *testing.T) {
	acl, _ := newTestACL(t, nil)
	if err := acl.AddRule(Rule{From: "relay.agent.a", To: "relay.agent.b", Priority: 1, Action: ActionDeny}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if err := acl.AddRule(Rule{From: "relay.agent.a", To: "relay.agent.b", Priority: 1, Action: ActionAllow}); err != nil {
		t.Fatalf("AddRule (replace): %v", err)
	}

	rules := acl.ListRules()
	if len(rules) != 1 {
		t.Fatalf("expected upsert to replace, got %d rules", len(rules))
	}
	if rules[0].Action != ActionAllow {
		t.Errorf("expected replaced rule to carry the new action, got %s", rules[0].Action)
	}
}

func TestRemoveRuleRemovesRegardlessOfPriority(t *testing.T) {
	acl, _ := newTestACL(t, []Rule{
		{From: "relay.agent.a", To: "relay.agent.b", Priority: 1, Action: ActionDeny},
		{From: "relay.agent.a", To: "relay.agent.b", Priority: 9, Action: ActionAllow},
		{From: "relay.agent.c", To: "relay.agent.d", Priority: 1, Action: ActionDeny},
	})
	if err := acl.RemoveRule("relay.agent.a", "relay.agent.b"); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}
	rules := acl.ListRules()
	if len(rules) != 1 || rules[0].From != "relay.agent.c" {
		t.Fatalf("expected only the unrelated rule to remain, got %+v", rules)
	}
}

func TestListRulesSnapshotDoesNotMutateInternalState(t *testing.T) {
	acl, _ := newTestACL(t, []Rule{
		{From: "relay.agent.a", To: "relay.agent.b", Priority: 1, Action: ActionDeny},
	})
	snapshot := acl.ListRules()
	snapshot[0].Action = ActionAllow

	rules := acl.ListRules()
	if rules[0].Action != ActionDeny {
		t.Error("mutating a snapshot should not affect internal state")
	}
}

func TestHotReloadPicksUpFileChanges(t *testing.T) {
	acl, path := newTestACL(t, nil)

	newRules := []Rule{{From: "relay.agent.a", To: "relay.agent.b", Priority: 1, Action: ActionDeny}}
	data, err := json.Marshal(newRules)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(acl.ListRules()) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	d := acl.CheckAccess("relay.agent.a", "relay.agent.b")
	if d.Allowed {
		t.Error("expected hot-reloaded deny rule to take effect")
	}
}
