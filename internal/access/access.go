// Package access implements Relay's file-backed ACL: a priority-ordered
// list of allow/deny rules, hot-reloaded from disk whenever the backing
// file changes (spec §4.7).
package access

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tenzoki/relay/internal/logging"
	"github.com/tenzoki/relay/internal/subject"
)

// Action is the decision a matched Rule makes.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Rule is one allow/deny entry. From and To are subject patterns (§3.1).
type Rule struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Priority int    `json:"priority"`
	Action   Action `json:"action"`
}

func (r Rule) key() [2]string { return [2]string{r.From, r.To} }

// Decision is the result of CheckAccess.
type Decision struct {
	Allowed     bool
	MatchedRule *Rule
}

// ACL holds the current rule set and watches its backing file for changes.
type ACL struct {
	mu      sync.RWMutex
	path    string
	rules   []Rule
	log     *logging.Logger
	watcher *fsnotify.Watcher
}

// New loads path (if present) and starts watching it for hot-reload. A
// missing file, malformed JSON, or non-array content all degrade silently
// to "no rules" (default-allow), per spec §4.7.
func New(path string, log *logging.Logger) (*ACL, error) {
	if log == nil {
		log = logging.NewNop()
	}
	a := &ACL{path: path, log: log}
	a.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("access: failed to start file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("access: failed to create %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("access: failed to watch %s: %w", dir, err)
	}
	a.watcher = watcher
	go a.watchLoop()
	return a, nil
}

func (a *ACL) watchLoop() {
	for {
		select {
		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(a.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				a.reload()
			}
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.log.Warn("access: watcher error: %v", err)
		}
	}
}

// Close stops the file watcher.
func (a *ACL) Close() error {
	if a.watcher == nil {
		return nil
	}
	return a.watcher.Close()
}

func (a *ACL) reload() {
	data, err := os.ReadFile(a.path)
	if err != nil {
		a.setRules(nil)
		return
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		a.log.Warn("access: ignoring invalid rules file %s: %v", a.path, err)
		return
	}
	a.setRules(rules)
}

func (a *ACL) setRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	a.mu.Lock()
	a.rules = rules
	a.mu.Unlock()
}

func (a *ACL) persist() error {
	data, err := json.Marshal(a.rules)
	if err != nil {
		return fmt.Errorf("access: failed to marshal rules: %w", err)
	}
	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("access: failed to create %s: %w", dir, err)
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("access: failed to write rules: %w", err)
	}
	return os.Rename(tmp, a.path)
}

// CheckAccess evaluates rules in priority order; the first rule whose
// From/To patterns both match the concrete from/to decides. No match
// means allow.
func (a *ACL) CheckAccess(from, to string) Decision {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := range a.rules {
		rule := a.rules[i]
		if subject.Match(rule.From, from) && subject.Match(rule.To, to) {
			return Decision{Allowed: rule.Action == ActionAllow, MatchedRule: &rule}
		}
	}
	return Decision{Allowed: true}
}

// AddRule upserts by (from, to, priority): a rule with the identical key
// replaces the existing one. Persists atomically and re-sorts.
func (a *ACL) AddRule(rule Rule) error {
	a.mu.Lock()
	replaced := false
	for i, existing := range a.rules {
		if existing.From == rule.From && existing.To == rule.To && existing.Priority == rule.Priority {
			a.rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		a.rules = append(a.rules, rule)
	}
	sort.SliceStable(a.rules, func(i, j int) bool { return a.rules[i].Priority > a.rules[j].Priority })
	err := a.persist()
	a.mu.Unlock()
	return err
}

// RemoveRule removes every rule with matching from/to, regardless of
// priority.
func (a *ACL) RemoveRule(from, to string) error {
	a.mu.Lock()
	kept := a.rules[:0]
	for _, rule := range a.rules {
		if rule.From == from && rule.To == to {
			continue
		}
		kept = append(kept, rule)
	}
	a.rules = kept
	err := a.persist()
	a.mu.Unlock()
	return err
}

// ListRules returns a snapshot copy; mutating it does not affect the ACL.
func (a *ACL) ListRules() []Rule {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Rule, len(a.rules))
	copy(out, a.rules)
	return out
}
