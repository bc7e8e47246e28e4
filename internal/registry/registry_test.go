package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tenzoki/relay/internal/maildir"
)

func newTestRegistry(t *testing.T) (*EndpointRegistry, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "registry-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	store := maildir.NewStore(dir)
	return NewEndpointRegistry(dir, store), dir
}

func TestRegisterEndpointCreatesMailboxTree(t *testing.T) {
	reg, dir := newTestRegistry(t)
	ep, err := reg.RegisterEndpoint("relay.agent.echo")
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	if ep.Subject != "relay.agent.echo" {
		t.Errorf("Subject = %s", ep.Subject)
	}
	if len(ep.Hash) != 12 {
		t.Errorf("Hash length = %d, want 12", len(ep.Hash))
	}
	for _, box := range []string{"tmp", "new", "cur", "failed"} {
		if _, err := os.Stat(filepath.Join(dir, ep.Hash, box)); err != nil {
			t.Errorf("expected %s/%s to exist: %v", ep.Hash, box, err)
		}
	}
}

func TestRegisterEndpointRejectsEmptyAndWildcard(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cases := []string{"", "relay.agent.*", "relay.agent.>"}
	for _, subj := range cases {
		if _, err := reg.RegisterEndpoint(subj); err == nil {
			t.Errorf("expected error registering %q", subj)
		}
	}
}

func TestRegisterEndpointRejectsDuplicate(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.RegisterEndpoint("relay.agent.echo"); err != nil {
		t.Fatalf("first RegisterEndpoint: %v", err)
	}
	if _, err := reg.RegisterEndpoint("relay.agent.echo"); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestHashSubjectIsDeterministic(t *testing.T) {
	h1 := HashSubject("relay.agent.echo")
	h2 := HashSubject("relay.agent.echo")
	if h1 != h2 {
		t.Errorf("HashSubject not deterministic: %s != %s", h1, h2)
	}
	if len(h1) != 12 {
		t.Errorf("len(hash) = %d, want 12", len(h1))
	}
	if HashSubject("relay.agent.other") == h1 {
		t.Error("different subjects should not collide trivially")
	}
}

func TestUnregisterEndpointRemovesMappingAndDirectory(t *testing.T) {
	reg, dir := newTestRegistry(t)
	ep, _ := reg.RegisterEndpoint("relay.agent.echo")

	removed, err := reg.UnregisterEndpoint("relay.agent.echo")
	if err != nil {
		t.Fatalf("UnregisterEndpoint: %v", err)
	}
	if !removed {
		t.Error("expected removed=true")
	}
	if reg.HasEndpoint("relay.agent.echo") {
		t.Error("expected endpoint to be gone")
	}
	if _, err := os.Stat(filepath.Join(dir, ep.Hash)); !os.IsNotExist(err) {
		t.Error("expected mailbox directory to be deleted")
	}
}

func TestUnregisterMissingEndpointReturnsFalseNotError(t *testing.T) {
	reg, _ := newTestRegistry(t)
	removed, err := reg.UnregisterEndpoint("relay.agent.never-registered")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed {
		t.Error("expected removed=false for a missing endpoint")
	}
}

func TestGetEndpointByHashAndListAndSize(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ep1, _ := reg.RegisterEndpoint("relay.agent.a")
	reg.RegisterEndpoint("relay.agent.b")

	if got := reg.GetEndpointByHash(ep1.Hash); got == nil || got.Subject != "relay.agent.a" {
		t.Errorf("GetEndpointByHash = %+v", got)
	}
	if reg.Size() != 2 {
		t.Errorf("Size() = %d, want 2", reg.Size())
	}
	if len(reg.ListEndpoints()) != 2 {
		t.Errorf("ListEndpoints() length = %d, want 2", len(reg.ListEndpoints()))
	}
}
