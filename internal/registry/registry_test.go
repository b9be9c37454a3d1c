package registry

import (
	"testing"

	"github.com/polos-dev/polos-sub001/internal/definition"
)

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New()
	def := &definition.Workflow{ID: "wf-1"}
	if err := r.Register(def, false); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register(def, false)
	if err == nil {
		t.Fatal("expected ErrDuplicateWorkflow")
	}
	if _, ok := err.(*ErrDuplicateWorkflow); !ok {
		t.Fatalf("expected *ErrDuplicateWorkflow, got %T", err)
	}
}

func TestRegisterReplaceOverwrites(t *testing.T) {
	r := New()
	def1 := &definition.Workflow{ID: "wf-1", Kind: definition.KindWorkflow}
	def2 := &definition.Workflow{ID: "wf-1", Kind: definition.KindAgent}
	if err := r.Register(def1, false); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(def2, true); err != nil {
		t.Fatalf("replace register: %v", err)
	}
	got, ok := r.Get("wf-1")
	if !ok || got.Kind != definition.KindAgent {
		t.Fatalf("expected replaced definition, got %+v", got)
	}
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	r := New()
	if err := r.Register(&definition.Workflow{}, false); err == nil {
		t.Fatal("expected error for empty ID")
	}
	if err := r.Register(nil, false); err == nil {
		t.Fatal("expected error for nil definition")
	}
}

func TestListIsSortedByID(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		if err := r.Register(&definition.Workflow{ID: id}, false); err != nil {
			t.Fatal(err)
		}
	}
	list := r.List()
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "c" {
		t.Fatalf("expected sorted [a b c], got %+v", list)
	}
}

func TestHasReflectsRegistration(t *testing.T) {
	r := New()
	if r.Has("wf-1") {
		t.Fatal("expected unregistered id to be absent")
	}
	if err := r.Register(&definition.Workflow{ID: "wf-1"}, false); err != nil {
		t.Fatal(err)
	}
	if !r.Has("wf-1") {
		t.Fatal("expected registered id to be present")
	}
}
