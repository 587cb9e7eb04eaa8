package ultrawork

import (
	"testing"
	"time"
)

func TestStore_SaveAndLoadSessionRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	session := &Session{ID: "s1", LeadAgentID: "lead", Mode: ModePhased, Phase: PhasePlanning, Active: true, StartedAt: time.Now()}
	if err := store.SaveSession(session); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LoadSession("s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ID != "s1" || got.Phase != PhasePlanning {
		t.Fatalf("got %+v", got)
	}
}

func TestStore_SavePlanAndRetrospective(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.SavePlan("s1", "# Plan\nDo the thing."); err != nil {
		t.Fatalf("save plan: %v", err)
	}
	if err := store.SaveRetrospective("s1", "# Retro\nWent well."); err != nil {
		t.Fatalf("save retro: %v", err)
	}
}

func TestStore_AppendProgressAccumulates(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.AppendProgress("s1", StepRecord{Phase: PhaseBuilding, Name: "build", At: time.Now()}); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := store.AppendProgress("s1", StepRecord{Phase: PhaseBuilding, Name: "build2", At: time.Now()}); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	records, err := store.LoadProgress("s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 || records[1].Name != "build2" {
		t.Fatalf("got %+v", records)
	}
}
