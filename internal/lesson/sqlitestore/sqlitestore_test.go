package sqlitestore

import (
	"path/filepath"
	"testing"

	"github.com/artemgetmann/cortex/pkg/models"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "lessons.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	lessons := []*models.Lesson{
		{ID: "l1", DomainKey: "gridtool", Status: models.LessonCandidate, RuleText: "rule one"},
		{ID: "l2", DomainKey: "fluxtool", Status: models.LessonPromoted, RuleText: "rule two"},
	}
	if err := store.Save(lessons); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 lessons, got %d", len(loaded))
	}
}
