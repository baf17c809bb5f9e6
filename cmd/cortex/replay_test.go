package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/artemgetmann/cortex/internal/model"
	"github.com/artemgetmann/cortex/internal/model/tape"
)

func writeTestTape(t *testing.T, dir string) string {
	t.Helper()
	tp := tape.NewTape()
	tp.AddTurn(model.ModelTurn{TextBlocks: []string{"All done."}, StopReason: model.StopEndTurn})
	tp.AddTurn(model.ModelTurn{TextBlocks: []string{`{"passed": true, "score": 1, "reasons": "n/a"}`}, StopReason: model.StopEndTurn})
	tp.AddTurn(model.ModelTurn{TextBlocks: []string{"[]"}, StopReason: model.StopEndTurn})

	raw, err := tp.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	path := filepath.Join(dir, "session.tape.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestReplayRunsTapeThroughStepLoop(t *testing.T) {
	dir := t.TempDir()
	tapePath := writeTestTape(t, dir)

	var out bytes.Buffer
	cmd := buildReplayCmd()
	cmd.SetArgs([]string{"--tape", tapePath, "--task", "do nothing", "--domain", "kv", "--session-id", "replay-test"})
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Len() == 0 {
		t.Fatal("expected replay to print session metrics")
	}
}
