package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandler_AddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := WithInstance(context.Background(), &InstanceData{InstanceID: "inst-1", Role: "leader"})
	ctx = WithSession(ctx, &SessionData{UserID: "user-1", State: "active"})
	log.InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	inst, ok := rec["inst"].(map[string]any)
	if !ok || inst["id"] != "inst-1" || inst["role"] != "leader" {
		t.Fatalf("missing inst group: %v", rec)
	}
	sess, ok := rec["sess"].(map[string]any)
	if !ok || sess["user_id"] != "user-1" || sess["state"] != "active" {
		t.Fatalf("missing sess group: %v", rec)
	}
	if _, ok := rec["op"]; ok {
		t.Fatalf("unexpected op group: %v", rec)
	}
}
