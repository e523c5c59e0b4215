package commands

import "testing"

func TestInverseTypeMapping(t *testing.T) {
	cases := []struct {
		original CommandType
		want     CommandType
	}{
		{TypeThrottle, TypeUnthrottle},
		{TypeScale, TypeDescale},
		{TypeRestart, TypeNoop},
		{TypeConfigUpdate, TypeConfigRevert},
		{TypeEmergencyStop, TypeResume},
		{CommandType("FIRMWARE_FLASH"), TypeRollback},
		{CommandType(""), TypeRollback},
	}
	for _, tc := range cases {
		if got := InverseType(tc.original); got != tc.want {
			t.Fatalf("inverse of %q: expected %q, got %q", tc.original, tc.want, got)
		}
		// Deterministic across calls.
		if again := InverseType(tc.original); again != tc.want {
			t.Fatalf("inverse of %q not deterministic", tc.original)
		}
	}
}

func TestInverseCommand(t *testing.T) {
	original := ControlCommand{
		CommandID:   "test123",
		TargetID:    "device1",
		CommandType: TypeThrottle,
		Parameters:  map[string]string{"rate": "50%"},
		RollbackConfig: &RollbackConfig{
			Enabled:        true,
			TimeoutSeconds: 5,
			PreviousState:  map[string]string{"rate": "100%"},
		},
	}
	inverse := Inverse(original)
	if inverse.CommandID != "rollback_test123" {
		t.Fatalf("expected rollback_test123, got %s", inverse.CommandID)
	}
	if inverse.CommandType != TypeUnthrottle {
		t.Fatalf("expected UNTHROTTLE, got %s", inverse.CommandType)
	}
	if inverse.TargetID != "device1" {
		t.Fatalf("expected target device1, got %s", inverse.TargetID)
	}
	if inverse.Parameters["rate"] != "100%" || len(inverse.Parameters) != 1 {
		t.Fatalf("unexpected parameters %v", inverse.Parameters)
	}
	if inverse.Priority != PriorityHigh {
		t.Fatalf("expected HIGH priority, got %s", inverse.Priority)
	}
	if inverse.RollbackEnabled() || inverse.DryRun {
		t.Fatalf("inverse must not carry rollback config or dry run")
	}

	inverse.Parameters["rate"] = "0%"
	if original.RollbackConfig.PreviousState["rate"] != "100%" {
		t.Fatalf("inverse parameters must not alias previous state")
	}
}

func TestInverseWithoutRollbackConfig(t *testing.T) {
	inverse := Inverse(ControlCommand{CommandID: "c1", TargetID: "t1", CommandType: TypeRestart})
	if inverse.Parameters == nil || len(inverse.Parameters) != 0 {
		t.Fatalf("expected empty parameters, got %v", inverse.Parameters)
	}
	if inverse.CommandType != TypeNoop {
		t.Fatalf("expected NOOP, got %s", inverse.CommandType)
	}
}

func TestRollbackCommandIDDerivation(t *testing.T) {
	for _, id := range []string{"a", "cmd_0191", "rollback_x", ""} {
		inverse := Inverse(ControlCommand{CommandID: id})
		if inverse.CommandID != "rollback_"+id {
			t.Fatalf("expected rollback_%s, got %s", id, inverse.CommandID)
		}
	}
}
