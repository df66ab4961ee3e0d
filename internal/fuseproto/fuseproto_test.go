package fuseproto

import "testing"

func TestOpcodeStringKnown(t *testing.T) {
	cases := map[Opcode]string{
		LOOKUP:    "LOOKUP",
		RENAME:    "RENAME",
		READDIRPLUS: "READDIRPLUS",
		STATX:     "STATX",
	}
	for op, want := range cases {
		if got := op.String(); got != want {
			t.Errorf("Opcode(%d).String() = %q, want %q", int32(op), got, want)
		}
	}
}

func TestOpcodeStringUnknownFallsBackToNumeric(t *testing.T) {
	got := Opcode(9999).String()
	want := "OPCODE_9999"
	if got != want {
		t.Errorf("Opcode(9999).String() = %q, want %q", got, want)
	}
}

func TestOpcodeNumberingMatchesWireProtocol(t *testing.T) {
	if LOOKUP != 1 {
		t.Fatalf("LOOKUP must be wire opcode 1, got %d", LOOKUP)
	}
	if FORGET != 2 {
		t.Fatalf("FORGET must be wire opcode 2, got %d", FORGET)
	}
	if CREATE != 35 {
		t.Fatalf("CREATE must be wire opcode 35, got %d", CREATE)
	}
}
