package driver

import "testing"

func TestMachineStateIsDown(t *testing.T) {
	down := map[MachineState]bool{
		PoweredOff: true,
		Aborted:    true,
	}
	for st := range machineStateNames {
		if got := st.IsDown(); got != down[st] {
			t.Errorf("%s.IsDown() = %v, want %v", st, got, down[st])
		}
	}
}

func TestParseMachineState(t *testing.T) {
	for st, name := range machineStateNames {
		if got := ParseMachineState(name); got != st {
			t.Errorf("ParseMachineState(%q) = %s, want %s", name, got, st)
		}
	}
	if got := ParseMachineState(" PowerOff "); got != PoweredOff {
		t.Errorf("state names are case insensitive, got %s", got)
	}
	if got := ParseMachineState("warp"); got != MachineStateNull {
		t.Errorf("unknown state parsed as %s", got)
	}
}
