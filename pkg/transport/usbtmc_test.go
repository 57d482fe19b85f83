package transport

import (
	"testing"
)

func TestEnumerateUSBTMC(t *testing.T) {
	// Works without hardware; may simply find nothing.
	devices, err := EnumerateUSBTMC()
	if err != nil {
		t.Skipf("USB enumeration unavailable: %v", err)
	}

	t.Logf("Found %d USBTMC device(s)", len(devices))
	for i, dev := range devices {
		t.Logf("  Device %d: VID:0x%04X PID:0x%04X Serial:%s Desc:%s",
			i, dev.VID, dev.PID, dev.SerialNumber, dev.Description)
	}
}

// Integration test - only runs with a Keithley 2470 attached.
func TestUSBTMCIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	link, err := OpenUSBTMC(0x05E6, 0x2470)
	if err != nil {
		t.Skipf("No USBTMC hardware found: %v", err)
	}
	defer link.Close()

	idn, err := link.Query("*IDN?")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if idn == "" {
		t.Error("empty identification string")
	}
	t.Logf("Instrument: %s", idn)
}

func TestSimLinkRecordsCommands(t *testing.T) {
	link := NewSimLink(map[string]string{"*IDN?": "SIM,0,0,1.0"})

	if err := link.WriteLine("*RST"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	idn, err := link.Query("*IDN?")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if idn != "SIM,0,0,1.0" {
		t.Errorf("idn = %q", idn)
	}
	if _, err := link.Query("MEAS:CURR?"); err == nil {
		t.Error("expected error for unscripted query")
	}

	got := link.Commands()
	want := []string{"*RST", "*IDN?", "MEAS:CURR?"}
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, got[i], want[i])
		}
	}

	link.Close()
	if err := link.WriteLine("OUTP OFF"); err != ErrClosed {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}
