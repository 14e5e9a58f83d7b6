package common

import (
	"testing"
	"time"
)

func TestWindowDays(t *testing.T) {
	now := time.Date(2024, 3, 31, 13, 37, 0, 0, time.UTC)
	w := NewWindow(now, 30)

	days := w.Days()
	if len(days) != 31 {
		t.Fatalf("expecting 31 days, got %d", len(days))
	}
	if !days[0].Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expecting first day 2024-03-01, got %v", days[0])
	}
	if !days[30].Equal(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expecting last day 2024-03-31, got %v", days[30])
	}
	for i := 1; i < len(days); i++ {
		if !days[i-1].Before(days[i]) {
			t.Fatalf("days must be sorted oldest first: %v >= %v", days[i-1], days[i])
		}
	}

	if w.Contains(time.Date(2024, 2, 28, 10, 0, 0, 0, time.UTC)) {
		t.Error("2024-02-28 must be outside the window")
	}
	if !w.Contains(time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)) {
		t.Error("2024-03-01 must be inside the window")
	}
}

func TestTransferStateTransitions(t *testing.T) {
	allowed := map[TransferState][]TransferState{
		StateDISCOVERED:  {StateDOWNLOADING, StateFAILED},
		StateDOWNLOADING: {StateSTORED, StateFAILED},
		StateSTORED:      {StateREGISTERED, StateFAILED},
		StateREGISTERED:  {},
		StateFAILED:      {},
	}
	for _, from := range TransferStateValues() {
		for _, to := range TransferStateValues() {
			expected := false
			for _, a := range allowed[from] {
				if a == to {
					expected = true
				}
			}
			if got := from.CanTransition(to); got != expected {
				t.Errorf("%s -> %s: expecting %v, got %v", from, to, expected, got)
			}
		}
	}
}

func TestTransferStateSQL(t *testing.T) {
	v, err := StateSTORED.Value()
	if err != nil || v != "STORED" {
		t.Errorf("expecting STORED, got %v (%v)", v, err)
	}
	var s TransferState
	if err := s.Scan([]byte("REGISTERED")); err != nil || s != StateREGISTERED {
		t.Errorf("expecting REGISTERED, got %v (%v)", s, err)
	}
}

func TestParseObjectRef(t *testing.T) {
	tests := []struct {
		in  string
		ref ObjectRef
		ok  bool
	}{
		{"landsat/landsat_ot_c2_l1/LC09_L1TP.tar", ObjectRef{"landsat", "landsat_ot_c2_l1/LC09_L1TP.tar"}, true},
		{"/landsat/landsat_ot_c2_l1/LC09_L1TP.tar", ObjectRef{"landsat", "landsat_ot_c2_l1/LC09_L1TP.tar"}, true},
		{"landsat", ObjectRef{}, false},
		{"landsat/", ObjectRef{}, false},
		{"landsat//file", ObjectRef{}, false},
		{"landsat/../secrets", ObjectRef{}, false},
		{"landsat/a/./b", ObjectRef{}, false},
		{"", ObjectRef{}, false},
	}
	for _, tt := range tests {
		ref, err := ParseObjectRef(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("%q: unexpected result %v, %v", tt.in, ref, err)
			continue
		}
		if tt.ok && ref != tt.ref {
			t.Errorf("%q: expecting %v, got %v", tt.in, tt.ref, ref)
		}
	}
}
