package guider

import "testing"

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusUnknown, StatusIdle, true},
		{StatusIdle, StatusGuiding, true},
		{StatusIdle, StatusCalibrating, true},
		{StatusGuiding, StatusIdle, true},
		{StatusCalibrating, StatusIdle, true},
		{StatusGuiding, StatusCalibrating, false},
		{StatusCalibrating, StatusGuiding, false},
		{StatusUnknown, StatusGuiding, false},
		{StatusIdle, StatusIdle, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestMapHostFlipStatus(t *testing.T) {
	cases := []struct {
		raw     int
		want    FlipStatus
		wantErr bool
	}{
		{0, FlipBefore, false},
		{1, FlipBefore, false},
		{2, FlipAfter, false},
		{3, FlipAfter, false},
		{4, FlipFork, false},
		{5, FlipError, true},
		{9, FlipUnknown, true},
	}
	for _, tc := range cases {
		got, err := MapHostFlipStatus(tc.raw)
		if got != tc.want {
			t.Errorf("MapHostFlipStatus(%d) = %s, want %s", tc.raw, got, tc.want)
		}
		if (err != nil) != tc.wantErr {
			t.Errorf("MapHostFlipStatus(%d) error = %v, wantErr %v", tc.raw, err, tc.wantErr)
		}
	}
}

func TestFlipTrackerTransitions(t *testing.T) {
	tr := NewFlipTracker(true, FlipBefore)
	if !tr.IsGEM() {
		t.Fatal("GEM tracker reports fork")
	}

	// Same side: no change.
	if _, changed, err := tr.Update(1); err != nil || changed {
		t.Fatalf("Update(1) changed=%v err=%v, want no change", changed, err)
	}

	// Pier flip: 0/1 -> 2/3 must report a change.
	status, changed, err := tr.Update(3)
	if err != nil || !changed || status != FlipAfter {
		t.Fatalf("Update(3) = (%s, %v, %v), want (AFTER, true, nil)", status, changed, err)
	}

	// Error status is fatal.
	if _, _, err := tr.Update(5); err == nil {
		t.Fatal("Update(5) did not error")
	}
}

func TestFlipTrackerForkStopsPolling(t *testing.T) {
	tr := NewFlipTracker(true, FlipBefore)
	if _, changed, err := tr.Update(4); err != nil || changed {
		t.Fatalf("Update(4) changed=%v err=%v", changed, err)
	}
	if tr.IsGEM() {
		t.Fatal("tracker still GEM after FORK report")
	}
	if tr.Current() != FlipFork {
		t.Fatalf("Current() = %s, want FORK", tr.Current())
	}
}

func TestFlipTrackerForkAtStart(t *testing.T) {
	tr := NewFlipTracker(true, FlipFork)
	if tr.IsGEM() {
		t.Fatal("FORK initial status should disable GEM logic")
	}
}
