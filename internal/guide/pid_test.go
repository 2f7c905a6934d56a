package guide

import (
	"math"
	"testing"
)

func TestPIDPureProportional(t *testing.T) {
	p := NewPID(1, 0, 0)
	p.SetPoint(0)
	for _, v := range []float64{1.5, -2.0, 0.25} {
		if got := p.Update(v); math.Abs(got-v) > 1e-12 {
			t.Errorf("Update(%v) = %v, want %v", v, got, v)
		}
	}
}

func TestPIDIntegralAccumulates(t *testing.T) {
	p := NewPID(0, 0.5, 0)
	p.SetPoint(0)
	p.Update(1)
	if got := p.Update(1); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("integral output = %v, want 1.0", got)
	}
}

func TestPIDDerivativeFirstSampleZero(t *testing.T) {
	p := NewPID(0, 0, 1)
	p.SetPoint(0)
	if got := p.Update(5); got != 0 {
		t.Errorf("first derivative output = %v, want 0", got)
	}
	if got := p.Update(7); math.Abs(got-2) > 1e-12 {
		t.Errorf("derivative output = %v, want 2", got)
	}
}

func TestPIDSetPointShiftsError(t *testing.T) {
	p := NewPID(1, 0, 0)
	p.SetPoint(2)
	if got := p.Update(5); math.Abs(got-3) > 1e-12 {
		t.Errorf("Update(5) with setpoint 2 = %v, want 3", got)
	}
}

func TestPIDSetPointResetsState(t *testing.T) {
	p := NewPID(0, 1, 0)
	p.SetPoint(0)
	p.Update(10)
	p.Update(10)
	p.SetPoint(0)
	if got := p.Update(1); math.Abs(got-1) > 1e-12 {
		t.Errorf("integral survived SetPoint: Update(1) = %v, want 1", got)
	}
}
