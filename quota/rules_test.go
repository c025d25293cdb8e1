package quota_test

import (
	"context"
	"testing"

	"github.com/buchgr/quota-remote/quota"
)

func TestMaxSizeRuleTiers(t *testing.T) {
	r := quota.NewMaxSizeRule(quota.Quota{Target: 50, Soft: 80, Hard: 100}, 0)

	cases := []struct {
		candidate                            uint64
		insideTarget, insideSoft, insideHard bool
	}{
		{40, true, true, true},
		{60, false, true, true},
		{90, false, false, true},
		{110, false, false, false},
	}
	for _, c := range cases {
		if got := r.IsInsideTargetLimit(c.candidate); got != c.insideTarget {
			t.Errorf("IsInsideTargetLimit(%d) = %v, want %v", c.candidate, got, c.insideTarget)
		}
		if got := r.IsInsideSoftLimit(c.candidate); got != c.insideSoft {
			t.Errorf("IsInsideSoftLimit(%d) = %v, want %v", c.candidate, got, c.insideSoft)
		}
		if got := r.IsInsideHardLimit(c.candidate); got != c.insideHard {
			t.Errorf("IsInsideHardLimit(%d) = %v, want %v", c.candidate, got, c.insideHard)
		}
	}
}

func TestMaxSizeRuleHardLimitMultiplier(t *testing.T) {
	r := quota.NewMaxSizeRule(quota.Quota{Target: 50, Soft: 100}, 1.2)
	if !r.IsInsideHardLimit(110) {
		t.Fatal("expected hard limit to be Soft * 1.2 = 120 when Hard is unset")
	}
	if r.IsInsideHardLimit(130) {
		t.Fatal("expected 130 to exceed the derived hard limit of 120")
	}
}

func TestMaxSizeRuleNotCalibratable(t *testing.T) {
	r := quota.NewMaxSizeRule(quota.Quota{Hard: 10}, 0)
	if r.CanBeCalibrated() {
		t.Fatal("MaxSizeRule must not be calibratable")
	}
}

type fakeFS struct {
	total, free uint64
}

func (f fakeFS) TotalAndFreeBytes(string) (uint64, uint64, error) {
	return f.total, f.free, nil
}

func TestDiskFreePercentRule(t *testing.T) {
	fs := fakeFS{total: 1000, free: 500}
	r := quota.NewDiskFreePercentRule(fs, "/data", 40, 20, 5)

	// Consuming 400 of the 500 free bytes leaves 10% free: inside hard
	// (>=5%) and soft (>=20%)? no: 10 < 20, so outside soft; inside hard.
	if !r.IsInsideHardLimit(400) {
		t.Fatal("expected 10% free to be inside the 5% hard limit")
	}
	if r.IsInsideSoftLimit(400) {
		t.Fatal("expected 10% free to violate the 20% soft limit")
	}
	if r.IsInsideHardLimit(480) {
		t.Fatal("expected consuming 480 of 500 free bytes (2% free) to violate the 5% hard limit")
	}
}

func TestElasticRuleCalibrate(t *testing.T) {
	r := quota.NewElasticRule(fakeHist{sizes: []uint64{5, 20, 10}}, 1)
	if !r.CanBeCalibrated() {
		t.Fatal("ElasticRule must be calibratable")
	}
	if err := r.Calibrate(context.Background()); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	// observedMax = 20, hard should become 80.
	if !r.IsInsideHardLimit(80) {
		t.Fatal("expected recalibrated hard limit to accommodate 4x the observed max (80)")
	}
	if r.IsInsideHardLimit(81) {
		t.Fatal("expected 81 to exceed the recalibrated hard limit of 80")
	}
}

type fakeHist struct{ sizes []uint64 }

func (f fakeHist) ReadHistory() ([]uint64, error) { return f.sizes, nil }
