package util

import "testing"

func TestHashStringSeeded(t *testing.T) {
	if HashString("users:1", 1) != HashString("users:1", 1) {
		t.Errorf("hash must be deterministic for the same seed")
	}
	if HashString("users:1", 1) == HashString("users:1", 2) {
		t.Errorf("different seeds should produce different hashes")
	}
}

func TestSizeHistogram(t *testing.T) {
	h := NewSizeHistogram()
	if h.MedianEstimate() != 0 || h.AverageSize() != 0 {
		t.Errorf("empty histogram should report zero")
	}

	for i := 0; i < 10; i++ {
		h.AddSample(100)
	}
	h.AddSample(10_000)

	if h.GetCount() != 11 {
		t.Errorf("expected 11 samples, got %d", h.GetCount())
	}
	// 100 falls into the (64, 256] bucket
	if got := h.MedianEstimate(); got != (64+256)/2 {
		t.Errorf("unexpected median estimate %d", got)
	}
	if got := h.AverageSize(); got != (10*100+10_000)/11 {
		t.Errorf("unexpected average %d", got)
	}
	if got := h.GetPercentileEstimate(101); got != 0 {
		t.Errorf("out of range percentile should return 0, got %d", got)
	}
}

func TestDistributionStats(t *testing.T) {
	even := NewDistributionStats([]float64{10, 10, 10, 10})
	if even.DistributionQuality != 1 {
		t.Errorf("even distribution should have quality 1, got %f", even.DistributionQuality)
	}

	skewed := NewDistributionStats([]float64{0, 0, 0, 40})
	if skewed.DistributionQuality >= even.DistributionQuality {
		t.Errorf("skewed distribution should score lower")
	}

	if (NewStats(nil) != Stats{}) {
		t.Errorf("empty input should give zero stats")
	}
}
