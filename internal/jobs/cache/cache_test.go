package cache

import "testing"

import "github.com/stretchr/testify/assert"

func TestSmartQualityBuckets(t *testing.T) {
	cases := []struct {
		name           string
		width, height  int
		sourceBytes    int64
		requested      int
		expectEstimate int
	}{
		{"dense source allows high quality", 1000, 1000, 3_000_000, 100, 95},
		{"medium density caps at 85", 1000, 1000, 1_500_000, 100, 85},
		{"sparse density caps at 75", 1000, 1000, 700_000, 100, 75},
		{"very sparse caps at 60", 1000, 1000, 100_000, 100, 60},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := smartQuality(c.width, c.height, c.sourceBytes, c.requested)
			assert.Equal(t, c.expectEstimate, got)
		})
	}
}

func TestSmartQualityNeverExceedsRequested(t *testing.T) {
	got := smartQuality(1000, 1000, 3_000_000, 50)
	assert.Equal(t, 50, got)
}

func TestSmartQualityDefaultsToEstimateWhenRequestedIsZero(t *testing.T) {
	got := smartQuality(1000, 1000, 700_000, 0)
	assert.Equal(t, 75, got)
}

func TestSmartQualityHandlesZeroPixels(t *testing.T) {
	got := smartQuality(0, 0, 100, 42)
	assert.Equal(t, 42, got)
}
