package downgrade

import "testing"

func TestCheck(t *testing.T) {
	cfg := Config{
		Enabled:          true,
		ThresholdPercent: 80,
		Mapping:          map[string]string{"claude-opus-4-6": "claude-sonnet-4-6"},
	}

	tests := []struct {
		name       string
		model      string
		percent    float64
		cfg        Config
		downgraded bool
		newModel   string
		reason     string
	}{
		{
			name:       "above_threshold_with_mapping",
			model:      "claude-opus-4-6",
			percent:    85,
			cfg:        cfg,
			downgraded: true,
			newModel:   "claude-sonnet-4-6",
			reason:     "budget utilization exceeded threshold",
		},
		{
			name:     "at_threshold_exactly",
			model:    "claude-opus-4-6",
			percent:  80,
			cfg:      cfg,
			newModel: "claude-sonnet-4-6",
			reason:   "budget utilization exceeded threshold",
			downgraded: true,
		},
		{
			name:     "below_threshold",
			model:    "claude-opus-4-6",
			percent:  79.9,
			cfg:      cfg,
			newModel: "claude-opus-4-6",
			reason:   "budget below threshold",
		},
		{
			name:     "no_mapping",
			model:    "mystery-model",
			percent:  99,
			cfg:      cfg,
			newModel: "mystery-model",
			reason:   "no mapping available",
		},
		{
			name:     "disabled",
			model:    "claude-opus-4-6",
			percent:  99,
			cfg:      Config{Enabled: false, ThresholdPercent: 80},
			newModel: "claude-opus-4-6",
			reason:   "downgrade disabled",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Check(tc.model, tc.percent, tc.cfg)
			if got.Downgraded != tc.downgraded {
				t.Errorf("Downgraded = %v, want %v", got.Downgraded, tc.downgraded)
			}
			if got.NewModel != tc.newModel {
				t.Errorf("NewModel = %q, want %q", got.NewModel, tc.newModel)
			}
			if got.OriginalModel != tc.model {
				t.Errorf("OriginalModel = %q, want %q", got.OriginalModel, tc.model)
			}
			if got.Reason != tc.reason {
				t.Errorf("Reason = %q, want %q", got.Reason, tc.reason)
			}
		})
	}
}

// Check must be referentially transparent, and applying it to its own output
// with unchanged budget state must be stable.
func TestCheck_pure(t *testing.T) {
	cfg := DefaultConfig()

	a := Check("claude-opus-4-6", 90, cfg)
	b := Check("claude-opus-4-6", 90, cfg)
	if a != b {
		t.Fatalf("Check not referentially transparent: %+v vs %+v", a, b)
	}

	// Idempotence over the chain: opus -> sonnet -> haiku is a real chain in
	// the default mapping, so re-checking the downgraded model may downgrade
	// again; what must hold is that the same (model, percent) pair is stable.
	c := Check(a.NewModel, 90, cfg)
	d := Check(a.NewModel, 90, cfg)
	if c != d {
		t.Fatalf("Check not stable on downgraded model: %+v vs %+v", c, d)
	}
}

func TestDefaultMapping_noSelfLoops(t *testing.T) {
	for from, to := range DefaultMapping() {
		if from == to {
			t.Errorf("mapping %q -> %q is a self-loop", from, to)
		}
	}
}
