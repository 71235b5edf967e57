package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterValidation(t *testing.T) {
	t.Parallel()

	valid := func() StageDescriptor {
		return fastDescriptor("vulnerability_analysis", succeeding("vulnerability_analysis", nil), true)
	}

	tests := []struct {
		name    string
		mutate  func(*StageDescriptor)
		wantErr string
	}{
		{
			name:    "missing name",
			mutate:  func(d *StageDescriptor) { d.Name = "" },
			wantErr: "requires a name",
		},
		{
			name:    "nil capability",
			mutate:  func(d *StageDescriptor) { d.Capability = nil },
			wantErr: "no capability",
		},
		{
			name: "required stage with trigger",
			mutate: func(d *StageDescriptor) {
				d.Trigger = func(*AnalysisContext) bool { return true }
			},
			wantErr: "cannot carry a trigger",
		},
		{
			name:    "zero timeout",
			mutate:  func(d *StageDescriptor) { d.Timeout = 0 },
			wantErr: "positive timeout",
		},
		{
			name:    "negative retries",
			mutate:  func(d *StageDescriptor) { d.MaxRetries = -1 },
			wantErr: "negative max retries",
		},
		{
			name:    "negative base delay",
			mutate:  func(d *StageDescriptor) { d.BaseDelay = -time.Second },
			wantErr: "negative base delay",
		},
		{
			name:    "multiplier below one",
			mutate:  func(d *StageDescriptor) { d.BackoffMultiplier = 0.5 },
			wantErr: "multiplier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewRegistry()
			d := valid()
			tt.mutate(&d)
			err := r.Register(d)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(fastDescriptor("synthesis", succeeding("synthesis", nil), true)))
	err := r.Register(fastDescriptor("synthesis", succeeding("synthesis", nil), true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registered twice")
}

func TestRegistryPreservesOrder(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	names := []string{"vulnerability_analysis", "supplychain_analysis", "synthesis"}
	for _, n := range names {
		require.NoError(t, r.Register(fastDescriptor(n, succeeding(n, nil), true)))
	}

	stages := r.Stages()
	require.Len(t, stages, len(names))
	for i, n := range names {
		assert.Equal(t, n, stages[i].Name)
	}
	assert.Equal(t, "synthesis", r.SynthesisStage())
	assert.Equal(t, 3, r.Len())
}

func TestRegistryValidateRequiresRequiredFinalStage(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		assert.Error(t, NewRegistry().Validate())
	})

	t.Run("optional tail", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(fastDescriptor("vulnerability_analysis", succeeding("vulnerability_analysis", nil), true)))
		d := fastDescriptor("reputation_analysis", succeeding("reputation_analysis", nil), false)
		d.Trigger = func(*AnalysisContext) bool { return true }
		require.NoError(t, r.Register(d))
		assert.Error(t, r.Validate())
	})

	t.Run("required tail", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(fastDescriptor("synthesis", succeeding("synthesis", nil), true)))
		assert.NoError(t, r.Validate())
	})
}

func TestRegistryWorstCaseDuration(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(StageDescriptor{
		Name:              "vulnerability_analysis",
		Capability:        succeeding("vulnerability_analysis", nil),
		Required:          true,
		Timeout:           30 * time.Second,
		MaxRetries:        2,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2.0,
	}))

	// 3 attempts x 30s plus waits of 1s and 2s.
	assert.Equal(t, 93*time.Second, r.WorstCaseDuration())
}
