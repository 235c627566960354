package workspace

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegate-server/internal/domain"
	"delegate-server/internal/testutil"
)

var testDefaults = Defaults{MaxReadRetries: 3, ReadRetryWait: 2 * time.Second}

func TestCalculateResult(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want bool
	}{
		{"none accepted", Context{NoneAccepted: true}, true},
		{"none accepted overrides missing inputs", Context{NoneAccepted: true, SourceAccepted: true, BinaryAccepted: true}, true},
		{"source accepted and extracted", Context{SourceAccepted: true, SourceExtracted: true}, true},
		{"source accepted not extracted", Context{SourceAccepted: true}, false},
		{"binary accepted and extracted", Context{BinaryAccepted: true, BinaryExtracted: true}, true},
		{"binary extracted but not accepted", Context{SourceAccepted: true, BinaryExtracted: true}, false},
		{"nothing accepted", Context{}, false},
		{"nothing accepted despite extracted inputs", Context{SourceExtracted: true, BinaryExtracted: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateResult(tt.ctx).Executable)
		})
	}
}

func TestCalculateResult_Monotonic(t *testing.T) {
	for mask := 0; mask < 1<<5; mask++ {
		c := Context{
			NoneAccepted:    mask&1 != 0,
			SourceAccepted:  mask&2 != 0,
			BinaryAccepted:  mask&4 != 0,
			SourceExtracted: mask&8 != 0,
			BinaryExtracted: mask&16 != 0,
		}
		got := CalculateResult(c).Executable
		if c.NoneAccepted {
			assert.True(t, got, "mask %05b", mask)
		}
		if !c.NoneAccepted && !c.SourceAccepted && !c.BinaryAccepted {
			assert.False(t, got, "mask %05b", mask)
		}
	}
}

func codeScanProduct(types ...domain.DataType) *domain.Product {
	return &domain.Product{ID: "PDS_CODESCAN", ScanType: "codeScan", SupportedDataTypes: types}
}

func TestCreatePreparationContext_WithoutModel(t *testing.T) {
	planner := NewPlanner(nil, testDefaults, slog.New(slog.DiscardHandler))
	job := &domain.Job{ID: "job-1"}

	c, err := planner.CreatePreparationContext(context.Background(), job,
		codeScanProduct(domain.DataTypeSource, domain.DataTypeBinary), nil)
	require.NoError(t, err)

	assert.True(t, c.SourceAccepted)
	assert.True(t, c.BinaryAccepted)
	assert.False(t, c.NoneAccepted)
	assert.False(t, c.SourceExtracted)
	assert.False(t, c.BinaryExtracted)
	assert.Equal(t, 3, c.MaxReadRetries)
	assert.Equal(t, 2*time.Second, c.ReadRetryWait)
}

func TestCreatePreparationContext_ModelNarrowsAcceptance(t *testing.T) {
	tests := []struct {
		name       string
		product    *domain.Product
		model      *domain.UpstreamModel
		hasModel   bool
		wantSource bool
		wantBinary bool
	}{
		{
			name:       "no model mirrors product",
			product:    codeScanProduct(domain.DataTypeSource, domain.DataTypeBinary),
			wantSource: true,
			wantBinary: true,
		},
		{
			name:    "model requires source only",
			product: codeScanProduct(domain.DataTypeSource, domain.DataTypeBinary),
			model: &domain.UpstreamModel{ScanTypes: map[string]domain.DataRequirement{
				"codeScan": {Source: true},
			}},
			hasModel:   true,
			wantSource: true,
		},
		{
			name:    "model requires binary the product does not accept",
			product: codeScanProduct(domain.DataTypeSource),
			model: &domain.UpstreamModel{ScanTypes: map[string]domain.DataRequirement{
				"codeScan": {Binary: true},
			}},
			hasModel: true,
		},
		{
			name:    "model without entry for scan type",
			product: codeScanProduct(domain.DataTypeSource, domain.DataTypeBinary),
			model: &domain.UpstreamModel{ScanTypes: map[string]domain.DataRequirement{
				"webScan": {Source: true, Binary: true},
			}},
			hasModel: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			models := &testutil.MockUpstreamModelProvider{
				ModelFn: func(_ context.Context, _ *domain.Job) (*domain.UpstreamModel, bool, error) {
					return tt.model, tt.hasModel, nil
				},
			}
			planner := NewPlanner(models, testDefaults, slog.New(slog.DiscardHandler))

			c, err := planner.CreatePreparationContext(context.Background(), &domain.Job{ID: "job-1"}, tt.product, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSource, c.SourceAccepted, "source")
			assert.Equal(t, tt.wantBinary, c.BinaryAccepted, "binary")
		})
	}
}

func TestCreatePreparationContext_ModelError(t *testing.T) {
	models := &testutil.MockUpstreamModelProvider{
		ModelFn: func(_ context.Context, _ *domain.Job) (*domain.UpstreamModel, bool, error) {
			return nil, false, errors.New("boom")
		},
	}
	planner := NewPlanner(models, testDefaults, slog.New(slog.DiscardHandler))

	_, err := planner.CreatePreparationContext(context.Background(), &domain.Job{ID: "job-1"}, codeScanProduct(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCreatePreparationContext_ReadSettings(t *testing.T) {
	tests := []struct {
		name        string
		params      []domain.JobParameter
		wantRetries int
		wantWait    time.Duration
	}{
		{"defaults", nil, 3, 2 * time.Second},
		{
			"job overrides",
			[]domain.JobParameter{{Key: ParamReadMaxRetries, Value: "7"}, {Key: ParamReadRetryWaitSeconds, Value: "10"}},
			7, 10 * time.Second,
		},
		{
			"invalid values fall back",
			[]domain.JobParameter{{Key: ParamReadMaxRetries, Value: "many"}, {Key: ParamReadRetryWaitSeconds, Value: "-1"}},
			3, 2 * time.Second,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner := NewPlanner(nil, testDefaults, slog.New(slog.DiscardHandler))
			cfg := &domain.JobConfiguration{Parameters: tt.params}

			c, err := planner.CreatePreparationContext(context.Background(), &domain.Job{ID: "job-1"}, codeScanProduct(), cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRetries, c.MaxReadRetries)
			assert.Equal(t, tt.wantWait, c.ReadRetryWait)
		})
	}
}
