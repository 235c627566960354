package workspace

import (
	"context"
	"encoding/json"

	"delegate-server/internal/domain"
)

// ParamUpstreamModel is the job parameter carrying the upstream
// configuration model as JSON.
const ParamUpstreamModel = "upstream.config.model"

// ConfigurationDecrypter reads the plaintext configuration of a job.
type ConfigurationDecrypter interface {
	DecryptConfiguration(job *domain.Job) (*domain.JobConfiguration, error)
}

var _ domain.UpstreamModelProvider = (*ParameterModelProvider)(nil)

// ParameterModelProvider reads the upstream model from the job's own
// encrypted configuration.
type ParameterModelProvider struct {
	configs ConfigurationDecrypter
}

// NewParameterModelProvider creates a ParameterModelProvider.
func NewParameterModelProvider(configs ConfigurationDecrypter) *ParameterModelProvider {
	return &ParameterModelProvider{configs: configs}
}

// Model implements domain.UpstreamModelProvider.
func (p *ParameterModelProvider) Model(_ context.Context, job *domain.Job) (*domain.UpstreamModel, bool, error) {
	cfg, err := p.configs.DecryptConfiguration(job)
	if err != nil {
		return nil, false, err
	}
	raw, ok := cfg.Parameter(ParamUpstreamModel)
	if !ok || raw == "" {
		return nil, false, nil
	}
	var model domain.UpstreamModel
	if err := json.Unmarshal([]byte(raw), &model); err != nil {
		return nil, false, domain.ErrNotAcceptable("job %s: invalid %s: %v", job.ID, ParamUpstreamModel, err)
	}
	return &model, true, nil
}
