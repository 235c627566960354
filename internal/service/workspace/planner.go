// Package workspace decides whether a job can be launched with the input
// data available to it and prepares the job's working directory.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"delegate-server/internal/domain"
)

// Job parameters overriding the server's storage read defaults.
const (
	ParamReadMaxRetries       = "storage.read.max.retries"
	ParamReadRetryWaitSeconds = "storage.read.retry.wait.seconds"
)

// Defaults are the server-wide storage read settings.
type Defaults struct {
	MaxReadRetries int
	ReadRetryWait  time.Duration
}

// Context is the preparation plan of one job.
type Context struct {
	JobID    string
	ScanType string

	NoneAccepted   bool
	SourceAccepted bool
	BinaryAccepted bool

	SourceExtracted bool
	BinaryExtracted bool

	MaxReadRetries int
	ReadRetryWait  time.Duration
}

// Result is the launch decision for a prepared context.
type Result struct {
	Executable bool
}

// CalculateResult decides whether a job with context c can be launched:
// either it needs no input, or an input kind it accepts was extracted.
func CalculateResult(c Context) Result {
	executable := c.NoneAccepted ||
		(c.SourceAccepted && c.SourceExtracted) ||
		(c.BinaryAccepted && c.BinaryExtracted)
	return Result{Executable: executable}
}

// Planner builds preparation contexts.
type Planner struct {
	models   domain.UpstreamModelProvider
	defaults Defaults
	logger   *slog.Logger
}

// NewPlanner creates a Planner. models may be nil when no upstream model
// is ever available.
func NewPlanner(models domain.UpstreamModelProvider, defaults Defaults, logger *slog.Logger) *Planner {
	return &Planner{models: models, defaults: defaults, logger: logger.With("component", "workspace-planner")}
}

// CreatePreparationContext derives the accepted input kinds of job from
// product and, when the job carries an upstream model, narrows SOURCE and
// BINARY to what the model requires for the product's scan type. cfg may
// be nil, in which case the server defaults apply.
func (p *Planner) CreatePreparationContext(ctx context.Context, job *domain.Job, product *domain.Product, cfg *domain.JobConfiguration) (Context, error) {
	c := Context{
		JobID:          job.ID,
		ScanType:       product.ScanType,
		NoneAccepted:   product.Accepts(domain.DataTypeNone),
		SourceAccepted: product.Accepts(domain.DataTypeSource),
		BinaryAccepted: product.Accepts(domain.DataTypeBinary),
	}

	if p.models != nil {
		model, ok, err := p.models.Model(ctx, job)
		if err != nil {
			return Context{}, fmt.Errorf("resolve upstream model for job %s: %w", job.ID, err)
		}
		if ok {
			c.SourceAccepted = c.SourceAccepted && model.RequiresSource(product.ScanType)
			c.BinaryAccepted = c.BinaryAccepted && model.RequiresBinary(product.ScanType)
		}
	}

	c.MaxReadRetries, c.ReadRetryWait = p.readSettings(job.ID, cfg)
	return c, nil
}

func (p *Planner) readSettings(jobID string, cfg *domain.JobConfiguration) (int, time.Duration) {
	retries, wait := p.defaults.MaxReadRetries, p.defaults.ReadRetryWait
	if cfg == nil {
		return retries, wait
	}
	if v, ok := cfg.Parameter(ParamReadMaxRetries); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			p.logger.Warn("ignoring invalid job parameter", "job_id", jobID, "key", ParamReadMaxRetries, "value", v)
		} else {
			retries = n
		}
	}
	if v, ok := cfg.Parameter(ParamReadRetryWaitSeconds); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			p.logger.Warn("ignoring invalid job parameter", "job_id", jobID, "key", ParamReadRetryWaitSeconds, "value", v)
		} else {
			wait = time.Duration(n) * time.Second
		}
	}
	return retries, wait
}
