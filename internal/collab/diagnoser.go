package collab

import (
	"context"
	"time"

	"github.com/ashureev/outreach/internal/domain"
	"github.com/ashureev/outreach/internal/healing"
)

const diagnoseTimeout = 15 * time.Second

// Diagnoser asks the agent service for a richer diagnosis of a failed attempt and for a
// post-mortem once a stage gave up.
type Diagnoser struct {
	client *Client
}

// Diagnoser returns a healing diagnoser backed by c.
func (c *Client) Diagnoser() *Diagnoser {
	return &Diagnoser{client: c}
}

type diagnoseRequest struct {
	Stage    string          `json:"stage"`
	Category string          `json:"category"`
	Status   int             `json:"status,omitempty"`
	Error    string          `json:"error"`
	Context  healing.Context `json:"context"`
}

// Diagnose implements healing.Diagnoser.
func (d *Diagnoser) Diagnose(ctx context.Context, stage string, failure *healing.Error, hc healing.Context) (domain.Diagnosis, error) {
	var out domain.Diagnosis
	err := d.client.post(ctx, "/v1/diagnose", diagnosisCall(), diagnoseRequest{
		Stage:    stage,
		Category: failure.Category(),
		Status:   failure.Status,
		Error:    failure.Error(),
		Context:  hc,
	}, &out)
	if err != nil {
		return domain.Diagnosis{}, err
	}
	return out, nil
}

type postMortemRequest struct {
	Stage    string                `json:"stage"`
	Attempts []domain.StageAttempt `json:"attempts"`
	Context  healing.Context       `json:"context"`
}

type postMortemResponse struct {
	Report string `json:"report"`
}

// PostMortem implements healing.PostMortemer.
func (d *Diagnoser) PostMortem(ctx context.Context, stage string, attempts []domain.StageAttempt, hc healing.Context) (string, error) {
	var out postMortemResponse
	err := d.client.post(ctx, "/v1/postmortem", diagnosisCall(), postMortemRequest{
		Stage:    stage,
		Attempts: attempts,
		Context:  hc,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Report, nil
}

// diagnosisCall is the call context for diagnosis requests. They never inherit the adapted
// context of the failing stage.
func diagnosisCall() healing.Context {
	return healing.Context{Timeout: diagnoseTimeout}
}
