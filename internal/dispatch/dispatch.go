// Package dispatch hands work to the batch worker Lambda asynchronously.
// Invocations use InvocationType=Event, so the caller returns as soon as
// Lambda has queued the event.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/rs/zerolog/log"
)

// Worker event types.
const (
	TypePrepare = "prepare"
	TypeIngest  = "ingest"
	TypeCleanup = "cleanup"
)

// ErrNotConfigured is returned when no worker function is set.
var ErrNotConfigured = errors.New("worker lambda not configured")

// Event is the payload the batch worker Lambda receives.
type Event struct {
	Type         string   `json:"type"`
	RunToken     string   `json:"runToken,omitempty"`
	AnalysisType string   `json:"analysisType,omitempty"`
	FileIDs      []string `json:"fileIds,omitempty"`
	JobID        string   `json:"jobId,omitempty"`
	DryRun       bool     `json:"dryRun,omitempty"`
	LegacyDays   int      `json:"legacyDays,omitempty"`
}

// Validate checks the fields each type requires.
func (e Event) Validate() error {
	switch e.Type {
	case TypePrepare:
		if e.RunToken == "" || len(e.FileIDs) == 0 {
			return errors.New("prepare event needs runToken and fileIds")
		}
	case TypeIngest:
		if e.JobID == "" {
			return errors.New("ingest event needs jobId")
		}
	case TypeCleanup:
		if e.LegacyDays < 0 {
			return errors.New("legacyDays must not be negative")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// API is the Lambda call used by Dispatcher.
type API interface {
	Invoke(ctx context.Context, in *lambdasvc.InvokeInput, opts ...func(*lambdasvc.Options)) (*lambdasvc.InvokeOutput, error)
}

var _ API = (*lambdasvc.Client)(nil)

// Dispatcher invokes the worker function.
type Dispatcher struct {
	client   API
	function string
}

// New creates a Dispatcher for the function name or ARN.
func New(client API, function string) *Dispatcher {
	return &Dispatcher{client: client, function: function}
}

// Invoke validates ev and sends it asynchronously.
func (d *Dispatcher) Invoke(ctx context.Context, ev Event) error {
	if d == nil || d.client == nil || d.function == "" {
		return ErrNotConfigured
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal worker event: %w", err)
	}

	log.Debug().Int("payloadSize", len(payload)).Str("type", ev.Type).Msg("Invoking batch worker asynchronously")

	out, err := d.client.Invoke(ctx, &lambdasvc.InvokeInput{
		FunctionName:   aws.String(d.function),
		InvocationType: lambdatypes.InvocationTypeEvent,
		Payload:        payload,
	})
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("Failed to invoke batch worker")
		return fmt.Errorf("invoke worker lambda: %w", err)
	}
	if out.FunctionError != nil {
		return fmt.Errorf("invoke worker lambda: %s", aws.ToString(out.FunctionError))
	}

	log.Info().
		Str("type", ev.Type).
		Str("runToken", ev.RunToken).
		Str("jobId", ev.JobID).
		Int32("status", out.StatusCode).
		Msg("Batch worker invoked asynchronously")
	return nil
}
