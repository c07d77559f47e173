// Package events publishes batch pipeline events to EventBridge.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

const (
	// Source is the EventBridge source of every pipeline event.
	Source = "media-batch"

	// DetailTypeChunkReady announces a staged chunk whose manifest is
	// ready for inference submission.
	DetailTypeChunkReady = "BatchChunkReady"
)

// API is the EventBridge call used by Publisher.
type API interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, opts ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

var _ API = (*eventbridge.Client)(nil)

// ChunkReady is the detail of a BatchChunkReady event.
type ChunkReady struct {
	JobID          string `json:"jobId"`
	RunToken       string `json:"runToken"`
	ChunkIndex     int    `json:"chunkIndex"`
	AnalysisType   string `json:"analysisType"`
	Bucket         string `json:"bucket"`
	StorageFolder  string `json:"storageFolder"`
	ManifestKey    string `json:"manifestKey"`
	OutputPrefix   string `json:"outputPrefix"`
	FileCount      int    `json:"fileCount"`
	TotalSizeBytes int64  `json:"totalSizeBytes"`
}

// Publisher sends events to one bus. An empty bus name uses the account's
// default bus.
type Publisher struct {
	client  API
	busName string
}

// NewPublisher creates a Publisher.
func NewPublisher(client API, busName string) *Publisher {
	return &Publisher{client: client, busName: busName}
}

// PublishChunkReady emits one BatchChunkReady event. A failed entry is
// returned as an error.
func (p *Publisher) PublishChunkReady(ctx context.Context, ev ChunkReady) error {
	detail, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal ChunkReady: %w", err)
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(Source),
		DetailType: aws.String(DetailTypeChunkReady),
		Detail:     aws.String(string(detail)),
		Resources:  []string{"arn:aws:s3:::" + ev.Bucket + "/" + ev.ManifestKey},
	}
	if p.busName != "" {
		entry.EventBusName = aws.String(p.busName)
	}

	result, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).Str("job", ev.JobID).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, e := range result.Entries {
			if e.ErrorCode != nil || e.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(e.ErrorCode)).
					Str("errorMessage", aws.ToString(e.ErrorMessage)).
					Str("job", ev.JobID).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
			}
		}
		return fmt.Errorf("PutEvents: %d entries failed", result.FailedEntryCount)
	}

	log.Debug().Str("job", ev.JobID).Str("folder", ev.StorageFolder).Msg("ChunkReady emitted to EventBridge")
	return nil
}
