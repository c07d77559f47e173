package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLambda struct {
	inputs []*lambdasvc.InvokeInput
	err    error
}

func (f *fakeLambda) Invoke(_ context.Context, in *lambdasvc.InvokeInput, _ ...func(*lambdasvc.Options)) (*lambdasvc.InvokeOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &lambdasvc.InvokeOutput{StatusCode: 202}, nil
}

func TestInvoke_Async(t *testing.T) {
	fake := &fakeLambda{}
	ev := Event{Type: TypePrepare, RunToken: "20250301T120000", AnalysisType: "combined", FileIDs: []string{"a", "b"}}

	require.NoError(t, New(fake, "arn:aws:lambda:us-east-1:1:function:batch-worker").Invoke(context.Background(), ev))
	require.Len(t, fake.inputs, 1)
	assert.Equal(t, lambdatypes.InvocationTypeEvent, fake.inputs[0].InvocationType)
	assert.Equal(t, "arn:aws:lambda:us-east-1:1:function:batch-worker", aws.ToString(fake.inputs[0].FunctionName))

	var got Event
	require.NoError(t, json.Unmarshal(fake.inputs[0].Payload, &got))
	assert.Equal(t, ev, got)
}

func TestInvoke_NotConfigured(t *testing.T) {
	assert.ErrorIs(t, New(&fakeLambda{}, "").Invoke(context.Background(), Event{Type: TypeCleanup}), ErrNotConfigured)

	var d *Dispatcher
	assert.ErrorIs(t, d.Invoke(context.Background(), Event{Type: TypeCleanup}), ErrNotConfigured)
}

func TestInvoke_Error(t *testing.T) {
	fake := &fakeLambda{err: errors.New("TooManyRequestsException")}
	err := New(fake, "fn").Invoke(context.Background(), Event{Type: TypeIngest, JobID: "j"})
	assert.ErrorContains(t, err, "TooManyRequestsException")
}

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		ok   bool
	}{
		{"prepare", Event{Type: TypePrepare, RunToken: "r", FileIDs: []string{"a"}}, true},
		{"prepare without files", Event{Type: TypePrepare, RunToken: "r"}, false},
		{"ingest", Event{Type: TypeIngest, JobID: "j"}, true},
		{"ingest without job", Event{Type: TypeIngest}, false},
		{"cleanup", Event{Type: TypeCleanup, DryRun: true}, true},
		{"cleanup negative days", Event{Type: TypeCleanup, LegacyDays: -1}, false},
		{"unknown", Event{Type: "triage"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
