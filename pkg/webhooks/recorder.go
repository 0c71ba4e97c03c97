package webhooks

import (
	"context"
	"time"
)

// Attempt outcome labels reported to a Recorder
const (
	OutcomeLabelSuccess   = "success"
	OutcomeLabelRetry     = "retry"
	OutcomeLabelGiveUp    = "give_up"
	OutcomeLabelStoreFail = "store_error"
	OutcomeLabelSkipped   = "skipped"
)

// Recorder receives delivery metrics
type Recorder interface {
	RecordTrigger(ctx context.Context, eventType string, matched int)
	RecordAttempt(ctx context.Context, eventType, outcome string, duration time.Duration)
	RecordSweep(ctx context.Context, records int)
	SetQueueDepth(depth int)
}

type nopRecorder struct{}

func (nopRecorder) RecordTrigger(context.Context, string, int)                   {}
func (nopRecorder) RecordAttempt(context.Context, string, string, time.Duration) {}
func (nopRecorder) RecordSweep(context.Context, int)                             {}
func (nopRecorder) SetQueueDepth(int)                                            {}
