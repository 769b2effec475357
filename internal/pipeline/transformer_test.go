package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-apn-service/internal/pipeline"
	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

func TestChangeEventTransformer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	testCases := []struct {
		name                  string
		payload               string
		expected              *pipeline.ChangeEvent
		expectedErrorContains string
	}{
		{
			name:    "Happy Path - full event",
			payload: `{"resource_key":"/CalDAV/calendars.example.com/user01/calendar/","data_changed_timestamp":1354815999,"priority":"low"}`,
			expected: &pipeline.ChangeEvent{
				ResourceKey:          "/CalDAV/calendars.example.com/user01/calendar/",
				DataChangedTimestamp: 1354815999,
				Priority:             push.PriorityLow,
			},
		},
		{
			name:    "Happy Path - priority defaults to high",
			payload: `{"resource_key":"/CardDAV/a/"}`,
			expected: &pipeline.ChangeEvent{
				ResourceKey: "/CardDAV/a/",
				Priority:    push.PriorityHigh,
			},
		},
		{
			name:                  "Failure - Malformed JSON",
			payload:               "not-json",
			expectedErrorContains: "failed to unmarshal change event",
		},
		{
			name:                  "Failure - Missing resource key",
			payload:               `{"priority":"high"}`,
			expectedErrorContains: "no resource key",
		},
		{
			name:                  "Failure - Unknown priority",
			payload:               `{"resource_key":"/CalDAV/a/","priority":"urgent"}`,
			expectedErrorContains: "unknown priority",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg := &messagepipeline.Message{
				MessageData: messagepipeline.MessageData{ID: "msg-1", Payload: []byte(tc.payload)},
			}
			event, skip, err := pipeline.ChangeEventTransformer(ctx, msg)

			if tc.expectedErrorContains != "" {
				require.Error(t, err)
				assert.True(t, skip)
				assert.Contains(t, err.Error(), tc.expectedErrorContains)
				return
			}
			require.NoError(t, err)
			assert.False(t, skip)
			assert.Equal(t, tc.expected, event)
		})
	}
}
