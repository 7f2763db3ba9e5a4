package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackSink posts human-readable summaries of selected events to a
// Slack channel. It is an optional extra sink next to the Redis
// stream, not the primary delivery path.
type SlackSink struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackSink creates a sink posting to the given channel.
func NewSlackSink(botToken, channel string, logger *zap.Logger) *SlackSink {
	return &SlackSink{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

// Dispatch posts one message per summarizable event. Events without a
// human-readable form are skipped.
func (s *SlackSink) Dispatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		text := summarize(e)
		if text == "" {
			continue
		}
		_, _, err := s.client.PostMessageContext(ctx, s.channel,
			slack.MsgOptionText(text, false),
		)
		if err != nil {
			return fmt.Errorf("post to slack: %w", err)
		}
		s.logger.Debug("slack notification sent", zap.String("kind", string(e.Kind)))
	}
	return nil
}

func summarize(e Event) string {
	name, _ := e.Payload["workflow_name"].(string)
	if name == "" {
		name = e.WorkflowID
	}
	task, _ := e.Payload["task_name"].(string)

	switch e.Kind {
	case TaskAssigned:
		return fmt.Sprintf(":bell: *%s* — task %q assigned to %d performer(s)", name, task, len(e.Recipients))
	case WorkflowCompleted:
		return fmt.Sprintf(":white_check_mark: *%s* finished", name)
	case WorkflowDelayed:
		return fmt.Sprintf(":hourglass: *%s* delayed at %q", name, task)
	case WorkflowResumed:
		return fmt.Sprintf(":arrow_forward: *%s* resumed", name)
	default:
		return ""
	}
}
