package channel

import (
	"context"
	"errors"
	"net/http"

	"github.com/slack-go/slack"

	"github.com/constitutional-mesh/iaer/pkg/types"
)

// Slack delivers via the Slack Web API using github.com/slack-go/slack.
// address is a channel ID or name.
type Slack struct {
	client          *slack.Client
	capacity        int
	refillPerSecond float64
}

// NewSlack builds a Slack channel adapter from a bot token. capacity and
// refillPerSecond describe Slack's tier-2 rate limits by default (1 req/s,
// burst 4) and can be overridden via Configure.
func NewSlack(token string, httpClient *http.Client) *Slack {
	opts := []slack.Option{}
	if httpClient != nil {
		opts = append(opts, slack.OptionHTTPClient(httpClient))
	}
	return &Slack{client: slack.New(token, opts...), capacity: 4, refillPerSecond: 1}
}

func (s *Slack) Kind() types.ChannelKind { return types.ChannelSlack }

func (s *Slack) RateLimit() (int, float64) { return s.capacity, s.refillPerSecond }

func (s *Slack) Send(ctx context.Context, renderedMessage string, address string) (Outcome, error) {
	_, _, err := s.client.PostMessageContext(ctx, address, slack.MsgOptionText(renderedMessage, false))
	if err == nil {
		return Delivered, nil
	}
	var rlErr *slack.RateLimitedError
	if errors.As(err, &rlErr) {
		return TransientError, err
	}
	if isTransientSlackError(err) {
		return TransientError, err
	}
	return PermanentError, err
}

func isTransientSlackError(err error) bool {
	// Slack's Web API reports an authoritative business error
	// ("channel_not_found", "invalid_auth", ...) as plain err.Error() text;
	// everything else (connection reset, context deadline, 5xx) is treated
	// as transport-level and retried.
	switch err.Error() {
	case "channel_not_found", "invalid_auth", "not_authed", "account_inactive":
		return false
	default:
		return true
	}
}
