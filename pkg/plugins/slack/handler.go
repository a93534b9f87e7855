package slackplugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/relaykit/orchestra/pkg/ingress"
	"github.com/relaykit/orchestra/pkg/models"
)

// envelope captures the top-level fields of a Slack Events API delivery that
// slackevents.EventsAPIEvent doesn't itself expose (event_id/event_time),
// used for idempotency keys.
type envelope struct {
	EventID   string `json:"event_id"`
	EventTime int64  `json:"event_time"`
}

// Handler parses Slack Events API callbacks into WorkItems and posts
// responses back to Slack via chat.postMessage.
type Handler struct {
	postTimeout time.Duration
}

// New constructs the Slack ingress.Handler.
func New() *Handler {
	return &Handler{postTimeout: 10 * time.Second}
}

var _ ingress.Handler = (*Handler)(nil)

// PluginType implements ingress.Handler.
func (h *Handler) PluginType() string { return PluginType }

// ValidateConfig implements ingress.Handler.
func (h *Handler) ValidateConfig(config []byte) error {
	cfg, err := parseInstanceConfig(config)
	if err != nil {
		return err
	}
	return validate(cfg)
}

// ParseWebhook implements ingress.Handler. It handles the two Slack Events
// API callback shapes the spec cares about: url_verification (synchronous
// challenge echo, no work item) and message callbacks (produce a WorkItem).
func (h *Handler) ParseWebhook(_ context.Context, instanceConfig []byte, req *ingress.Request) (*ingress.ParseResult, error) {
	if _, err := parseInstanceConfig(instanceConfig); err != nil {
		return nil, err
	}

	apiEvent, err := slackevents.ParseEvent(json.RawMessage(req.RawBody), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, fmt.Errorf("slack plugin: parse event: %w", err)
	}

	switch apiEvent.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(req.RawBody, &challenge); err != nil {
			return nil, fmt.Errorf("slack plugin: parse url_verification challenge: %w", err)
		}
		return &ingress.ParseResult{
			ShouldProcess: false,
			SkipReason:    "url_verification",
			WebhookResponse: &ingress.WebhookResponse{
				StatusCode:  200,
				ContentType: "text/plain",
				Body:        []byte(challenge.Challenge),
			},
		}, nil

	case slackevents.CallbackEvent:
		return h.parseCallback(req.RawBody, apiEvent)

	default:
		return &ingress.ParseResult{ShouldProcess: false, SkipReason: "unrecognized_event_type"}, nil
	}
}

func (h *Handler) parseCallback(raw []byte, apiEvent slackevents.EventsAPIEvent) (*ingress.ParseResult, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("slack plugin: parse event envelope: %w", err)
	}

	msgEvent, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return &ingress.ParseResult{ShouldProcess: false, SkipReason: "unsupported_inner_event"}, nil
	}
	// Ignore bot-authored messages (including our own replies) to avoid a
	// feedback loop of the orchestrator replying to itself.
	if msgEvent.BotID != "" || msgEvent.SubType == "bot_message" {
		return &ingress.ParseResult{ShouldProcess: false, SkipReason: "bot_authored"}, nil
	}

	threadTS := msgEvent.ThreadTimeStamp
	if threadTS == "" {
		threadTS = msgEvent.TimeStamp
	}
	sessionKey := fmt.Sprintf("%s:%s", msgEvent.Channel, threadTS)

	payload, err := json.Marshal(msgEvent)
	if err != nil {
		return nil, fmt.Errorf("slack plugin: marshal message event: %w", err)
	}

	respContext, err := json.Marshal(map[string]string{"channel": msgEvent.Channel, "thread_ts": threadTS})
	if err != nil {
		return nil, fmt.Errorf("slack plugin: marshal response context: %w", err)
	}

	idempotencyKey := env.EventID
	if idempotencyKey == "" {
		idempotencyKey = fmt.Sprintf("%s:%s", msgEvent.Channel, msgEvent.TimeStamp)
	}

	return &ingress.ParseResult{
		ShouldProcess: true,
		WorkItem: &models.WorkItem{
			SessionKey: sessionKey,
			Source:     PluginType,
			SourceRef:  msgEvent.TimeStamp,
			Title:      truncate(msgEvent.Text, 120),
			Payload:    payload,
		},
		IdempotencyKeys: []string{idempotencyKey},
		IngressEventID:  idempotencyKey,
		ResponseContext: respContext,
		Actor:           &ingress.Actor{Kind: "user", Handle: msgEvent.User},
	}, nil
}

// PostResponse implements ingress.Handler, posting payload's "text" field
// to the payload's "channel" (DefaultChannel when empty), threaded under its
// "thread_ts" when set. The channel argument appears only in error messages.
func (h *Handler) PostResponse(ctx context.Context, instanceConfig []byte, channel string, payload []byte) (string, error) {
	cfg, err := parseInstanceConfig(instanceConfig)
	if err != nil {
		return "", err
	}

	var body struct {
		Channel  string `json:"channel"`
		ThreadTS string `json:"thread_ts"`
		Text     string `json:"text"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", fmt.Errorf("slack plugin: parse effect payload: %w", err)
	}
	target := body.Channel
	if target == "" {
		target = cfg.DefaultChannel
	}

	ctx, cancel := context.WithTimeout(ctx, h.postTimeout)
	defer cancel()

	api := goslack.New(cfg.BotToken)
	opts := []goslack.MsgOption{
		goslack.MsgOptionText(body.Text, false),
	}
	if body.ThreadTS != "" {
		opts = append(opts, goslack.MsgOptionTS(body.ThreadTS))
	}
	_, ts, err := api.PostMessageContext(ctx, target, opts...)
	if err != nil {
		return "", fmt.Errorf("slack plugin: chat.postMessage (channel=%s): %w", channel, err)
	}
	return ts, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
