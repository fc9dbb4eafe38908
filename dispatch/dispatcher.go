// Package dispatch carries out interpreter actions against the external
// providers: the messaging gateway, the AI completion service, the contact
// tagging API, the human-handoff queue, and tenant webhooks.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/go-resty/resty/v2"
	"github.com/inboxflow/inboxflow/config"
	"github.com/inboxflow/inboxflow/logger"
	"github.com/inboxflow/inboxflow/model"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 30 * time.Second

// ProviderDispatcher is the production dispatcher. Each provider gets its own
// resty client carrying base URL, auth, and bounded retry with backoff;
// whatever still fails after the retries is classified for the engine:
// HTTP 4xx is permanent, 5xx and transport errors are retryable.
type ProviderDispatcher struct {
	messaging *resty.Client
	ai        *resty.Client
	tag       *resty.Client
	transfer  *resty.Client
	webhook   *resty.Client
}

func NewProviderDispatcher(cfg config.ProviderConfig) *ProviderDispatcher {
	build := func(baseURL string) *resty.Client {
		client := resty.New().
			SetTimeout(defaultRequestTimeout).
			SetRetryCount(cfg.RetryCount).
			SetRetryWaitTime(cfg.RetryWaitTime)
		if baseURL != "" {
			client.SetBaseURL(baseURL)
		}
		if cfg.APIKey != "" {
			client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
		}
		return client
	}
	return &ProviderDispatcher{
		messaging: build(cfg.MessagingURL),
		ai:        build(cfg.AIURL),
		tag:       build(cfg.TagURL),
		transfer:  build(cfg.TransferURL),
		webhook: resty.New().
			SetTimeout(defaultRequestTimeout).
			SetRetryCount(cfg.RetryCount).
			SetRetryWaitTime(cfg.RetryWaitTime),
	}
}

func (d *ProviderDispatcher) Dispatch(ctx context.Context, session *model.FlowSession, action model.Action) model.ActionResult {
	result := model.ActionResult{NodeId: action.NodeId, Kind: action.Kind}
	switch action.Kind {
	case model.ACTION_SEND_MESSAGE:
		d.sendMessage(ctx, action.SendMessage, &result)
	case model.ACTION_CALL_AI:
		d.callAI(ctx, action.CallAI, &result)
	case model.ACTION_CALL_WEBHOOK:
		d.callWebhook(ctx, action.CallWebhook, &result)
	case model.ACTION_APPLY_TAG:
		d.applyTag(ctx, action.ApplyTag, &result)
	case model.ACTION_TRANSFER:
		d.transferChat(ctx, action.Transfer, &result)
	default:
		result.Err = fmt.Sprintf("unknown action kind %s", action.Kind)
	}
	if !result.Ok {
		logger.Warn("action dispatch failed",
			zap.String("session", session.Id),
			zap.String("kind", string(action.Kind)),
			zap.String("node", action.NodeId),
			zap.Bool("retryable", result.Retryable),
			zap.String("err", result.Err))
	}
	return result
}

func (d *ProviderDispatcher) sendMessage(ctx context.Context, a *model.SendMessageAction, result *model.ActionResult) {
	if d.messaging.BaseURL == "" {
		result.Err = "messaging provider not configured"
		return
	}
	resp, err := d.messaging.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"channelInstanceId": a.ChannelInstanceId,
			"contactId":         a.ContactId,
			"content":           a.Content,
			"mediaUrl":          a.MediaURL,
		}).
		Post("/messages")
	classify(resp, err, result)
}

func (d *ProviderDispatcher) callAI(ctx context.Context, a *model.CallAIAction, result *model.ActionResult) {
	if d.ai.BaseURL == "" {
		result.Err = "ai provider not configured"
		return
	}
	resp, err := d.ai.R().
		SetContext(ctx).
		SetBody(map[string]any{"prompt": a.Prompt}).
		Post("/completions")
	classify(resp, err, result)
	if !result.Ok {
		return
	}
	parsed, parseErr := gabs.ParseJSON(resp.Body())
	if parseErr != nil {
		result.Output = string(resp.Body())
		return
	}
	if output, ok := parsed.Path("output").Data().(string); ok {
		result.Output = output
		return
	}
	result.Output = string(resp.Body())
}

func (d *ProviderDispatcher) callWebhook(ctx context.Context, a *model.CallWebhookAction, result *model.ActionResult) {
	req := d.webhook.R().SetContext(ctx)
	if a.Method != "GET" {
		req.SetBody(a.Payload)
	}
	resp, err := req.Execute(a.Method, a.URL)
	classify(resp, err, result)
	if !result.Ok {
		return
	}
	// A webhook may deposit session variables by returning
	// {"variables": {...}} in its response body.
	parsed, parseErr := gabs.ParseJSON(resp.Body())
	if parseErr != nil {
		return
	}
	if vars, ok := parsed.Path("variables").Data().(map[string]any); ok {
		result.Variables = vars
	}
}

func (d *ProviderDispatcher) applyTag(ctx context.Context, a *model.ApplyTagAction, result *model.ActionResult) {
	if d.tag.BaseURL == "" {
		result.Err = "tag provider not configured"
		return
	}
	resp, err := d.tag.R().
		SetContext(ctx).
		SetBody(map[string]any{"contactId": a.ContactId, "tagId": a.TagId}).
		Post("/tags")
	classify(resp, err, result)
}

func (d *ProviderDispatcher) transferChat(ctx context.Context, a *model.TransferAction, result *model.ActionResult) {
	if d.transfer.BaseURL == "" {
		result.Err = "transfer provider not configured"
		return
	}
	resp, err := d.transfer.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"contactId":         a.ContactId,
			"channelInstanceId": a.ChannelInstanceId,
			"department":        a.Department,
			"note":              a.Note,
		}).
		Post("/transfers")
	classify(resp, err, result)
}

func classify(resp *resty.Response, err error, result *model.ActionResult) {
	if err != nil {
		result.Retryable = true
		result.Err = err.Error()
		return
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		result.Ok = true
	case code >= 500:
		result.Retryable = true
		result.Err = fmt.Sprintf("provider returned %d: %s", code, resp.String())
	default:
		result.Err = fmt.Sprintf("provider rejected request with %d: %s", code, resp.String())
	}
}
