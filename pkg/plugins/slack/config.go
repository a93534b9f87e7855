// Package slackplugin implements an ingress.Handler for Slack's Events API,
// grounded on the teacher's pkg/slack (goslack client, Block Kit message
// builders) but generalized from "notify a fixed channel about a session"
// to "parse an inbound Slack event into a WorkItem and post effects back".
package slackplugin

import (
	"encoding/json"
	"fmt"
)

// PluginType is this handler's registry key.
const PluginType = "slack"

// instanceConfig is the decrypted shape of a slack PluginInstance.Config.
type instanceConfig struct {
	// BotToken is a secret reference (e.g. "env:SLACK_BOT_TOKEN") resolved
	// by the ingress Router's masking.Decoder before ParseWebhook ever sees
	// this struct — by the time it's unmarshalled here it's the plaintext token.
	BotToken string `json:"bot_token"`

	// SigningSecret is Slack's request-signing secret. It is stored with the
	// instance config; no code in this module checks a request signature with it.
	SigningSecret string `json:"signing_secret"`

	// DefaultChannel is used by PostResponse when a payload doesn't name one.
	DefaultChannel string `json:"default_channel"`
}

func parseInstanceConfig(raw []byte) (*instanceConfig, error) {
	var cfg instanceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("slack plugin: invalid instance config: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *instanceConfig) error {
	if cfg.BotToken == "" {
		return fmt.Errorf("slack plugin: bot_token is required")
	}
	if cfg.DefaultChannel == "" {
		return fmt.Errorf("slack plugin: default_channel is required")
	}
	return nil
}
