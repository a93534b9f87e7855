package outbox

import (
	"context"
	"fmt"

	"github.com/relaykit/orchestra/pkg/db"
	"github.com/relaykit/orchestra/pkg/ingress"
	"github.com/relaykit/orchestra/pkg/masking"
)

// Sender delivers one effect's payload and returns a provider reference on
// success. Errors are classified by classifyFailure to decide retryability.
type Sender interface {
	Send(ctx context.Context, pluginInstanceID, channel string, payload []byte) (providerRef string, err error)
}

// PluginSender routes a send through the same ingress.Handler registry
// used for inbound webhooks, resolving a PluginInstance's type and
// decrypted config and delegating to its PostResponse — one plugin
// implementation serves both directions (§4.D calls this "the plugin's
// postResponse(payload)").
type PluginSender struct {
	instances *db.PluginInstanceRepo
	handlers  *ingress.Registry
	decoder   masking.Decoder
}

// NewPluginSender constructs a PluginSender.
func NewPluginSender(instances *db.PluginInstanceRepo, handlers *ingress.Registry, decoder masking.Decoder) *PluginSender {
	return &PluginSender{instances: instances, handlers: handlers, decoder: decoder}
}

var _ Sender = (*PluginSender)(nil)

// Send implements Sender.
func (s *PluginSender) Send(ctx context.Context, pluginInstanceID, channel string, payload []byte) (string, error) {
	instance, err := s.instances.Get(ctx, pluginInstanceID)
	if err != nil {
		return "", fmt.Errorf("outbox: load plugin instance %s: %w", pluginInstanceID, err)
	}
	if !instance.Enabled {
		return "", fmt.Errorf("outbox: plugin instance %s is disabled", pluginInstanceID)
	}

	handler, ok := s.handlers.Get(instance.Type)
	if !ok {
		return "", fmt.Errorf("outbox: no handler registered for plugin type %q", instance.Type)
	}

	decodedConfig, err := masking.DecodeJSONSecrets(s.decoder, instance.Config)
	if err != nil {
		return "", fmt.Errorf("outbox: decode plugin instance secrets: %w", err)
	}

	return handler.PostResponse(ctx, decodedConfig, channel, payload)
}
