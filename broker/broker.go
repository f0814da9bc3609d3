// Package broker is an in-process publish/subscribe hub for storage servers.
//
// It backs the server's channel subscriptions: every connection that subscribes to
// a channel gets a hub subscription, and the "publish" method fans data out to all
// of them. Delivery is asynchronous and ordered per subscriber.
package broker

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storage-rpc/logging"
	"storage-rpc/message"
	"storage-rpc/server"
)

// MethodPublish is the RPC method installed by Register.
const MethodPublish = "publish"

// Broker fans publications out to channel subscribers.
type Broker struct {
	hub    *pubsub.SimpleHub
	logger zerolog.Logger
}

// New returns a broker logging through logger.
func New(logger zerolog.Logger) *Broker {
	return &Broker{
		hub:    pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{Logger: logging.HubLogger{Logger: logger}}),
		logger: logger,
	}
}

// Default returns a broker using the global logger.
func Default() *Broker {
	return New(log.Logger.With().Str("component", "broker").Logger())
}

// Subscribe calls deliver for every publication on channel, or on any channel when
// channel is the wildcard. The returned function cancels the subscription.
func (b *Broker) Subscribe(channel string, deliver func(message.Publication)) func() {
	handler := func(topic string, data interface{}) {
		raw, ok := data.(json.RawMessage)
		if !ok {
			b.logger.Error().Str("channel", topic).Msgf("unexpected publication payload %T", data)
			return
		}
		deliver(message.Publication{Channel: topic, Data: raw})
	}
	if channel == message.Wildcard {
		return b.hub.SubscribeMatch(func(string) bool { return true }, handler)
	}
	return b.hub.Subscribe(channel, handler)
}

// Publish sends data to the subscribers of channel. data is JSON-encoded once up
// front; a json.RawMessage is forwarded untouched.
func (b *Broker) Publish(channel string, data any) error {
	raw, ok := data.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return errors.Annotatef(err, "encoding publication for %q", channel)
		}
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	b.hub.Publish(channel, raw)
	return nil
}

// Register installs the publish method on svr and makes the broker the server's
// subscription backend.
func (b *Broker) Register(svr *server.Server) {
	svr.SetPubSub(b)
	svr.Handle(MethodPublish, b.handlePublish)
}

// handlePublish implements publish(channel, data).
func (b *Broker) handlePublish(ctx context.Context, args []json.RawMessage, respond server.Responder) {
	if len(args) < 1 {
		respond(message.Errorf(message.CodeInvalidArgs, "publish needs a channel"), nil)
		return
	}
	var channel string
	if err := json.Unmarshal(args[0], &channel); err != nil {
		respond(message.Errorf(message.CodeInvalidArgs, "channel must be a string"), nil)
		return
	}
	data := json.RawMessage("null")
	if len(args) > 1 {
		data = args[1]
	}
	respond(b.Publish(channel, data), nil)
}
