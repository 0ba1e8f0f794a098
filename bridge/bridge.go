// Package bridge consumes messages from a broker queue and publishes each
// one to the manager as a route for the client named in its metadata.
package bridge

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/chrishulbert/MegaComet/config"
	tp "github.com/chrishulbert/MegaComet/net/tcp/protocol"
)

// metadata key naming the destination client
const ClientIDKey = "client_id"

const (
	HandlerName  = "megacomet-bridge"
	CloseTimeout = time.Second * 3

	RetryMax             = 3
	RetryInitialInterval = time.Millisecond * 200
	RetryMaxInterval     = time.Second * 2
)

type Publisher interface {
	Publish(ctx context.Context, clientID string, payload []byte) (string, error)
}

type Options struct {
	Subscriber message.Subscriber
	Publisher  Publisher
	Topic      string

	// zero selects the package default, negative disables retries
	RetryMax int

	LogPrefix string
	LogDebug  bool
}

type Bridge struct {
	options *Options
	router  *message.Router
}

// NewAMQPSubscriber subscribes to the durable queue named by the topic passed to Subscribe.
func NewAMQPSubscriber(c *config.Config) (message.Subscriber, error) {
	sub, err := amqp.NewSubscriber(
		amqp.NewDurableQueueConfig(c.AmqpURI),
		watermill.NewStdLogger(c.LogDebug, false),
	)
	if err != nil {
		err = fmt.Errorf("%s: failed to create amqp subscriber, err=%w", c.LogPrefix, err)
		log.Printf("%s", err.Error())
		return nil, err
	}
	return sub, nil
}

func New(options *Options) (*Bridge, error) {
	if options.Subscriber == nil || options.Publisher == nil {
		err := fmt.Errorf("%s: Subscriber and Publisher required", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}
	if options.Topic == "" {
		err := fmt.Errorf("%s: invalid Topic", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}
	if options.RetryMax == 0 {
		options.RetryMax = RetryMax
	}

	router, err := message.NewRouter(
		message.RouterConfig{
			CloseTimeout: CloseTimeout,
		},
		watermill.NewStdLogger(options.LogDebug, false),
	)
	if err != nil {
		err = fmt.Errorf("%s: failed to create router, err=%w", options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	b := &Bridge{
		options: options,
		router:  router,
	}

	router.AddMiddleware(middleware.Recoverer)
	if options.RetryMax > 0 {
		router.AddMiddleware(
			middleware.Retry{
				MaxRetries:      options.RetryMax,
				InitialInterval: RetryInitialInterval,
				MaxInterval:     RetryMaxInterval,
				Multiplier:      2.0,
			}.Middleware,
		)
	}
	router.AddConsumerHandler(HandlerName, options.Topic, options.Subscriber, b.handle)

	return b, nil
}

// Run blocks until ctx is done or Close is called.
func (b *Bridge) Run(ctx context.Context) error {
	log.Printf("%s: consuming %s", b.options.LogPrefix, b.options.Topic)
	return b.router.Run(ctx)
}

// Running is closed once the router has started its handlers.
func (b *Bridge) Running() chan struct{} {
	return b.router.Running()
}

func (b *Bridge) Close() error {
	return b.router.Close()
}

// handle acks by returning nil; an error nacks for redelivery.
func (b *Bridge) handle(msg *message.Message) error {
	clientID := msg.Metadata.Get(ClientIDKey)

	id, err := b.options.Publisher.Publish(msg.Context(), clientID, msg.Payload)
	if err != nil {
		if tp.IsRouteRejected(err) {
			// redelivery cannot fix the message itself
			log.Printf("%s: message uuid=%s discarded, err=%s", b.options.LogPrefix, msg.UUID, err.Error())
			return nil
		}
		return err
	}

	if b.options.LogDebug {
		log.Printf("%s: message uuid=%s published as route id=%s for %q", b.options.LogPrefix, msg.UUID, id, clientID)
	}
	return nil
}
