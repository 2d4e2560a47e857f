package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/lupppig/snsbus/internal/backend"
	"github.com/lupppig/snsbus/internal/broker"
	brokernats "github.com/lupppig/snsbus/internal/broker/nats"
	"github.com/lupppig/snsbus/internal/config"
	"github.com/lupppig/snsbus/internal/events"
	"github.com/lupppig/snsbus/internal/grpcapi"
	"github.com/lupppig/snsbus/internal/health"
	"github.com/lupppig/snsbus/internal/httpclient"
	"github.com/lupppig/snsbus/internal/metrics"
	"github.com/lupppig/snsbus/internal/queue"
	"github.com/lupppig/snsbus/internal/server"
	"github.com/lupppig/snsbus/internal/store"
	"github.com/lupppig/snsbus/internal/subcache"
	"github.com/lupppig/snsbus/internal/topics"
	"github.com/lupppig/snsbus/internal/transport"
	"github.com/lupppig/snsbus/internal/worker"
)

type app struct {
	store    store.Store
	queues   queue.Transport
	topics   *topics.Service
	dispatch *worker.Service
	api      *server.Server
	registry *prometheus.Registry

	// grpc is nil when server.grpc_addr is empty.
	grpc *grpcapi.Server

	// forwarder is nil unless events.nats_url is set.
	forwarder *broker.Forwarder
	eventsPub broker.Publisher
}

// newApp builds the object graph. The publish queue names are known before
// Initialize since they derive from the prefix and count.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := backend.OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	queues, err := backend.OpenQueues(ctx, cfg.Queue)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open queues: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	client := httpclient.New(cfg.Transport.HTTPTimeout)
	registry := transport.NewRegistry(transport.Options{PublicURL: cfg.Server.PublicURL}, m,
		transport.NewHTTP(client),
		transport.NewHTTPS(client),
		transport.NewEmail(cfg.Transport.SMTPAddr, cfg.Transport.SMTPFrom, transport.SMTPSender),
		transport.NewEmailJSON(cfg.Transport.SMTPAddr, cfg.Transport.SMTPFrom, transport.SMTPSender),
		transport.NewSMS(client, cfg.Transport.SMSGatewayURL),
		transport.NewSQS(queues),
	)

	cacheOpts := subcache.Options{Enabled: cfg.Cache.Enabled, TTL: cfg.Cache.TTL, MaxKeys: cfg.Cache.MaxKeys}
	subs := subcache.New(st, cacheOpts, m)
	policies := subcache.NewPolicies(st, cfg.RetryPolicy(), cacheOpts, m)
	monitor := health.NewMonitor(cfg.Health.Window, cfg.Health.CleanupTolerance, m)
	hub := events.NewHub()

	dispatch := worker.New(worker.ConfigFrom(cfg), worker.Deps{
		Queues:   queues,
		Subs:     subs,
		Policies: policies,
		Sender:   registry,
		Health:   monitor,
		Events:   hub,
		Metrics:  m,
	})

	svc := topics.New(st, queues, registry, subs, policies, topics.Options{
		Region:          cfg.Server.Region,
		PublishQueues:   queue.Names(cfg.Queue.PublishQueuePrefix, cfg.Queue.NumPublishQueues),
		MaxMessageBytes: cfg.Message.MaxBytes,
		DefaultRetry:    cfg.RetryPolicy(),
	})

	api := server.New(svc, dispatch, monitor, subs, hub, server.Options{
		Addr:             cfg.Server.Addr,
		FailureThreshold: cfg.Health.FailureThreshold,
		Gatherer:         reg,
	})

	a := &app{
		store:    st,
		queues:   queues,
		topics:   svc,
		dispatch: dispatch,
		api:      api,
		registry: reg,
	}
	if cfg.Server.GRPCAddr != "" {
		a.grpc = grpcapi.New(grpcapi.Options{
			Overloaded: func() bool { return dispatch.Stats().Overloaded },
		})
	}
	if cfg.Events.NatsURL != "" {
		pub, err := brokernats.New(ctx, brokernats.Options{
			URL:    cfg.Events.NatsURL,
			Prefix: cfg.Events.SubjectPrefix,
			MaxAge: cfg.Events.MaxAge,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("open event stream: %w", err)
		}
		a.eventsPub = pub
		a.forwarder = broker.NewForwarder(hub, pub, cfg.Events.SubjectPrefix, cfg.Events.Buffer)
	}
	return a, nil
}

func (a *app) close() error {
	errs := []error{a.queues.Close(), a.store.Close()}
	if a.eventsPub != nil {
		errs = append(errs, a.eventsPub.Close())
	}
	return errors.Join(errs...)
}
