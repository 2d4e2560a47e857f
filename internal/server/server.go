// Package server is the HTTP API of the bus: topic and subscription
// management, publishing and operator endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/events"
	"github.com/lupppig/snsbus/internal/health"
	"github.com/lupppig/snsbus/internal/logging"
	"github.com/lupppig/snsbus/internal/topics"
	"github.com/lupppig/snsbus/internal/worker"
)

// Link routes mailed to subscribers. They carry no account id.
const (
	ConfirmPath     = "/v1/subscriptions/confirm"
	UnsubscribePath = "/v1/subscriptions/unsubscribe"
)

// maxPolicyBytes bounds delivery policy documents.
const maxPolicyBytes = 64 * 1024

type Dispatcher interface {
	Stats() worker.Stats
}

type EndpointHealth interface {
	Failing(threshold int) []health.EndpointStatus
}

type CacheSize interface {
	Len() int
}

type Options struct {
	Addr             string
	FailureThreshold int
	// Gatherer backs /metrics. nil selects the default registry.
	Gatherer prometheus.Gatherer
}

type Server struct {
	router   *gin.Engine
	http     *http.Server
	topics   *topics.Service
	dispatch Dispatcher
	health   EndpointHealth
	subs     CacheSize
	events   *events.Hub
	opts     Options
}

func New(t *topics.Service, dispatch Dispatcher, eh EndpointHealth, subs CacheSize, hub *events.Hub, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if hub == nil {
		hub = events.NewHub()
	}

	router := gin.New()
	router.Use(recovery(), requestLogger())

	s := &Server{
		router:   router,
		topics:   t,
		dispatch: dispatch,
		health:   eh,
		subs:     subs,
		events:   hub,
		opts:     opts,
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/v1")
	api.Use(NewIdentity(ConfirmPath, UnsubscribePath).Handler())
	{
		t := api.Group("/topics")
		{
			t.POST("", s.handleCreateTopic())
			t.GET("/:arn", s.handleGetTopic())
			t.DELETE("/:arn", s.handleDeleteTopic())
			t.PUT("/:arn/delivery-policy", s.handleSetTopicPolicy())
			t.GET("/:arn/subscriptions", s.handleListSubscriptions())
		}

		subs := api.Group("/subscriptions")
		{
			subs.POST("", s.handleSubscribe())
			subs.GET("/confirm", s.handleConfirm())
			subs.GET("/unsubscribe", s.handleUnsubscribeLink())
			subs.DELETE("/:arn", s.handleUnsubscribe())
			subs.PUT("/:arn/delivery-policy", s.handleSetSubscriptionPolicy())
		}

		api.POST("/publish", s.handlePublish())

		// operator views
		api.GET("/endpoints/failing", s.handleFailing())
		api.GET("/stats", s.handleStats())
		api.GET("/events", s.handleEvents())
	}
}

// writeError reports err as {"code","message"}. Client errors map to 4xx,
// everything else to 500.
func writeError(c *gin.Context, err error) {
	ce := domain.AsClientError(err)
	status := http.StatusBadRequest
	switch ce.Code {
	case domain.CodeNotFound:
		status = http.StatusNotFound
	case domain.CodeInternalError:
		status = http.StatusInternalServerError
		logging.FromContext(c.Request.Context()).Error("request failed",
			"code", "API_ERROR", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"code": ce.Code, "message": ce.Message})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": domain.CodeInvalidParameter, "message": msg})
}

type topicResponse struct {
	TopicArn       string                      `json:"topic_arn"`
	Name           string                      `json:"name"`
	OwnerID        string                      `json:"owner_id"`
	DeliveryPolicy *domain.TopicDeliveryPolicy `json:"delivery_policy,omitempty"`
	CreatedAt      time.Time                   `json:"created_at,omitzero"`
}

func toTopicResponse(t *domain.Topic) topicResponse {
	return topicResponse{
		TopicArn:       t.Arn,
		Name:           t.Name,
		OwnerID:        t.OwnerID,
		DeliveryPolicy: t.DeliveryPolicy,
		CreatedAt:      t.CreatedAt,
	}
}

type subscriptionResponse struct {
	SubscriptionArn string `json:"subscription_arn"`
	TopicArn        string `json:"topic_arn"`
	OwnerID         string `json:"owner_id"`
	Protocol        string `json:"protocol"`
	Endpoint        string `json:"endpoint"`
	RawDelivery     bool   `json:"raw_delivery"`
	Confirmed       bool   `json:"confirmed"`
}

func toSubscriptionResponse(s *domain.Subscription) subscriptionResponse {
	return subscriptionResponse{
		SubscriptionArn: s.EffectiveArn(),
		TopicArn:        s.TopicArn,
		OwnerID:         s.OwnerID,
		Protocol:        s.Protocol.String(),
		Endpoint:        s.Endpoint,
		RawDelivery:     s.RawDelivery,
		Confirmed:       s.Confirmed,
	}
}

type createTopicRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) handleCreateTopic() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createTopicRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "name is required")
			return
		}
		topic, err := s.topics.CreateTopic(c.Request.Context(), UserID(c), req.Name)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toTopicResponse(topic))
	}
}

func (s *Server) handleGetTopic() gin.HandlerFunc {
	return func(c *gin.Context) {
		topic, err := s.topics.GetTopic(c.Request.Context(), c.Param("arn"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toTopicResponse(topic))
	}
}

// handleDeleteTopic only lets the owner delete a topic.
func (s *Server) handleDeleteTopic() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		arn := c.Param("arn")
		topic, err := s.topics.GetTopic(ctx, arn)
		if err != nil {
			writeError(c, err)
			return
		}
		if topic.OwnerID != UserID(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    codeAuthorization,
				"message": "only the topic owner may delete it",
			})
			return
		}
		if err := s.topics.DeleteTopic(ctx, arn); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"topic_arn": arn})
	}
}

func readPolicy(c *gin.Context) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPolicyBytes+1))
	if err != nil || len(raw) == 0 || len(raw) > maxPolicyBytes {
		badRequest(c, "a delivery policy document is required")
		return nil, false
	}
	return raw, true
}

func (s *Server) handleSetTopicPolicy() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := readPolicy(c)
		if !ok {
			return
		}
		policy, err := s.topics.SetTopicDeliveryPolicy(c.Request.Context(), c.Param("arn"), raw)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, policy)
	}
}

func (s *Server) handleListSubscriptions() gin.HandlerFunc {
	return func(c *gin.Context) {
		subs, next, err := s.topics.ListSubscriptions(c.Request.Context(), c.Param("arn"), c.Query("next_token"))
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]subscriptionResponse, 0, len(subs))
		for i := range subs {
			out = append(out, toSubscriptionResponse(&subs[i]))
		}
		c.JSON(http.StatusOK, gin.H{"subscriptions": out, "next_token": next})
	}
}

type subscribeRequest struct {
	TopicArn       string          `json:"topic_arn" binding:"required"`
	Protocol       string          `json:"protocol" binding:"required"`
	Endpoint       string          `json:"endpoint" binding:"required"`
	RawDelivery    bool            `json:"raw_delivery"`
	DeliveryPolicy json.RawMessage `json:"delivery_policy,omitempty"`
}

func (s *Server) handleSubscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req subscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "topic_arn, protocol and endpoint are required")
			return
		}
		sub, err := s.topics.Subscribe(c.Request.Context(), topics.SubscribeInput{
			TopicArn:       req.TopicArn,
			OwnerID:        UserID(c),
			Protocol:       req.Protocol,
			Endpoint:       req.Endpoint,
			RawDelivery:    req.RawDelivery,
			DeliveryPolicy: req.DeliveryPolicy,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toSubscriptionResponse(sub))
	}
}

// handleConfirm serves the SubscribeURL sent in confirmation messages.
func (s *Server) handleConfirm() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := s.topics.ConfirmSubscription(c.Request.Context(), c.Query("TopicArn"), c.Query("Token"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toSubscriptionResponse(sub))
	}
}

// handleUnsubscribeLink serves the UnsubscribeURL sent with notifications.
func (s *Server) handleUnsubscribeLink() gin.HandlerFunc {
	return func(c *gin.Context) {
		arn := c.Query("SubscriptionArn")
		if arn == "" {
			badRequest(c, "SubscriptionArn is required")
			return
		}
		s.unsubscribe(c, arn)
	}
}

func (s *Server) handleUnsubscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.unsubscribe(c, c.Param("arn"))
	}
}

func (s *Server) unsubscribe(c *gin.Context, arn string) {
	if err := s.topics.Unsubscribe(c.Request.Context(), arn); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription_arn": arn})
}

func (s *Server) handleSetSubscriptionPolicy() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := readPolicy(c)
		if !ok {
			return
		}
		policy, err := s.topics.SetSubscriptionDeliveryPolicy(c.Request.Context(), c.Param("arn"), raw)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, policy)
	}
}

type publishRequest struct {
	TopicArn         string `json:"topic_arn"`
	Message          string `json:"message"`
	Subject          string `json:"subject,omitempty"`
	MessageStructure string `json:"message_structure,omitempty"`
}

func (s *Server) handlePublish() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req publishRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "request body must be a JSON object")
			return
		}
		id, err := s.topics.Publish(c.Request.Context(), topics.PublishInput{
			TopicArn:         req.TopicArn,
			UserID:           UserID(c),
			Message:          req.Message,
			Subject:          req.Subject,
			MessageStructure: req.MessageStructure,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message_id": id})
	}
}

func (s *Server) handleFailing() gin.HandlerFunc {
	return func(c *gin.Context) {
		var out []health.EndpointStatus
		if s.health != nil {
			out = s.health.Failing(s.opts.FailureThreshold)
		}
		if out == nil {
			out = []health.EndpointStatus{}
		}
		c.JSON(http.StatusOK, gin.H{"endpoints": out})
	}
}

func (s *Server) handleStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{
			"event_subscribers": s.events.SubscriberCount(),
			"events_published":  s.events.Published(),
		}
		if s.dispatch != nil {
			resp["dispatch"] = s.dispatch.Stats()
		}
		if s.subs != nil {
			resp["subscription_cache_keys"] = s.subs.Len()
		}
		c.JSON(http.StatusOK, resp)
	}
}

func recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logging.FromContext(c.Request.Context()).Error("handler panic",
					"code", "API_PANIC", "method", c.Request.Method, "path", c.Request.URL.Path, "panic", r)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    domain.CodeInternalError,
					"message": "internal server error",
				})
			}
		}()
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.FromContext(c.Request.Context()).Debug("request served",
			"code", "API_REQUEST",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
