package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
)

const submissionEventBufferSize = 16

// SubmissionEvents fans submission state changes out to local subscribers and
// to other processes over redis pub/sub and NATS.
type SubmissionEvents interface {
	Publish(ctx context.Context, submission models.Submission)
	Subscribe(submissionID uint) (<-chan dto.SubmissionEvent, func())
	Start(ctx context.Context)
}

type submissionEventEnvelope struct {
	Source string              `json:"source"`
	Event  dto.SubmissionEvent `json:"event"`
	SentAt time.Time           `json:"sent_at"`
}

type submissionEvents struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string

	mu          sync.RWMutex
	subscribers map[uint]map[chan dto.SubmissionEvent]struct{}
}

// NewSubmissionEvents constructs the publisher. Either broker may be nil.
func NewSubmissionEvents(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) SubmissionEvents {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":submissions"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".submissions"
	}

	return &submissionEvents{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "submission_events").Logger(),
		nodeID:       uuid.NewString(),
		subscribers:  make(map[uint]map[chan dto.SubmissionEvent]struct{}),
	}
}

// Start consumes events published by other processes. NATS is preferred
// when connected so an event is not delivered twice.
func (s *submissionEvents) Start(ctx context.Context) {
	switch {
	case s.nats != nil && s.natsSubject != "":
		go s.consumeNATS(ctx)
	case s.redis != nil && s.redisChannel != "":
		go s.consumeRedis(ctx)
	}
}

func (s *submissionEvents) Publish(ctx context.Context, submission models.Submission) {
	event := dto.NewSubmissionEvent(submission)
	s.broadcast(event)

	payload, err := json.Marshal(submissionEventEnvelope{Source: s.nodeID, Event: event, SentAt: time.Now().UTC()})
	if err != nil {
		s.logger.Warn().Err(err).Msg("encode submission event")
		return
	}

	if s.redis != nil && s.redisChannel != "" {
		if err := s.redis.Publish(ctx, s.redisChannel, payload).Err(); err != nil {
			s.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("failed to publish submission event to redis")
		}
	}
	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			s.logger.Warn().Err(err).Uint("submission_id", submission.ID).Msg("failed to publish submission event to nats")
		}
	}
}

func (s *submissionEvents) Subscribe(submissionID uint) (<-chan dto.SubmissionEvent, func()) {
	channel := make(chan dto.SubmissionEvent, submissionEventBufferSize)

	s.mu.Lock()
	if _, ok := s.subscribers[submissionID]; !ok {
		s.subscribers[submissionID] = make(map[chan dto.SubmissionEvent]struct{})
	}
	s.subscribers[submissionID][channel] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if subscribers, ok := s.subscribers[submissionID]; ok {
				delete(subscribers, channel)
				if len(subscribers) == 0 {
					delete(s.subscribers, submissionID)
				}
			}
			close(channel)
		})
	}
	return channel, cleanup
}

func (s *submissionEvents) broadcast(event dto.SubmissionEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for ch := range s.subscribers[event.SubmissionID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *submissionEvents) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("submission event redis subscription closed")
			return
		}
		s.handle([]byte(msg.Payload))
	}
}

func (s *submissionEvents) consumeNATS(ctx context.Context) {
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handle(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats submission subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain submission nats subscription")
		}
	}()
}

func (s *submissionEvents) handle(payload []byte) {
	var envelope submissionEventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.logger.Warn().Err(err).Msg("invalid submission event payload")
		return
	}
	if envelope.Source == s.nodeID {
		return
	}
	s.broadcast(envelope.Event)
}
