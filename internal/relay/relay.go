package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
	"chatrelay/internal/service/chat"
	"chatrelay/internal/service/oracle"
	"chatrelay/internal/worker"
)

// Store persists the two sides of a turn.
type Store interface {
	AppendMessage(ctx context.Context, ownerID, threadID int64, role models.Role, text string) (*models.Message, error)
	History(ctx context.Context, ownerID, threadID int64) ([]*models.Message, error)
}

// Scheduler runs fn on behalf of userID and closes the returned channel when it is done.
type Scheduler interface {
	Submit(userID int64, fn func()) (<-chan struct{}, error)
}

// Options tunes a Relay. Without a Scheduler oracle calls run on the
// caller's goroutine.
type Options struct {
	Streaming   bool
	TurnTimeout time.Duration
	Scheduler   Scheduler
	Metrics     *metrics.Metrics
}

// Relay executes conversation turns: persist the utterance, ask the oracle,
// persist and return the reply.
type Relay struct {
	store       Store
	oracle      oracle.Oracle
	scheduler   Scheduler
	streaming   bool
	turnTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

const defaultTurnTimeout = 2 * time.Minute

func New(store Store, o oracle.Oracle, opts Options) *Relay {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = defaultTurnTimeout
	}
	return &Relay{
		store:       store,
		oracle:      o,
		scheduler:   opts.Scheduler,
		streaming:   opts.Streaming,
		turnTimeout: opts.TurnTimeout,
		metrics:     opts.Metrics,
		logger:      slog.Default().With("module", "socket"),
	}
}

// Turn runs one utterance to completion and reports the outcome on emit.
// It never stops early because ctx is cancelled: a started turn always
// finishes, bounded only by the turn timeout.
func (r *Relay) Turn(ctx context.Context, userID int64, u Utterance, emit Emitter) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.turnTimeout)
	defer cancel()

	threadID := int64(u.Chat)
	fail := func(outcome, msg string, err error) error {
		r.metrics.Turn(outcome)
		r.logger.Warn("turn failed", "user_id", userID, "chat", threadID, "outcome", outcome, "err", err)
		if emitErr := emit(EventError, ErrorEvent{Message: msg, Chat: threadID, ClientID: u.ClientID}); emitErr != nil {
			r.logger.Debug("emit failed", "err", emitErr)
		}
		return err
	}

	if _, err := r.store.AppendMessage(ctx, userID, threadID, models.RoleUser, u.Text); err != nil {
		outcome, msg := classifyStoreError(err)
		return fail(outcome, msg, err)
	}
	history, err := r.store.History(ctx, userID, threadID)
	if err != nil {
		outcome, msg := classifyStoreError(err)
		return fail(outcome, msg, err)
	}

	reply, err := r.generate(ctx, userID, threadID, u.ClientID, history, emit)
	if err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) || errors.Is(err, worker.ErrDispatcherClosed) {
			return fail(metrics.OutcomeRejected, err.Error(), err)
		}
		return fail(metrics.OutcomeOracleError, "failed to generate response", err)
	}

	saved, err := r.store.AppendMessage(ctx, userID, threadID, models.RoleAssistant, reply)
	if err != nil {
		outcome, msg := classifyStoreError(err)
		return fail(outcome, msg, err)
	}
	r.metrics.Turn(metrics.OutcomeOK)
	if err := emit(EventResponse, Response{ID: saved.ID, Chat: threadID, Text: saved.Text, ClientID: u.ClientID}); err != nil {
		r.logger.Debug("response not delivered", "user_id", userID, "chat", threadID, "err", err)
	}
	return nil
}

func (r *Relay) generate(ctx context.Context, userID, threadID int64, clientID string, history []*models.Message, emit Emitter) (string, error) {
	var (
		reply string
		err   error
	)
	call := func() {
		start := time.Now()
		defer func() { r.metrics.ObserveOracle(time.Since(start)) }()
		if r.streaming {
			reply, err = r.oracle.Stream(ctx, history, func(delta string) error {
				return emit(EventChunk, Chunk{Chat: threadID, Text: delta, ClientID: clientID})
			})
			return
		}
		reply, err = r.oracle.Generate(ctx, history)
	}

	if r.scheduler == nil {
		call()
		return reply, err
	}
	finished := false
	done, submitErr := r.scheduler.Submit(userID, func() {
		call()
		finished = true
	})
	if submitErr != nil {
		return "", submitErr
	}
	<-done
	if !finished {
		return "", errors.New("oracle call did not complete")
	}
	return reply, err
}

func classifyStoreError(err error) (outcome, msg string) {
	var verr *chat.ValidationError
	switch {
	case errors.Is(err, chat.ErrThreadNotFound):
		return metrics.OutcomeRejected, chat.ErrThreadNotFound.Error()
	case errors.As(err, &verr):
		return metrics.OutcomeRejected, verr.Message
	default:
		return metrics.OutcomeStoreError, "failed to save message"
	}
}
