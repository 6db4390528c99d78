package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/mediation/internal/idgen"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediation",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event.",
	}, []string{"event"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediation",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification delivery failures by event.",
	}, []string{"event"})

	notifyDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mediation",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications dropped because the emitter queue was full.",
	})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors, notifyDropped)
}

// Emitter sends notifications in the background. Notify never blocks the
// caller and never returns an error; failures are logged and counted.
type Emitter struct {
	sender  Sender
	logger  *slog.Logger
	sem     chan struct{}
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewEmitter creates an emitter with at most concurrency deliveries in flight.
func NewEmitter(sender Sender, concurrency int, logger *slog.Logger) *Emitter {
	if concurrency <= 0 {
		concurrency = 16
	}
	return &Emitter{
		sender:  sender,
		logger:  logger,
		sem:     make(chan struct{}, concurrency),
		timeout: 30 * time.Second,
	}
}

// Notify queues a notification for userID.
func (e *Emitter) Notify(ctx context.Context, userID, event string, data map[string]any) {
	if e == nil || e.sender == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(event).Inc()
	msg := &Message{
		ID:        idgen.WithPrefix("ntf_"),
		Event:     event,
		UserID:    userID,
		Timestamp: time.Now(),
		Data:      data,
	}

	select {
	case e.sem <- struct{}{}:
	default:
		notifyDropped.Inc()
		e.logger.Warn("notification dropped, queue full", "event", event, "user_id", userID)
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		if err := e.sender.Send(sendCtx, msg); err != nil {
			notifyEmitErrors.WithLabelValues(event).Inc()
			e.logger.Warn("notification failed", "event", event, "user_id", userID, "error", err)
		}
	}()
}

// Wait blocks until in-flight notifications finish. Used on shutdown.
func (e *Emitter) Wait() {
	e.wg.Wait()
}
