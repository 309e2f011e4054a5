package checkout

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"storefront/metrics"
)

// State is a checkout attempt's position in its lifecycle.
type State string

const (
	StateStart         State = "start"
	StateCartLoaded    State = "cart_loaded"
	StateValidated     State = "validated"
	StateOrderCreated  State = "order_created"
	StateItemsCreated  State = "items_created"
	StateStockAdjusted State = "stock_adjusted"
	StateCartCleared   State = "cart_cleared"
	StateComplete      State = "complete"
	StateCompensated   State = "compensated"
	StateFailed        State = "failed"
)

type step struct {
	name    string
	reaches State
	action  func(ctx context.Context) error
	// compensate undoes action once a later fatal step fails.
	compensate func(ctx context.Context) error
	// tolerate reports whether a failure is logged and skipped rather than
	// ending the attempt.
	tolerate func(ctx context.Context, err error) bool
}

type saga struct {
	logger              *zap.Logger
	tracer              trace.Tracer
	compensationTimeout time.Duration

	state State
	done  []step
}

func (s *saga) transition(to State, fields ...zap.Field) {
	s.logger.Debug("checkout state",
		append([]zap.Field{zap.String("from", string(s.state)), zap.String("to", string(to))}, fields...)...)
	s.state = to
}

// run executes steps in order. A fatal failure compensates the completed
// steps in reverse and returns the step's error.
func (s *saga) run(ctx context.Context, steps []step) error {
	for _, st := range steps {
		stepCtx, span := s.tracer.Start(ctx, "checkout."+st.name)
		err := st.action(stepCtx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, st.name+" failed")
		}
		span.End()

		if err == nil {
			s.done = append(s.done, st)
			s.transition(st.reaches, zap.String("step", st.name))
			continue
		}
		if st.tolerate != nil && st.tolerate(ctx, err) {
			s.logger.Error("checkout step failed, continuing",
				zap.String("step", st.name), zap.Error(err))
			metrics.RecordNonFatalFailure(st.name)
			s.transition(st.reaches, zap.String("step", st.name), zap.Bool("skipped", true))
			continue
		}

		s.compensate(ctx)
		s.transition(StateFailed, zap.String("step", st.name), zap.Error(err))
		return err
	}
	return nil
}

// compensate runs on a context that outlives caller cancellation so a
// dropped request cannot leave a half-written order behind.
func (s *saga) compensate(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.compensationTimeout)
	defer cancel()

	compensated := false
	for i := len(s.done) - 1; i >= 0; i-- {
		st := s.done[i]
		if st.compensate == nil {
			continue
		}
		compensated = true

		spanCtx, span := s.tracer.Start(ctx, "checkout.compensate."+st.name,
			trace.WithAttributes(attribute.String("step", st.name)))
		err := st.compensate(spanCtx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "compensation failed")
			s.logger.Error("compensation failed", zap.String("step", st.name), zap.Error(err))
		}
		span.End()
		metrics.RecordCompensation(st.name, err == nil)
	}
	s.done = nil
	if compensated {
		s.transition(StateCompensated)
	}
}
