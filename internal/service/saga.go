package service

import (
	"context"
	"errors"
	"fmt"

	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// Saga collects compensating actions as forward steps succeed and unwinds
// them in reverse when a later step fails.
type Saga struct {
	name   string
	steps  []compensation
	logger *zap.Logger
}

// NewSaga creates an empty saga
func NewSaga(name string) *Saga {
	return &Saga{
		name:   name,
		logger: util.GetLogger(),
	}
}

// AddCompensation registers the undo action of a completed step
func (s *Saga) AddCompensation(name string, fn func(ctx context.Context) error) {
	s.steps = append(s.steps, compensation{name: name, fn: fn})
}

// Len returns the number of registered compensations
func (s *Saga) Len() int {
	return len(s.steps)
}

// Compensate runs every compensation, last registered first. It keeps going
// after a failure and returns all failures joined. Compensation is not bound
// to the caller's cancellation.
func (s *Saga) Compensate(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.fn(ctx); err != nil {
			util.SagaCompensationsTotal.WithLabelValues(s.name, "failed").Inc()
			s.logger.Error("Compensation failed",
				zap.String("saga", s.name),
				zap.String("step", step.name),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		util.SagaCompensationsTotal.WithLabelValues(s.name, "ok").Inc()
	}
	s.steps = nil
	return errors.Join(errs...)
}
