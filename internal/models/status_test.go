package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntentTransitions(t *testing.T) {
	all := []IntentStatus{IntentStatusCreated, IntentStatusConverted, IntentStatusCancelled, IntentStatusExpired}

	for _, from := range all {
		for _, to := range all {
			want := from == IntentStatusCreated && to != IntentStatusCreated
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	assert.False(t, IntentStatusCreated.Terminal())
	assert.True(t, IntentStatusConverted.Terminal())
	assert.True(t, IntentStatusCancelled.Terminal())
	assert.True(t, IntentStatusExpired.Terminal())
	assert.False(t, IntentStatus("DRAFT").Valid())
}

func TestLockTransitions(t *testing.T) {
	assert.True(t, LockStatusLocked.CanTransitionTo(LockStatusReleased))
	assert.True(t, LockStatusLocked.CanTransitionTo(LockStatusConverted))
	assert.False(t, LockStatusReleased.CanTransitionTo(LockStatusConverted))
	assert.False(t, LockStatusConverted.CanTransitionTo(LockStatusReleased))
	assert.False(t, LockStatusReleased.CanTransitionTo(LockStatusLocked))
	assert.True(t, LockStatusReleased.Terminal())
	assert.True(t, LockStatusConverted.Terminal())
}

func TestIntentEffectiveStatus(t *testing.T) {
	now := time.Now()
	intent := &OrderIntent{Status: IntentStatusCreated, ExpiresAt: now}

	assert.Equal(t, IntentStatusExpired, intent.EffectiveStatus(now))
	assert.Equal(t, IntentStatusCreated, intent.EffectiveStatus(now.Add(-time.Second)))

	intent.Status = IntentStatusConverted
	assert.Equal(t, IntentStatusConverted, intent.EffectiveStatus(now.Add(time.Hour)))
}

func TestTargetOrdering(t *testing.T) {
	assert.True(t, ProductTarget(9).Less(VariantTarget(1)))
	assert.True(t, VariantTarget(1).Less(VariantTarget(2)))
	assert.False(t, VariantTarget(2).Less(VariantTarget(2)))
	assert.Equal(t, "variant:42", VariantTarget(42).String())
	assert.False(t, Target{Kind: "sku", ID: 1}.Valid())
}

func TestErrorMatchesByCode(t *testing.T) {
	err := fmt.Errorf("create: %w", NewInsufficientStock(VariantTarget(1), 3, 1))

	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.False(t, errors.Is(err, ErrCartMismatch))

	var derr *Error
	assert.True(t, errors.As(err, &derr))
	assert.Equal(t, 1, *derr.Available)
	assert.Contains(t, derr.Error(), "only 1 available")
}

func TestSignatureMismatchIsGeneric(t *testing.T) {
	err := NewPaymentSignatureMismatch()
	assert.Equal(t, "PAYMENT_SIGNATURE_MISMATCH: payment could not be verified", err.Error())
}
