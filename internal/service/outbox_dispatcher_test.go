package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"wallet-ledger/config"
	"wallet-ledger/internal/core/domain"
	"wallet-ledger/internal/core/ports/mocks"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func setupDispatcher(t *testing.T) (*OutboxDispatcher, *mocks.MockOutboxRepository, *mocks.MockEventPublisher, *gomock.Controller) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockOutboxRepository(ctrl)
	publisher := mocks.NewMockEventPublisher(ctrl)
	cfg := config.OutboxConfig{
		PollInterval:     10 * time.Millisecond,
		BatchSize:        50,
		LeaseDuration:    30 * time.Second,
		RetryBackoffBase: 5 * time.Second,
		MaxAttempts:      3,
	}
	d := NewOutboxDispatcher(repo, publisher, "dispatcher-test", cfg, zerolog.Nop())
	return d, repo, publisher, ctrl
}

func outboxMsg(retryCount int) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:          uuid.New(),
		Topic:       "wallet.events",
		EventType:   domain.EventBalanceChanged,
		AggregateID: uuid.NewString(),
		Payload:     []byte(`{"delta":100}`),
		Status:      domain.OutboxStatusProcessing,
		RetryCount:  retryCount,
	}
}

func TestOutboxDispatcher_Drain_PublishesAndMarks(t *testing.T) {
	d, repo, publisher, ctrl := setupDispatcher(t)
	defer ctrl.Finish()

	ctx := context.Background()
	msg := outboxMsg(0)

	repo.EXPECT().ClaimBatch(ctx, "dispatcher-test", 50, 30*time.Second).
		Return([]domain.OutboxMessage{msg}, nil)
	publisher.EXPECT().Publish(ctx, msg.Topic, msg.AggregateID, msg.Payload).Return(nil)
	repo.EXPECT().MarkProcessed(ctx, msg.ID).Return(nil)

	n, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOutboxDispatcher_Drain_FailureSchedulesRetry(t *testing.T) {
	d, repo, publisher, ctrl := setupDispatcher(t)
	defer ctrl.Finish()

	ctx := context.Background()
	msg := outboxMsg(1) // second attempt: backoff = base * 2^1

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	repo.EXPECT().ClaimBatch(ctx, "dispatcher-test", 50, 30*time.Second).
		Return([]domain.OutboxMessage{msg}, nil)
	publisher.EXPECT().Publish(ctx, msg.Topic, msg.AggregateID, msg.Payload).
		Return(errors.New("broker unavailable"))

	var gotRetryCount int
	var gotNextRetryAt *time.Time
	repo.EXPECT().MarkFailed(ctx, msg.ID, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, retryCount int, nextRetryAt *time.Time) error {
			gotRetryCount = retryCount
			gotNextRetryAt = nextRetryAt
			return nil
		})

	n, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, gotRetryCount)
	require.NotNil(t, gotNextRetryAt)
	assert.Equal(t, now.Add(10*time.Second), *gotNextRetryAt)
}

func TestOutboxDispatcher_Drain_AttemptsExhausted(t *testing.T) {
	d, repo, publisher, ctrl := setupDispatcher(t)
	defer ctrl.Finish()

	ctx := context.Background()
	msg := outboxMsg(2) // third attempt hits MaxAttempts=3

	repo.EXPECT().ClaimBatch(ctx, "dispatcher-test", 50, 30*time.Second).
		Return([]domain.OutboxMessage{msg}, nil)
	publisher.EXPECT().Publish(ctx, msg.Topic, msg.AggregateID, msg.Payload).
		Return(errors.New("broker unavailable"))
	repo.EXPECT().MarkFailed(ctx, msg.ID, 3, gomock.Nil()).Return(nil)

	n, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOutboxDispatcher_Drain_OneFailureDoesNotBlockOthers(t *testing.T) {
	d, repo, publisher, ctrl := setupDispatcher(t)
	defer ctrl.Finish()

	ctx := context.Background()
	bad := outboxMsg(0)
	good := outboxMsg(0)

	repo.EXPECT().ClaimBatch(ctx, "dispatcher-test", 50, 30*time.Second).
		Return([]domain.OutboxMessage{bad, good}, nil)
	publisher.EXPECT().Publish(ctx, bad.Topic, bad.AggregateID, bad.Payload).
		Return(errors.New("broker unavailable"))
	repo.EXPECT().MarkFailed(ctx, bad.ID, 1, gomock.Any()).Return(nil)
	publisher.EXPECT().Publish(ctx, good.Topic, good.AggregateID, good.Payload).Return(nil)
	repo.EXPECT().MarkProcessed(ctx, good.ID).Return(nil)

	n, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOutboxDispatcher_Run_StopsOnContextCancel(t *testing.T) {
	d, repo, _, ctrl := setupDispatcher(t)
	defer ctrl.Finish()

	repo.EXPECT().ClaimBatch(gomock.Any(), "dispatcher-test", 50, 30*time.Second).
		Return(nil, nil).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on context cancel")
	}
}
