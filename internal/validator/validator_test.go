package validator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/domain"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger/mock"
	"github.com/muhamadaguss/whatsapp-api-sub002/internal/repository/memory"
)

func seed(t *testing.T, store *memory.Store, id string, phones []string, cfg domain.CampaignConfig) *domain.Campaign {
	t.Helper()
	msgs := make([]domain.Message, len(phones))
	for i, p := range phones {
		msgs[i] = domain.Message{Index: i, Phone: p, MaxAttempts: 3}
	}
	c := &domain.Campaign{
		ID: id, SessionID: "sess-1", Status: domain.CampaignIdle,
		TotalCount: len(phones), Config: cfg,
	}
	require.NoError(t, store.CreateCampaign(context.Background(), c, msgs))
	return c
}

func fastValidator(store *memory.Store, transport *mock.Messenger) *Validator {
	v := New(store, transport, rand.NewSource(1))
	v.SetSpacing(0, 0)
	return v
}

func TestInvalidNumbersFailedTerminally(t *testing.T) {
	store := memory.NewStore()
	transport := mock.New()
	transport.MarkInvalid("628111111111")

	c := seed(t, store, "c1", []string{"628111111111", "628222222222", "628333333333"}, domain.CampaignConfig{})
	report, err := fastValidator(store, transport).Validate(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Valid)
	assert.Equal(t, 1, report.Invalid)
	assert.False(t, report.Skipped)

	msgs := store.Messages("c1")
	assert.Equal(t, domain.MessageFailed, msgs[0].Status)
	assert.Equal(t, "not on messenger", msgs[0].LastError)
	assert.False(t, msgs[0].RetryEligible(), "invalid numbers must never retry")
	assert.Equal(t, domain.MessagePending, msgs[1].Status)

	got, err := store.GetCampaign(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailedCount)
}

func TestSkipConfigShortCircuits(t *testing.T) {
	store := memory.NewStore()
	transport := mock.New()
	transport.MarkInvalid("628111111111")

	c := seed(t, store, "c1", []string{"628111111111"}, domain.CampaignConfig{SkipPhoneValidation: true})
	report, err := fastValidator(store, transport).Validate(context.Background(), c)
	require.NoError(t, err)

	assert.True(t, report.Skipped)
	assert.Zero(t, report.Total)
	assert.Equal(t, domain.MessagePending, store.Messages("c1")[0].Status)
}

func TestLookupErrorDropsNumber(t *testing.T) {
	store := memory.NewStore()
	transport := mock.New()
	transport.FailLookup("628111111111", errors.New("timeout"))

	c := seed(t, store, "c1", []string{"628111111111", "628222222222"}, domain.CampaignConfig{})
	report, err := fastValidator(store, transport).Validate(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, 1, report.LookupErrors)
	assert.Equal(t, 1, report.Valid)
	assert.Equal(t, 1, report.Invalid)

	msgs := store.Messages("c1")
	assert.Equal(t, domain.MessageFailed, msgs[0].Status)
	assert.Contains(t, msgs[0].LastError, "lookup failed")
	assert.False(t, msgs[0].RetryEligible(), "unverifiable numbers must never retry")
	assert.Equal(t, domain.MessagePending, msgs[1].Status)

	got, err := store.GetCampaign(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailedCount)
}

func TestRecommendationBands(t *testing.T) {
	cases := []struct {
		valid, invalid int
		wantPrefix     string
	}{
		{4, 6, "warning"},
		{7, 3, "caution"},
		{9, 1, "good"},
		{0, 0, "good"},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d-%d", tc.valid, tc.invalid), func(t *testing.T) {
			got := recommend(Report{Valid: tc.valid, Invalid: tc.invalid})
			assert.Contains(t, got, tc.wantPrefix)
		})
	}
}

func TestCancelStopsValidation(t *testing.T) {
	store := memory.NewStore()
	transport := mock.New()

	c := seed(t, store, "c1", []string{"628111111111", "628222222222"}, domain.CampaignConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := New(store, transport, rand.NewSource(1))
	_, err := v.Validate(ctx, c)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
