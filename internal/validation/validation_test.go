package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
	apperrors "github.com/lorrc/marketplace-realtime/internal/core/errors"
)

func TestDecode_NewReview(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		msg, err := Decode[domain.NewReviewMessage]([]byte(
			`{"productId":42,"review":{"id":"r1","rating":5,"comment":"great","created_at":"2026-01-01T00:00:00.000Z","user_id":"u1","user_avatar":null,"product_id":42}}`))
		require.NoError(t, err)
		assert.Equal(t, int64(42), msg.ProductID)
		require.NotNil(t, msg.Review)
		assert.Equal(t, "r1", msg.Review.ID)
		require.NotNil(t, msg.Review.Comment)
		assert.Equal(t, "great", *msg.Review.Comment)
		assert.Nil(t, msg.Review.UserAvatar)
	})

	t.Run("missing review", func(t *testing.T) {
		_, err := Decode[domain.NewReviewMessage]([]byte(`{"productId":42}`))
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrInvalidPayload)

		var verrs *apperrors.ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Contains(t, verrs.Errors, "review")
	})

	t.Run("rating out of range", func(t *testing.T) {
		_, err := Decode[domain.NewReviewMessage]([]byte(
			`{"productId":42,"review":{"id":"r1","rating":9,"user_id":"u1"}}`))

		var verrs *apperrors.ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Equal(t, []string{"review.rating must be at most 5"}, verrs.Errors["review.rating"])
	})

	t.Run("missing product id", func(t *testing.T) {
		_, err := Decode[domain.NewReviewMessage]([]byte(
			`{"review":{"id":"r1","rating":3,"user_id":"u1"}}`))

		var verrs *apperrors.ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Contains(t, verrs.Errors, "productId")
	})
}

func TestDecode_EmptyPayload(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte("null")} {
		_, err := Decode[domain.ProductMessage](raw)
		assert.ErrorIs(t, err, apperrors.ErrInvalidPayload)
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode[domain.ProductDeletedMessage]([]byte(`{"productId":`))
	assert.ErrorIs(t, err, apperrors.ErrInvalidPayload)
}

func TestDecode_WrongShape(t *testing.T) {
	_, err := Decode[domain.ProductDeletedMessage]([]byte(`100`))
	assert.ErrorIs(t, err, apperrors.ErrInvalidPayload)
}

func TestDecode_Product(t *testing.T) {
	t.Run("title required", func(t *testing.T) {
		_, err := Decode[domain.ProductMessage]([]byte(`{"product":{"id":3}}`))

		var verrs *apperrors.ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Equal(t, []string{"product.title is required"}, verrs.Errors["product.title"])
	})

	t.Run("id must be positive", func(t *testing.T) {
		_, err := Decode[domain.ProductMessage]([]byte(`{"product":{"id":0,"title":"x"}}`))

		var verrs *apperrors.ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Contains(t, verrs.Errors, "product.id")
	})

	t.Run("nullable fields", func(t *testing.T) {
		msg, err := Decode[domain.ProductMessage]([]byte(
			`{"product":{"id":3,"title":"Kit","images":null,"tech_stack":["go"],"rating":4.5}}`))
		require.NoError(t, err)
		assert.Nil(t, msg.Product.Images)
		assert.Equal(t, []string{"go"}, msg.Product.TechStack)
		require.NotNil(t, msg.Product.Rating)
		assert.InDelta(t, 4.5, *msg.Product.Rating, 0.0001)
	})
}
