package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestRoutingErrorKinds(t *testing.T) {
	err := &RoutingError{Op: "transition bump", Kind: ErrConflict, Reason: "routing already bumped", RoutingID: 4, OrderID: 2}
	assert.Equal(t, "transition bump: conflict: routing already bumped (order 2) (routing 4)", err.Error())

	wrapped := fmt.Errorf("handler: %w", err)
	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsValidation(wrapped))

	var re *RoutingError
	assert.True(t, errors.As(wrapped, &re))
	assert.Equal(t, uint(4), re.RoutingID)
}

func TestStoreErrorClassification(t *testing.T) {
	assert.True(t, IsConflict(storeError("op", gorm.ErrDuplicatedKey)))
	assert.True(t, IsNotFound(storeError("op", gorm.ErrRecordNotFound)))
	assert.True(t, IsTransient(storeError("op", errors.New("connection reset"))))

	cause := errors.New("connection reset")
	assert.ErrorIs(t, storeError("op", cause), cause)

	original := validationError("route order", "bad")
	assert.Same(t, original, storeError("other", original))
}
