package oserver

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Is(t *testing.T) {
	err := newError(ErrInvalidGrant, "code %s expired", "abc")
	assert.ErrorIs(t, err, ErrInvalidGrant)
	assert.NotErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, "invalid_grant: code abc expired", err.Error())

	wrapped := fmt.Errorf("exchange: %w", err)
	assert.ErrorIs(t, wrapped, ErrInvalidGrant)
}

func TestAsError(t *testing.T) {
	cause := errors.New("connection reset")

	se := serverError("find client", cause)
	assert.ErrorIs(t, se, cause)
	assert.Equal(t, http.StatusInternalServerError, se.Status)
	assert.Empty(t, se.Description)

	got := AsError(fmt.Errorf("outer: %w", newError(ErrNotFound, "client not found")))
	assert.Equal(t, ErrNotFound.Code, got.Code)
	assert.Equal(t, http.StatusNotFound, got.Status)

	plain := AsError(cause)
	assert.Equal(t, ErrServer.Code, plain.Code)
	assert.ErrorIs(t, plain, cause)
}
