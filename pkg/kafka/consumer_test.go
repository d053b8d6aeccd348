package kafka

import (
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestPermanentFailure(t *testing.T) {
	assert.True(t, permanentFailure(httperror.NewHTTPError(http.StatusBadRequest, "hints are required")))
	assert.True(t, permanentFailure(httperror.NewHTTPError(http.StatusUnprocessableEntity, "unknown entity type")))

	// Server-side and transient errors must be redelivered
	assert.False(t, permanentFailure(httperror.NewHTTPError(http.StatusInternalServerError, "db unavailable")))
	assert.False(t, permanentFailure(errors.New("connection refused")))
}
