package dberrors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Unique("User", "email"))

	assert.True(t, stderrors.Is(err, ErrUniqueConstraint))
	assert.False(t, stderrors.Is(err, ErrNotFound))
	assert.Equal(t, KindUniqueConstraint, KindOf(err))
}

func TestAnnotateKeepsExistingModel(t *testing.T) {
	err := Annotate(NotFound("Chatbot"), "User", "update")

	var e *Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, "Chatbot", e.Model)
	assert.Equal(t, "update", e.Op)
	assert.Equal(t, "Chatbot.update: NotFound: no record matches the unique filter", err.Error())
}

func TestAnnotateClassifiesForeignErrors(t *testing.T) {
	cause := stderrors.New("boom")
	err := Annotate(cause, "Flow", "findMany")

	assert.Equal(t, KindUnknown, KindOf(err))
	assert.True(t, stderrors.Is(err, cause))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Connection(stderrors.New("dial tcp")).Retryable())
	assert.False(t, Validation("bad").Retryable())
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{NotFound("User"), http.StatusNotFound},
		{Unique("User", "email"), http.StatusBadRequest},
		{ForeignKey("Chatbot", "userId"), http.StatusBadRequest},
		{Validation("select and include are mutually exclusive"), http.StatusBadRequest},
		{Connection(stderrors.New("refused")), http.StatusInternalServerError},
		{stderrors.New("opaque"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), "%v", tt.err)
	}
}

func TestToHTTPErrorHidesEngineDetail(t *testing.T) {
	err := ToHTTPError(Unknown(stderrors.New("pq: relation \"users\" does not exist")))

	require.True(t, httperror.IsHTTPError(err))
	assert.Equal(t, http.StatusInternalServerError, httperror.GetStatusCode(err))
	assert.NotContains(t, err.Error(), "users")
}

func TestToHTTPErrorNotFound(t *testing.T) {
	err := ToHTTPError(NotFound("Chatbot"))

	require.True(t, httperror.IsHTTPError(err))
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
	assert.Contains(t, err.Error(), "NotFound")
}
