package resources

import (
	"context"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Severity
	}{
		{"rate limited", &googleapi.Error{Code: http.StatusTooManyRequests}, Retryable},
		{"unavailable", errors.Wrap(&googleapi.Error{Code: http.StatusServiceUnavailable}, "enable"), Retryable},
		{"internal", &googleapi.Error{Code: http.StatusInternalServerError}, Retryable},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden}, Fatal},
		{"not found", errors.Wrap(&googleapi.Error{Code: http.StatusNotFound}, "get"), Fatal},
		{"bad request", &googleapi.Error{Code: http.StatusBadRequest}, Fatal},
		{"marked transient", Transient(&googleapi.Error{Code: http.StatusBadRequest}), Retryable},
		{"wrapped transient", errors.Wrap(Transient(errors.New("not visible yet")), "bind"), Retryable},
		{"canceled", errors.Wrap(context.Canceled, "sleep"), Fatal},
		{"plain", errors.New("boom"), Fatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	conflict := errors.Wrap(&googleapi.Error{Code: http.StatusConflict, Message: "Role already exists"}, "create")
	assert.True(t, IsAlreadyExists(conflict))
	assert.False(t, IsNotFound(conflict))
	assert.Equal(t, "Role already exists", ProviderMessage(conflict))

	precondition := &googleapi.Error{
		Code:    http.StatusBadRequest,
		Message: "Precondition check failed.",
		Errors:  []googleapi.ErrorItem{{Message: "Key creation is not allowed on this service account. constraints/iam.disableServiceAccountKeyCreation"}},
	}
	assert.True(t, ErrorMentions(precondition, "disableServiceAccountKeyCreation"))
	assert.False(t, ErrorMentions(precondition, "something else"))
	assert.True(t, ErrorMentions(errors.New("plain text match"), "text"))

	assert.Nil(t, Transient(nil))
}

func TestOperationResult(t *testing.T) {
	r := NewOperationResult()
	assert.Equal(t, AlreadySatisfied, r.Outcome)
	r.MarkChanged()
	assert.Equal(t, Changed, r.Outcome)
	assert.Equal(t, "changed", r.Outcome.String())
}
