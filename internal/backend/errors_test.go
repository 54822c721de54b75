package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"no credential", fmt.Errorf("anthropic: %w", ErrNoCredential), KindConfiguration},
		{"network", &NetworkError{Reason: "connection refused"}, KindTransient},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), KindTransient},
		{"backend", &BackendError{StatusCode: 500, Message: "overloaded"}, KindBackend},
		{"encoding", &EncodingError{Err: errors.New("bad json")}, KindEncoding},
		{"other", errors.New("boom"), KindUnknown},
		{"nil", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestIsTimeout(t *testing.T) {
	require.True(t, IsTimeout(&NetworkError{Reason: "slow", Timeout: true}))
	require.True(t, IsTimeout(fmt.Errorf("wrap: %w", context.DeadlineExceeded)))
	require.False(t, IsTimeout(&NetworkError{Reason: "refused"}))
	require.False(t, IsTimeout(nil))
}

func TestNetworkError_TimeoutMessageMentionsTimeout(t *testing.T) {
	err := &NetworkError{Reason: "gave up after 2 attempts", Timeout: true}
	require.Contains(t, err.Error(), "timeout")
}

func TestDescribe(t *testing.T) {
	require.Contains(t, Describe(ErrNoCredential), "No API key")
	require.Contains(t, Describe(context.DeadlineExceeded), "timed out")
	require.Equal(t, "backend error: HTTP 400: bad", Describe(&BackendError{StatusCode: 400, Message: "bad"}))
}

func TestBackendError_ModelNotFound(t *testing.T) {
	require.True(t, (&BackendError{StatusCode: 404, Message: "The model `gpt-5` does not exist"}).ModelNotFound())
	require.True(t, (&BackendError{StatusCode: 400, Message: "model not supported"}).ModelNotFound())
	require.False(t, (&BackendError{StatusCode: 401, Message: "invalid api key"}).ModelNotFound())
}
