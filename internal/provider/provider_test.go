package provider

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultOrder(t *testing.T) {
	order := DefaultOrder()
	require.Equal(t, []ID{CloudPoll, CloudPushA, CloudPushB, LocalNetwork}, order)
}

func TestDescribe(t *testing.T) {
	d, ok := Describe(CloudPushA)
	require.True(t, ok)
	require.True(t, d.CloudHosted)
	require.True(t, d.PushDriven)
	require.Equal(t, CredentialPrimary, d.Credential)

	d, ok = Describe(LocalNetwork)
	require.True(t, ok)
	require.False(t, d.CloudHosted)
	require.Equal(t, CredentialNone, d.Credential)

	_, ok = Describe(ID("bogus"))
	require.False(t, ok)
}

func TestSharesCredential(t *testing.T) {
	require.True(t, SharesCredential(CloudPoll, CloudPushA))
	require.True(t, SharesCredential(CloudPushA, CloudPoll))
	require.False(t, SharesCredential(CloudPoll, CloudPushB))
	require.False(t, SharesCredential(CloudPoll, CloudPoll))
	require.False(t, SharesCredential(CloudPoll, LocalNetwork))
	require.False(t, SharesCredential(LocalNetwork, ID("bogus")))
}

func TestPayload_HasTrackAndStopped(t *testing.T) {
	require.False(t, Payload{}.HasTrack())
	require.True(t, Payload{}.Stopped())

	p := Payload{Title: "Song", State: StatePlaying}
	require.True(t, p.HasTrack())
	require.False(t, p.Stopped())

	p.State = StateStopped
	require.True(t, p.Stopped())

	require.True(t, Payload{State: StatePaused}.Stopped(), "paused with no track carries nothing to show")
}

func TestSourceError(t *testing.T) {
	wrapped := errors.New("connection refused")
	err := NewTransientError(CloudPoll, "poll failed", wrapped)
	require.ErrorIs(t, err, wrapped)
	require.Contains(t, err.Error(), "cloud-poll")
	require.Contains(t, err.Error(), "poll failed")
	require.False(t, IsAuthError(err))

	auth := NewAuthError(CloudPoll, "token rejected", nil)
	require.True(t, IsAuthError(auth))

	timeout := NewTimeoutError(LocalNetwork, "no data", nil)
	require.False(t, IsAuthError(timeout))
	require.Equal(t, "timeout", timeout.Kind.String())

	require.False(t, IsAuthError(errors.New("plain")))
}

func TestClassifyHTTPStatus(t *testing.T) {
	require.Equal(t, ErrorAuth, ClassifyHTTPStatus(http.StatusUnauthorized))
	require.Equal(t, ErrorAuth, ClassifyHTTPStatus(http.StatusForbidden))
	require.Equal(t, ErrorTransient, ClassifyHTTPStatus(http.StatusInternalServerError))
	require.Equal(t, ErrorTransient, ClassifyHTTPStatus(http.StatusTooManyRequests))
}
