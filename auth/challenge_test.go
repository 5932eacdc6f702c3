package auth

import (
	"testing"

	"github.com/c360/padrelay/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallenge_PlaintextAndHashedServers(t *testing.T) {
	rec, err := Hash("hunter2pass!", testIterations)
	require.NoError(t, err)

	servers := []struct {
		name string
		cred Credential
	}{
		{"plaintext server", Plaintext("hunter2pass!")},
		{"hashed server", Hashed(rec)},
	}

	for _, srv := range servers {
		t.Run(srv.name, func(t *testing.T) {
			a := NewChallengeAuthenticator(srv.cred, testIterations)

			ch, err := a.Issue()
			require.NoError(t, err)
			assert.Len(t, ch.Value, ChallengeSize)
			assert.Equal(t, uint(testIterations), ch.Iterations)

			resp, err := Respond(Plaintext("hunter2pass!"), ch.Message())
			require.NoError(t, err)
			assert.True(t, a.Verify(ch.Value, resp))
			assert.Zero(t, a.Outstanding())
		})
	}
}

func TestChallenge_HashedServerReusesStoredSalt(t *testing.T) {
	rec, err := Hash("hunter2pass!", testIterations)
	require.NoError(t, err)
	a := NewChallengeAuthenticator(Hashed(rec), 0)

	first, err := a.Issue()
	require.NoError(t, err)
	second, err := a.Issue()
	require.NoError(t, err)

	assert.Equal(t, rec.Salt, first.Salt)
	assert.Equal(t, rec.Salt, second.Salt)
	assert.NotEqual(t, first.Value, second.Value)

	// A client holding the same hash record can answer too.
	resp, err := Respond(Hashed(rec), second.Message())
	require.NoError(t, err)
	assert.True(t, a.Verify(second.Value, resp))
}

func TestChallenge_PlaintextServerFreshSalt(t *testing.T) {
	a := NewChallengeAuthenticator(Plaintext("hunter2pass!"), testIterations)

	first, err := a.Issue()
	require.NoError(t, err)
	second, err := a.Issue()
	require.NoError(t, err)
	assert.NotEqual(t, first.Salt, second.Salt)
}

func TestChallenge_SingleUse(t *testing.T) {
	a := NewChallengeAuthenticator(Plaintext("hunter2pass!"), testIterations)
	ch, err := a.Issue()
	require.NoError(t, err)

	resp, err := Respond(Plaintext("hunter2pass!"), ch.Message())
	require.NoError(t, err)

	assert.True(t, a.Verify(ch.Value, resp))
	assert.False(t, a.Verify(ch.Value, resp), "replayed challenge must not verify")
}

func TestChallenge_WrongSecretConsumesChallenge(t *testing.T) {
	a := NewChallengeAuthenticator(Plaintext("hunter2pass!"), testIterations)
	ch, err := a.Issue()
	require.NoError(t, err)

	bad, err := Respond(Plaintext("wrong"), ch.Message())
	require.NoError(t, err)
	assert.False(t, a.Verify(ch.Value, bad))

	good, err := Respond(Plaintext("hunter2pass!"), ch.Message())
	require.NoError(t, err)
	assert.False(t, a.Verify(ch.Value, good))
}

func TestChallenge_UnknownAndDiscarded(t *testing.T) {
	a := NewChallengeAuthenticator(Plaintext("hunter2pass!"), testIterations)
	assert.False(t, a.Verify(make([]byte, ChallengeSize), make([]byte, 32)))

	ch, err := a.Issue()
	require.NoError(t, err)
	assert.Equal(t, 1, a.Outstanding())

	a.Discard(ch.Value)
	assert.Zero(t, a.Outstanding())

	resp, err := Respond(Plaintext("hunter2pass!"), ch.Message())
	require.NoError(t, err)
	assert.False(t, a.Verify(ch.Value, resp))
}

func TestChallenge_OutstandingLimit(t *testing.T) {
	a := NewChallengeAuthenticator(Plaintext("x"), testIterations)
	a.maxOutstanding = 2

	_, err := a.Issue()
	require.NoError(t, err)
	_, err = a.Issue()
	require.NoError(t, err)
	_, err = a.Issue()
	assert.Error(t, err)
}

func TestRespond_Errors(t *testing.T) {
	_, err := Respond(Plaintext("x"), message.AuthChallenge{})
	assert.Error(t, err)

	rec, err := Hash("hunter2pass!", testIterations)
	require.NoError(t, err)
	_, err = Respond(Hashed(rec), message.AuthChallenge{Challenge: []byte{1}, Salt: []byte{2}, Iterations: testIterations})
	assert.ErrorIs(t, err, ErrParamsMismatch)
}
