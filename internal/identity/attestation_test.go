package identity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeSignVerifyRoundTrip(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)
	eph, err := NewEphemeralKeyPair()
	require.NoError(t, err)

	nonce := [32]byte{0x01}
	env, err := BuildEnvelope(id, eph.PublicKey(), nonce, []byte("quote"), []byte("event-log"))
	require.NoError(t, err)

	assert.NoError(t, env.Verify())

	t.Run("MutatedQuoteFailsVerify", func(t *testing.T) {
		tampered := *env
		tampered.TEEQuote = []byte("different-quote")
		assert.Error(t, tampered.Verify())
	})

	t.Run("WrongSignerFailsVerify", func(t *testing.T) {
		other, err := NewIdentity()
		require.NoError(t, err)
		tampered := *env
		tampered.Ed25519Pub = other.PublicKey()
		assert.Error(t, tampered.Verify())
	})
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)
	eph, err := NewEphemeralKeyPair()
	require.NoError(t, err)

	nonce := [32]byte{0xAA}
	env, err := BuildEnvelope(id, eph.PublicKey(), nonce, []byte("quote-bytes"), []byte("log-bytes"))
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded AttestationEnvelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, env.Nonce, decoded.Nonce)
	assert.Equal(t, env.Ed25519Pub, decoded.Ed25519Pub)
	assert.Equal(t, env.TEEQuote, decoded.TEEQuote)
	assert.Equal(t, env.EventLog, decoded.EventLog)
	assert.Equal(t, env.Signature, decoded.Signature)
	assert.NoError(t, decoded.Verify())
}

func TestDevQuoteProviderDeterministicShape(t *testing.T) {
	var p DevQuoteProvider
	reportData := [32]byte{0x02}
	quote, eventLog, err := p.Quote(context.Background(), reportData)
	require.NoError(t, err)
	assert.Contains(t, string(quote), "dev-mode-stub-quote:")
	assert.NotEmpty(t, eventLog)
}

func TestNoDriverQuoteProviderFails(t *testing.T) {
	var p NoDriverQuoteProvider
	_, _, err := p.Quote(context.Background(), [32]byte{})
	require.Error(t, err)

	var attErr *Error
	require.True(t, asAttErr(err, &attErr))
	assert.Equal(t, KindQuoteUnavailable, attErr.Kind)
}

func TestBootstrapperHappyPath(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)

	calls := 0
	b := NewBootstrapper(id, DevQuoteProvider{}, func(context.Context) ([32]byte, error) {
		return [32]byte{0x10}, nil
	}, func(context.Context, *AttestationEnvelope) error {
		calls++
		return nil
	})
	b.Sleep = func(time.Duration) {}

	eph, env, err := b.Bootstrap(context.Background(), "consumer")
	require.NoError(t, err)
	assert.NotNil(t, eph)
	assert.NotNil(t, env)
	assert.Equal(t, 1, calls)
}

func TestBootstrapperRetriesThenFails(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)

	calls := 0
	b := NewBootstrapper(id, DevQuoteProvider{}, func(context.Context) ([32]byte, error) {
		return [32]byte{0x20}, nil
	}, func(context.Context, *AttestationEnvelope) error {
		calls++
		return &Error{Kind: KindRejected, Message: "nonce already used"}
	})
	b.Sleep = func(time.Duration) {}

	_, _, err = b.Bootstrap(context.Background(), "admin")
	require.Error(t, err)
	assert.Equal(t, 4, calls) // initial attempt + 3 retries
}

func TestBootstrapperQuoteUnavailableDoesNotRetry(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)

	nonceCalls := 0
	b := NewBootstrapper(id, NoDriverQuoteProvider{}, func(context.Context) ([32]byte, error) {
		nonceCalls++
		return [32]byte{0x30}, nil
	}, func(context.Context, *AttestationEnvelope) error {
		t.Fatal("submit should not be called when quote is unavailable")
		return nil
	})
	b.Sleep = func(time.Duration) {}

	_, _, err = b.Bootstrap(context.Background(), "admin")
	require.Error(t, err)
	assert.Equal(t, 1, nonceCalls)
}
