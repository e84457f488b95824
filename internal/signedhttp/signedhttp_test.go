package signedhttp

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSigner struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newTestSigner(t *testing.T) *testSigner {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &testSigner{pub: pub, priv: priv}
}

func (s *testSigner) PublicKey() ed25519.PublicKey       { return s.pub }
func (s *testSigner) Sign(msg []byte) ([]byte, error)    { return ed25519.Sign(s.priv, msg), nil }

func TestCanonicalStringSignatureVerifiesUnderOwnKey(t *testing.T) {
	signer := newTestSigner(t)

	body := []byte(`{"hello":"world"}`)
	bodyHash := sha256.Sum256(body)
	base := canonicalString("POST", "/sdk/weights", body, 1700000000, "deadbeef")

	sig, err := signer.Sign([]byte(base))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(signer.pub, []byte(base), sig))

	t.Run("FailsUnderOtherKey", func(t *testing.T) {
		otherPub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		assert.False(t, ed25519.Verify(otherPub, []byte(base), sig))
	})

	t.Run("FailsOnMutatedBody", func(t *testing.T) {
		mutatedBase := canonicalString("POST", "/sdk/weights", append(body, 'x'), 1700000000, "deadbeef")
		assert.False(t, ed25519.Verify(signer.pub, []byte(mutatedBase), sig))
	})

	_ = bodyHash
}

func TestClientAttachesSignatureHeaders(t *testing.T) {
	signer := newTestSigner(t)
	client := NewClient(signer)

	var gotSig, gotTS, gotNonce, gotPK string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotTS = r.Header.Get("X-Timestamp")
		gotNonce = r.Header.Get("X-Nonce")
		gotPK = r.Header.Get("X-Public-Key")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, body, err := client.Do(context.Background(), http.MethodPost, srv.URL+"/sdk/weights", "/sdk/weights", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok")

	require.NotEmpty(t, gotSig)
	require.NotEmpty(t, gotTS)
	require.NotEmpty(t, gotNonce)
	require.NotEmpty(t, gotPK)

	nonceBytes, err := hex.DecodeString(gotNonce)
	require.NoError(t, err)
	assert.Len(t, nonceBytes, 16)

	pkBytes, err := base64.StdEncoding.DecodeString(gotPK)
	require.NoError(t, err)
	assert.Equal(t, []byte(signer.pub), pkBytes)

	ts, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	assert.Greater(t, ts, int64(0))
}

func TestClientStatusErrorNotRetried(t *testing.T) {
	signer := newTestSigner(t)
	client := NewClient(signer)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	_, _, err := client.Do(context.Background(), http.MethodGet, srv.URL, "/", nil)
	require.Error(t, err)
	httpErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindStatus, httpErr.Kind)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestClientRetriesIdempotentVerbOnNetworkError(t *testing.T) {
	signer := newTestSigner(t)
	client := NewClient(signer)
	var sleeps int
	client.sleep = func(d time.Duration) { sleeps++ }

	// Point at an address nothing listens on to force a network error.
	_, _, err := client.Do(context.Background(), http.MethodGet, "http://127.0.0.1:1/", "/", nil)
	require.Error(t, err)
	httpErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindNetwork, httpErr.Kind)
	assert.Equal(t, defaultMaxRetries, sleeps)
}
