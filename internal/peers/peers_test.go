package peers

import (
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/challenge-sidecar/internal/transport"
)

// fakeConn is a minimal in-memory connection satisfying transport's
// unexported wireConn interface structurally, so tests can build real
// transport.Session values without a network.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
}

func newFakeConnPair() (*fakeConn, *fakeConn) {
	ab := make(chan []byte, 32)
	ba := make(chan []byte, 32)
	a := &fakeConn{in: ba, out: ab, closed: make(chan struct{})}
	b := &fakeConn{in: ab, out: ba, closed: make(chan struct{})}
	return a, b
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m, ok := <-c.in:
		if !ok {
			return 0, nil, fmt.Errorf("fake conn closed")
		}
		return 2, m, nil
	case <-c.closed:
		return 0, nil, fmt.Errorf("fake conn closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return fmt.Errorf("fake conn closed")
	}
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func newTestSession(t *testing.T, role transport.Role) *transport.Session {
	t.Helper()
	secret := make([]byte, 32)
	salt := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	_, err = rand.Read(salt)
	require.NoError(t, err)

	a, b := newFakeConnPair()
	peerEnd, err := transport.NewSession(b, role, false, secret, salt, transport.WithHeartbeatInterval(time.Hour))
	require.NoError(t, err)
	t.Cleanup(peerEnd.Close)

	sess, err := transport.NewSession(a, role, true, secret, salt, transport.WithHeartbeatInterval(time.Hour))
	require.NoError(t, err)
	return sess
}

func TestAdmitDisplacesExistingSameRoleSession(t *testing.T) {
	m := NewManager()
	first := newTestSession(t, transport.RoleAdmin)
	m.Admit(transport.RoleAdmin, first)

	second := newTestSession(t, transport.RoleAdmin)
	t.Cleanup(second.Close)
	m.Admit(transport.RoleAdmin, second)

	select {
	case <-first.Done():
	default:
		t.Fatal("displaced session should be closed")
	}

	got, ok := m.Admin()
	require.True(t, ok)
	assert.Same(t, second, got.Transport)
}

func TestCheckAdmissionRoleRules(t *testing.T) {
	m := NewManager()

	cases := []struct {
		kind    MessageKind
		role    transport.Role
		wantErr bool
	}{
		{MsgMigrationsApply, transport.RoleAdmin, false},
		{MsgMigrationsApply, transport.RoleConsumer, true},
		{MsgOrmWrite, transport.RoleAdmin, false},
		{MsgOrmWrite, transport.RoleConsumer, true},
		{MsgOrmDDL, transport.RoleConsumer, true},
		{MsgOrmRead, transport.RoleAdmin, false},
		{MsgOrmRead, transport.RoleConsumer, false},
		{MsgJobExecute, transport.RoleConsumer, false},
		{MsgJobExecute, transport.RoleAdmin, true},
	}
	for _, c := range cases {
		err := m.CheckAdmission(c.kind, c.role)
		if c.wantErr {
			assert.Errorf(t, err, "%s from %s should be rejected", c.kind, c.role)
			var perr *Error
			assert.ErrorAs(t, err, &perr)
			assert.Equal(t, KindRoleRejected, perr.Kind)
		} else {
			assert.NoErrorf(t, err, "%s from %s should be admitted", c.kind, c.role)
		}
	}
}

func TestCredentialsSealOnceThenGateReopensOnReRequest(t *testing.T) {
	m := NewManager()

	require.NoError(t, m.CheckAdmission(MsgCredentialsSeal, transport.RoleAdmin))
	m.MarkCredentialsSealed()

	err := m.CheckAdmission(MsgCredentialsSeal, transport.RoleAdmin)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindAlreadySealed, perr.Kind)

	m.AllowCredentialsReseal()
	assert.NoError(t, m.CheckAdmission(MsgCredentialsSeal, transport.RoleAdmin))
}

func TestCredentialsSealRejectedFromConsumer(t *testing.T) {
	m := NewManager()
	err := m.CheckAdmission(MsgCredentialsSeal, transport.RoleConsumer)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindRoleRejected, perr.Kind)
}

func TestPreferredReaderPrefersConsumer(t *testing.T) {
	m := NewManager()

	admin := newTestSession(t, transport.RoleAdmin)
	t.Cleanup(admin.Close)
	m.Admit(transport.RoleAdmin, admin)

	reader, ok := m.PreferredReader()
	require.True(t, ok)
	assert.Same(t, admin, reader.Transport)

	consumer := newTestSession(t, transport.RoleConsumer)
	t.Cleanup(consumer.Close)
	m.Admit(transport.RoleConsumer, consumer)

	reader, ok = m.PreferredReader()
	require.True(t, ok)
	assert.Same(t, consumer, reader.Transport)
}

func TestSessionTeardownRemovesFromTable(t *testing.T) {
	m := NewManager()
	sess := newTestSession(t, transport.RoleConsumer)
	m.Admit(transport.RoleConsumer, sess)

	_, ok := m.Consumer()
	require.True(t, ok)

	sess.Close()

	require.Eventually(t, func() bool {
		_, ok := m.Consumer()
		return !ok
	}, time.Second, 5*time.Millisecond)
}
