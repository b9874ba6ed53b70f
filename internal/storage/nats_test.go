package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobsched/pkg/logx"
)

// runJetStream starts an embedded server on a random port.
func runJetStream(t *testing.T) *server.Server {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := natstest.RunServer(&opts)
	t.Cleanup(srv.Shutdown)
	return srv
}

func openTestNATS(t *testing.T) Store {
	t.Helper()
	srv := runJetStream(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := NewNATS(ctx, nc, Config{FetchWait: 50 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestNATSOpenByURL(t *testing.T) {
	t.Parallel()
	srv := runJetStream(t)

	st, err := Open(Config{Driver: "nats", URL: srv.ClientURL(), Bucket: "b1", Stream: "S1"}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Ping(context.Background()))
}

func TestNATSHashSetMergesConcurrentWriters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestNATS(t)

	const writers = 4
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, st.HashSet(ctx, "shared", map[string]string{fmt.Sprintf("f%d", i): "v"}))
		}(i)
	}
	wg.Wait()

	all, err := st.HashGetAll(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, all, writers)
}

func TestNATSDrainSpansBatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestNATS(t)

	want := make([]string, 0, drainBatch+44)
	for i := 0; i < cap(want); i++ {
		e := fmt.Sprintf("e%03d", i)
		want = append(want, e)
		require.NoError(t, st.QueuePush(ctx, "todo-list", e))
	}
	got, err := st.QueueDrain(ctx, "todo-list")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// The cached consumer keeps working on the next drain.
	require.NoError(t, st.QueuePush(ctx, "todo-list", "late"))
	got, err = st.QueueDrain(ctx, "todo-list")
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, got)
}

func TestNATSRevisionConflictClassification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := runJetStream(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: "cas"})
	require.NoError(t, err)

	rev, err := kv.Create(ctx, "k", []byte("1"))
	require.NoError(t, err)
	_, err = kv.Update(ctx, "k", []byte("2"), rev)
	require.NoError(t, err)

	_, err = kv.Update(ctx, "k", []byte("3"), rev)
	require.Error(t, err)
	assert.True(t, isRevisionConflict(err), "stale revision: %v", err)

	_, err = kv.Create(ctx, "k", []byte("4"))
	require.Error(t, err)
	assert.True(t, isRevisionConflict(err), "existing key: %v", err)

	assert.False(t, isRevisionConflict(nats.ErrConnectionClosed))
	assert.False(t, isRevisionConflict(errors.Wrap(context.DeadlineExceeded, "kv update")))
}

func TestNATSClosedIsUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestNATS(t)
	require.NoError(t, st.HashSet(ctx, "t1", map[string]string{"status": "RUNNING"}))
	require.NoError(t, st.Close())

	err := st.HashSet(ctx, "t1", map[string]string{"status": "STOPPED"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotContains(t, err.Error(), "concurrent")
	_, err = st.HashGetField(ctx, "t1", "status")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, st.QueuePush(ctx, "q", "e"), ErrUnavailable)
	assert.ErrorIs(t, st.Ping(ctx), ErrUnavailable)
}
