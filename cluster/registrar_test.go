package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCoordinatorMux stands up the three routes Registrar calls,
// without depending on the coordinator package (which itself depends
// on cluster — importing it back here would cycle).
func fakeCoordinatorMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/register_client", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RegisterReply{PPRank: 0, StartIdx: 0, EndIdx: 2, Msg: "ok"})
	})
	mux.HandleFunc("/init_model", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestRegisterAndInitModelRoundTrip(t *testing.T) {
	ts := httptest.NewServer(fakeCoordinatorMux())
	defer ts.Close()

	r := NewRegistrar(ts.URL, "worker-1", "127.0.0.1", 9000)
	reply, err := r.Register(-1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, reply.PPRank)

	err = r.InitModel(reply.PPRank, reply.StartIdx, reply.EndIdx)
	require.NoError(t, err)
}

func TestHealthyReflectsCoordinatorStatus(t *testing.T) {
	ts := httptest.NewServer(fakeCoordinatorMux())
	defer ts.Close()

	r := NewRegistrar(ts.URL, "worker-1", "127.0.0.1", 9000)
	assert.True(t, r.Healthy())

	ts.Close()
	assert.False(t, r.Healthy())
}

func TestRunHeartbeatReconnectsOnMissedBeat(t *testing.T) {
	ts := httptest.NewServer(fakeCoordinatorMux())

	r := NewRegistrar(ts.URL, "worker-1", "127.0.0.1", 9000)

	ctx, cancel := context.WithCancel(context.Background())
	var reconnects int32
	reconnect := func() error {
		atomic.AddInt32(&reconnects, 1)
		return nil
	}

	done := make(chan struct{})
	go func() {
		r.RunHeartbeat(ctx, 10*time.Millisecond, 3, time.Millisecond, reconnect)
		close(done)
	}()

	time.Sleep(15 * time.Millisecond)
	ts.Close() // coordinator goes dark, next tick should trigger a reconnect attempt
	time.Sleep(40 * time.Millisecond)
	cancel()
	<-done

	assert.Greater(t, atomic.LoadInt32(&reconnects), int32(0))
}
