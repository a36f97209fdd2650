package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatMonitorExpiresPastGracePeriod(t *testing.T) {
	h := NewHeartbeatMonitor(5 * time.Second)
	base := time.Unix(0, 0)

	h.Touch("a", base)
	h.Touch("b", base.Add(4*time.Second))

	expired := h.Expired(base.Add(6 * time.Second))
	assert.ElementsMatch(t, []string{"a"}, expired)

	h.Forget("a")
	h.Forget("b")
	assert.Empty(t, h.Expired(base.Add(100*time.Second)))
}
