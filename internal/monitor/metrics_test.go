package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveExchange(t *testing.T) {
	Register(prometheus.NewRegistry())

	before := testutil.ToFloat64(Exchanges.WithLabelValues("0x10", "error"))
	sentBefore := testutil.ToFloat64(BytesSent)

	ObserveExchange(0x10, 6, 0, 10*time.Millisecond, errors.New("timeout"))

	if got := testutil.ToFloat64(Exchanges.WithLabelValues("0x10", "error")); got != before+1 {
		t.Fatalf("error exchanges = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(BytesSent); got != sentBefore+6 {
		t.Fatalf("bytes sent = %v", got)
	}
}
