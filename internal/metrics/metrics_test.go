package metrics

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/botadmin/internal/dberrors"
)

func TestObserve(t *testing.T) {
	r := New("")
	reg := prometheus.NewRegistry()
	require.NoError(t, r.Register(reg))

	r.Observe("User", "create", nil, 3*time.Millisecond)
	r.Observe("User", "create", dberrors.Unique("User", "email"), time.Millisecond)
	r.Observe("User", "create", errors.New("boom"), time.Millisecond)
	r.Transaction("commit")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.OperationsTotal.WithLabelValues("User", "create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.OperationsTotal.WithLabelValues("User", "create", "UniqueConstraintViolation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.OperationsTotal.WithLabelValues("User", "create", "UnknownEngineError")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.TransactionsTotal.WithLabelValues("commit")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.OperationDuration))

	assert.Error(t, r.Register(reg), "collectors register once")
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Observe("User", "create", nil, time.Millisecond)
		r.Transaction("rollback")
	})
}
