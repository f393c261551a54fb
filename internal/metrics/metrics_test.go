package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHelpers(t *testing.T) {
	stalls := testutil.ToFloat64(StallsTotal.WithLabelValues("transient"))
	downgrades := testutil.ToFloat64(DowngradesTotal.WithLabelValues("applied"))
	reloads := testutil.ToFloat64(ReloadsTotal.WithLabelValues("sweep"))
	loads := testutil.ToFloat64(CatalogLoadsTotal.WithLabelValues("inline", "ok"))

	RecordStall("transient")
	RecordDowngrade("applied")
	RecordReload("sweep")
	RecordReload("sweep")
	RecordCatalogLoad("inline", "ok")

	assert.Equal(t, stalls+1, testutil.ToFloat64(StallsTotal.WithLabelValues("transient")))
	assert.Equal(t, downgrades+1, testutil.ToFloat64(DowngradesTotal.WithLabelValues("applied")))
	assert.Equal(t, reloads+2, testutil.ToFloat64(ReloadsTotal.WithLabelValues("sweep")))
	assert.Equal(t, loads+1, testutil.ToFloat64(CatalogLoadsTotal.WithLabelValues("inline", "ok")))
}
