package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordProviderCall(t *testing.T) {
	before := testutil.ToFloat64(providerCallsTotal.WithLabelValues("create_volume", "ok"))
	RecordProviderCall("create_volume", "ok", 0.2)
	assert.Equal(t, before+1, testutil.ToFloat64(providerCallsTotal.WithLabelValues("create_volume", "ok")))
}

func TestRecordWebhook(t *testing.T) {
	before := testutil.ToFloat64(webhooksTotal.WithLabelValues("stripe", "duplicate"))
	RecordWebhook("stripe", "duplicate")
	RecordWebhook("stripe", "duplicate")
	assert.Equal(t, before+2, testutil.ToFloat64(webhooksTotal.WithLabelValues("stripe", "duplicate")))
}

func TestSubscriberGauge(t *testing.T) {
	before := testutil.ToFloat64(subscribersActive)
	SubscriberAdded()
	SubscriberAdded()
	SubscriberRemoved()
	assert.Equal(t, before+1, testutil.ToFloat64(subscribersActive))
}

func TestRegistryGathers(t *testing.T) {
	RecordTransition("pending", "provisioning")
	n, err := testutil.GatherAndCount(Registry, "tenantplane_tenant_transitions_total")
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}
