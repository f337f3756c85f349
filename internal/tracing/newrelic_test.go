package tracing

import (
	"testing"

	"github.com/Omer1970/ShippingAPP-sub001/config"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracerWithoutLicenseIsDisabled(t *testing.T) {
	tracer, err := NewTracer(config.TracingConfig{AppName: "delivery-sync"})
	require.NoError(t, err)

	txn := tracer.StartTransaction("sync-delivery")
	assert.Nil(t, txn)
	assert.Nil(t, tracer.Application())

	seg := tracer.StartSegment(txn, "upload-signature")
	assert.NotPanics(t, func() {
		seg.End()
		tracer.AddAttribute(txn, "delivery_id", "abc")
		tracer.RecordError(txn, errors.New("erp down"))
		tracer.EndTransaction(txn)
		tracer.Close()
	})
}

func TestDisabledTracer(t *testing.T) {
	tracer := Disabled()
	assert.Nil(t, tracer.StartTransaction("capture"))
	assert.Nil(t, tracer.Application())
}
