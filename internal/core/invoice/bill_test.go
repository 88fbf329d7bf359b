package invoice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBillOfLading_Record(t *testing.T) {
	bill := NewBillOfLading()
	assert.False(t, bill.Failed())

	bill.Record("tcp://a:2375", "redis", true)
	bill.Record("tcp://a:2375", "api", false)

	assert.True(t, bill.Failed())
	assert.Equal(t, []string{"redis"}, bill.SucceededOn("tcp://a:2375"))
	assert.Equal(t, []string{"api"}, bill.FailedOn("tcp://a:2375"))
	assert.Empty(t, bill.FailedOn("tcp://b:2375"))
}

func TestBillOfLading_LatestOutcomeWins(t *testing.T) {
	bill := NewBillOfLading()

	bill.Record("h", "api", true)
	bill.Record("h", "api", false)
	assert.Empty(t, bill.SucceededOn("h"))
	assert.Equal(t, []string{"api"}, bill.FailedOn("h"))

	bill.Record("h", "api", true)
	assert.False(t, bill.Failed())
	assert.Equal(t, []string{"api"}, bill.SucceededOn("h"))
}

func TestBillOfLading_NoDuplicates(t *testing.T) {
	bill := NewBillOfLading()
	bill.Record("h", "api", true)
	bill.Record("h", "api", true)
	assert.Equal(t, []string{"api"}, bill.SucceededOn("h"))
}

func TestBillOfLading_VerifyForExport(t *testing.T) {
	bill := NewBillOfLading()
	assert.False(t, bill.VerifyForExport("h", "api"))

	bill.Record("h", "api", true)
	assert.True(t, bill.VerifyForExport("h", "api"))
	assert.False(t, bill.VerifyForExport("other", "api"))

	bill.Record("h", "api", false)
	assert.False(t, bill.VerifyForExport("h", "api"))
}

func TestBillOfLading_Hosts(t *testing.T) {
	bill := NewBillOfLading()
	bill.Record("b", "api", false)
	bill.Record("a", "api", true)
	bill.Record("b", "redis", true)

	assert.Equal(t, []string{"a", "b"}, bill.Hosts())
}
