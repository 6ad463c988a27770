package transporttest_test

import (
	"testing"

	"github.com/c360/mqfabric/transport/memory"
	"github.com/c360/mqfabric/transport/transporttest"
)

func TestMemoryBrokerConformance(t *testing.T) {
	transporttest.RunConformance(t, memory.NewBroker().Dialer())
}
