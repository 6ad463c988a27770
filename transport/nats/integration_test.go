//go:build integration

package nats_test

import (
	"testing"

	"github.com/c360/mqfabric/transport/nats"
	"github.com/c360/mqfabric/transport/transporttest"
)

func TestIntegration_NATSConformance(t *testing.T) {
	url := transporttest.StartNATS(t)
	transporttest.RunConformance(t, nats.NewDialer(url, nats.WithBucket("conformance_retained")))
}
