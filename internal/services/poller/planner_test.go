package poller

import (
	"testing"
	"time"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/stretchr/testify/suite"
)

type fixedRand struct{ v int }

func (r fixedRand) Intn(n int) int {
	if r.v >= n {
		return n - 1
	}
	return r.v
}

type PlannerSuite struct {
	suite.Suite
}

func (s *PlannerSuite) TestBackoffDelay() {
	p := NewPlanner(DefaultPlannerConfig(), nil)
	s.Equal(5*time.Minute, p.BackoffDelay(1))
	s.Equal(15*time.Minute, p.BackoffDelay(2))
	s.Equal(30*time.Minute, p.BackoffDelay(3))
	s.Equal(60*time.Minute, p.BackoffDelay(4))
	s.Equal(60*time.Minute, p.BackoffDelay(100))
}

func (s *PlannerSuite) TestNextCheckDelay_Terminal() {
	p := NewPlanner(DefaultPlannerConfig(), fixedRand{})
	s.Equal(365*24*time.Hour, p.NextCheckDelay(models.DeliveryStatusDelivered))
	s.Equal(365*24*time.Hour, p.NextCheckDelay(models.DeliveryStatusRTODelivered))
	s.Equal(365*24*time.Hour, p.NextCheckDelay(models.DeliveryStatusCancelled))
}

func (s *PlannerSuite) TestNextCheckDelay_OutForDelivery() {
	p := NewPlanner(DefaultPlannerConfig(), fixedRand{})
	s.Equal(15*time.Minute, p.NextCheckDelay(models.DeliveryStatusOutForDelivery))
}

func (s *PlannerSuite) TestNextCheckDelay_NDR() {
	p := NewPlanner(DefaultPlannerConfig(), fixedRand{})
	s.Equal(4*time.Hour, p.NextCheckDelay(models.DeliveryStatusNDR))
}

func (s *PlannerSuite) TestNextCheckDelay_InTransit_UsesRand() {
	p := NewPlanner(DefaultPlannerConfig(), fixedRand{v: 0})
	s.Equal(30*time.Minute, p.NextCheckDelay(models.DeliveryStatusInTransit))
}

func (s *PlannerSuite) TestNextCheckDelay_Pending() {
	p := NewPlanner(DefaultPlannerConfig(), fixedRand{})
	s.Equal(time.Hour, p.NextCheckDelay(models.DeliveryStatusPending))
	s.Equal(time.Hour, p.NextCheckDelay(models.DeliveryStatusManifested))
}

func (s *PlannerSuite) TestConfig_SwappedMinMax() {
	cfg := DefaultPlannerConfig()
	cfg.InTransitMinDelay = 10 * time.Minute
	cfg.InTransitMaxDelay = 5 * time.Minute
	p := NewPlanner(cfg, fixedRand{})
	s.Equal(10*time.Minute, p.NextCheckDelay(models.DeliveryStatusInTransit))
}

func TestPlannerSuite(t *testing.T) {
	suite.Run(t, new(PlannerSuite))
}
