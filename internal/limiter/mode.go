package limiter

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/ratewarden/ratewarden/internal/cluster"
	"github.com/ratewarden/ratewarden/internal/logging"
)

// OperatingMode is the coordinator's self-assessed health, adapted
// from the teacher's core/mode.go DegradeController. The teacher
// tracked a single origin (Redis) plus regional quorum; here the mode
// is derived from the cluster membership alone, which replaces region
// quorum.
type OperatingMode int32

const (
	ModeNormal OperatingMode = iota
	ModeDegraded
	ModeEmergency
)

func (m OperatingMode) String() string {
	switch m {
	case ModeDegraded:
		return "degraded"
	case ModeEmergency:
		return "emergency"
	default:
		return "normal"
	}
}

// DegradeThresholds configures the health fractions at which the mode
// escalates.
type DegradeThresholds struct {
	MembershipUnhealthyFraction float64 // below this alive fraction, membership counts as unhealthy
	OriginUnhealthyFraction     float64 // open-breaker fraction; stored, but Update does not consult it
}

// DegradeController tracks cluster health for mode reporting. Update
// derives the mode from the fraction of alive members only; breaker
// state is not consulted, and the coordinator's decisions do not depend
// on the mode.
type DegradeController struct {
	mode     atomic.Int32
	members  *cluster.Membership
	breakers *cluster.BreakerPool
	thresholds DegradeThresholds
	logger   logging.Logger
	lastMode atomic.Int32
}

func NewDegradeController(members *cluster.Membership, breakers *cluster.BreakerPool, th DegradeThresholds, logger logging.Logger) *DegradeController {
	if th.MembershipUnhealthyFraction <= 0 {
		th.MembershipUnhealthyFraction = 0.5
	}
	if th.OriginUnhealthyFraction <= 0 {
		th.OriginUnhealthyFraction = 0.5
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	dc := &DegradeController{members: members, breakers: breakers, thresholds: th, logger: logger}
	dc.mode.Store(int32(ModeNormal))
	dc.lastMode.Store(int32(ModeNormal))
	return dc
}

func (dc *DegradeController) Mode() OperatingMode {
	if dc == nil {
		return ModeNormal
	}
	return OperatingMode(dc.mode.Load())
}

// Update recomputes the mode from current membership state. Call it
// periodically, not on the hot path.
func (dc *DegradeController) Update() {
	if dc == nil {
		return
	}
	aliveFraction := 1.0
	if dc.members != nil {
		all := dc.members.All()
		if len(all) > 0 {
			alive := len(dc.members.AliveMembers())
			aliveFraction = float64(alive) / float64(len(all))
		}
	}

	mode := ModeNormal
	if aliveFraction < dc.thresholds.MembershipUnhealthyFraction {
		mode = ModeEmergency
	} else if aliveFraction < 1.0 {
		mode = ModeDegraded
	}

	dc.mode.Store(int32(mode))
	prev := OperatingMode(dc.lastMode.Load())
	if prev != mode {
		dc.lastMode.Store(int32(mode))
		dc.logger.Info("operating mode changed", map[string]any{
			"old":            prev.String(),
			"new":            mode.String(),
			"aliveFraction":  math.Round(aliveFraction*100) / 100,
			"timestampUnix":  time.Now().Unix(),
		})
	}
}
