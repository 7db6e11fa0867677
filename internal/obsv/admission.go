package obsv

// AdmissionGate decides, before any WebSocket upgrade happens, whether a
// new connection attempt should be accepted. It never throttles or
// disconnects a connection already admitted — it only protects the
// upgrade handshake itself under load.
type AdmissionGate struct {
	limiter   rateLimiter
	selfStat  *SelfStat
	rejectPct float64
	plane     string
}

// rateLimiter is the subset of *ratelimit.Limiter the gate depends on,
// declared locally to avoid an import cycle between obsv and ratelimit.
type rateLimiter interface {
	Allow(ip string) bool
}

// NewAdmissionGate builds a gate for one listener ("ingest" or "feed").
func NewAdmissionGate(plane string, limiter rateLimiter, selfStat *SelfStat, rejectPct float64) *AdmissionGate {
	return &AdmissionGate{limiter: limiter, selfStat: selfStat, rejectPct: rejectPct, plane: plane}
}

// Check returns a non-empty rejection reason when the connection should
// be refused, incrementing the matching metric as a side effect.
func (g *AdmissionGate) Check(ip string) string {
	if g.limiter != nil && !g.limiter.Allow(ip) {
		RateLimitRejections.WithLabelValues(g.plane).Inc()
		return "rate_limited"
	}
	if g.selfStat != nil && g.rejectPct > 0 && g.selfStat.CPUPercent() >= g.rejectPct {
		ConnectionsRejected.WithLabelValues(g.plane, "cpu_overload").Inc()
		return "cpu_overload"
	}
	return ""
}
