package proxy

import (
	"fmt"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

const latencyWindow = 64

// Stats counts what a proxy did.
type Stats struct {
	Solicits        int
	Ignored         int
	StaticAnswers   int
	SessionsCreated int
	Resolved        int
	Timeouts        int
	CacheHits       int
	NegativeHits    int
	AdvertsSent     int
	SendErrors      int
	latency         *movingaverage.MovingAverage
}

func newStats() *Stats {
	return &Stats{latency: movingaverage.New(latencyWindow)}
}

// AvgResolveTime is the moving average time between the first NS for a
// target and the NA resolving it, over the last resolutions.
func (s *Stats) AvgResolveTime() time.Duration {
	if s.Resolved == 0 {
		return 0
	}
	return time.Duration(s.latency.Avg())
}

func (s *Stats) String() string {
	r := fmt.Sprintf("NS received:%d\n", s.Solicits)
	r += fmt.Sprintf("Ignored:%d\n", s.Ignored)
	r += fmt.Sprintf("Static answers:%d\n", s.StaticAnswers)
	r += fmt.Sprintf("Sessions:%d\n", s.SessionsCreated)
	r += fmt.Sprintf("Resolved:%d\n", s.Resolved)
	r += fmt.Sprintf("Timeouts:%d\n", s.Timeouts)
	r += fmt.Sprintf("Cache hits:%d\n", s.CacheHits)
	r += fmt.Sprintf("Negative hits:%d\n", s.NegativeHits)
	r += fmt.Sprintf("NA sent:%d\n", s.AdvertsSent)
	r += fmt.Sprintf("Send errors:%d\n", s.SendErrors)
	r += fmt.Sprintf("Avg resolve time:%v\n", s.AvgResolveTime())
	return r
}
