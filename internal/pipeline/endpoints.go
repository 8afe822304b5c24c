package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"vigilit/pkg/inference"
)

// Classifier is the slice of the inference client the pipeline needs
type Classifier interface {
	Name() string
	Classify(ctx context.Context, pmid, sponsorHint, subjectName string) (*inference.Result, error)
}

// EndpointHealth is a read-only snapshot of one endpoint's state
type EndpointHealth struct {
	Name                string    `json:"name"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Inflight            int       `json:"inflight"`
	SuccessCount        int       `json:"successCount"`
	FailureCount        int       `json:"failureCount"`
	NextAvailableAt     time.Time `json:"nextAvailableAt"`
}

type endpoint struct {
	client              Classifier
	healthy             bool
	consecutiveFailures int
	inflight            int
	successCount        int
	failureCount        int
	totalLatency        time.Duration
	nextAvailableAt     time.Time
}

func (e *endpoint) successRate() float64 {
	total := e.successCount + e.failureCount
	if total == 0 {
		return 1.0
	}
	return float64(e.successCount) / float64(total)
}

func (e *endpoint) avgLatency() time.Duration {
	if e.successCount == 0 {
		return 0
	}
	return e.totalLatency / time.Duration(e.successCount)
}

// EndpointSet tracks per-endpoint health for one pipeline instance. The
// state is process-local and advisory: it only steers endpoint selection.
// Correctness (exactly-once case creation) comes from the store's
// conditional writes, never from this bookkeeping, so relaxed accuracy
// across process instances is acceptable.
type EndpointSet struct {
	mu               sync.Mutex
	endpoints        []*endpoint
	perEndpointCap   int
	breakerThreshold int
	breakerCooldown  time.Duration
	failureCooldown  time.Duration
	now              func() time.Time
}

func NewEndpointSet(clients []Classifier, perEndpointCap, breakerThreshold int, breakerCooldown, failureCooldown time.Duration) *EndpointSet {
	endpoints := make([]*endpoint, 0, len(clients))
	for _, c := range clients {
		endpoints = append(endpoints, &endpoint{client: c, healthy: true})
	}

	return &EndpointSet{
		endpoints:        endpoints,
		perEndpointCap:   perEndpointCap,
		breakerThreshold: breakerThreshold,
		breakerCooldown:  breakerCooldown,
		failureCooldown:  failureCooldown,
		now:              time.Now,
	}
}

// Size returns the number of configured endpoints
func (s *EndpointSet) Size() int {
	return len(s.endpoints)
}

// Acquire picks the best endpoint for the next call and reserves an
// in-flight slot on it. Healthy endpoints past their cooldown and under
// their concurrency cap are preferred, untried ones first, ranked by
// success rate then average latency. If none qualify, any endpoint with
// spare capacity whose cooldown has expired serves as fallback; that is
// also how a tripped breaker gets its half-open probe. When everything is
// saturated or cooling down, ok is false and retryAt hints when to ask
// again.
func (s *EndpointSet) Acquire(tried map[string]bool) (client Classifier, ok bool, retryAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	pick := func(candidates []*endpoint) *endpoint {
		var best *endpoint
		for _, e := range candidates {
			if best == nil {
				best = e
				continue
			}
			bestTried, eTried := tried[best.client.Name()], tried[e.client.Name()]
			if bestTried != eTried {
				if !eTried {
					best = e
				}
				continue
			}
			if e.successRate() != best.successRate() {
				if e.successRate() > best.successRate() {
					best = e
				}
				continue
			}
			if e.avgLatency() < best.avgLatency() {
				best = e
			}
		}
		return best
	}

	var primary, fallback []*endpoint
	for _, e := range s.endpoints {
		if e.inflight >= s.perEndpointCap || now.Before(e.nextAvailableAt) {
			continue
		}
		if e.healthy {
			primary = append(primary, e)
		} else {
			fallback = append(fallback, e)
		}
	}

	chosen := pick(primary)
	if chosen == nil {
		chosen = pick(fallback)
	}
	if chosen == nil {
		soonest := now.Add(s.failureCooldown)
		for _, e := range s.endpoints {
			if e.inflight < s.perEndpointCap && e.nextAvailableAt.Before(soonest) && e.nextAvailableAt.After(now) {
				soonest = e.nextAvailableAt
			}
		}
		return nil, false, soonest
	}

	chosen.inflight++
	return chosen.client, true, time.Time{}
}

// ReportSuccess releases the in-flight slot and resets the failure streak
func (s *EndpointSet) ReportSuccess(name string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.find(name)
	if e == nil {
		return
	}

	e.inflight--
	e.successCount++
	e.totalLatency += latency
	e.consecutiveFailures = 0
	e.healthy = true
}

// ReportFailure releases the in-flight slot, bumps the failure streak and
// applies cooldowns. Every failure earns a short cooldown so a flaky
// endpoint is not hammered; a streak past the threshold trips the breaker
// and takes the endpoint out of primary selection for the long cooldown.
func (s *EndpointSet) ReportFailure(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.find(name)
	if e == nil {
		return
	}

	e.inflight--
	e.failureCount++
	e.consecutiveFailures++
	e.nextAvailableAt = s.now().Add(s.failureCooldown)

	if e.consecutiveFailures >= s.breakerThreshold && e.healthy {
		e.healthy = false
		e.nextAvailableAt = s.now().Add(s.breakerCooldown)
		log.Warn().
			Str("endpoint", name).
			Int("consecutiveFailures", e.consecutiveFailures).
			Time("nextAvailableAt", e.nextAvailableAt).
			Msg("Endpoint marked unhealthy, breaker open")
	} else if !e.healthy {
		// Still failing after the probe: keep it out for another cooldown
		e.nextAvailableAt = s.now().Add(s.breakerCooldown)
	}
}

// Health returns a snapshot of every endpoint's state
func (s *EndpointSet) Health() []EndpointHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EndpointHealth, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		out = append(out, EndpointHealth{
			Name:                e.client.Name(),
			Healthy:             e.healthy,
			ConsecutiveFailures: e.consecutiveFailures,
			Inflight:            e.inflight,
			SuccessCount:        e.successCount,
			FailureCount:        e.failureCount,
			NextAvailableAt:     e.nextAvailableAt,
		})
	}
	return out
}

func (s *EndpointSet) find(name string) *endpoint {
	for _, e := range s.endpoints {
		if e.client.Name() == name {
			return e
		}
	}
	return nil
}
