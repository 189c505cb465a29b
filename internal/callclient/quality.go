package callclient

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Quality thresholds
const (
	goodRTT  = 130 * time.Millisecond
	fairRTT  = 260 * time.Millisecond
	goodLoss = 0.03
	fairLoss = 0.08
)

// Sample is one quality reading
type Sample struct {
	Quality  Quality
	RTT      time.Duration
	HasRTT   bool
	Loss     float64
	HasLoss  bool
	Speaking bool
}

// Classify scores RTT and audio loss and maps the total to a label.
// Each metric scores 2 when good, 1 when fair or missing, 0 otherwise.
// A reading with neither metric is still checking.
func Classify(rtt time.Duration, hasRTT bool, loss float64, hasLoss bool) Quality {
	if !hasRTT && !hasLoss {
		return QualityChecking
	}

	score := 1
	if hasRTT {
		switch {
		case rtt <= goodRTT:
			score = 2
		case rtt <= fairRTT:
			score = 1
		default:
			score = 0
		}
	}

	lossScore := 1
	if hasLoss {
		switch {
		case loss <= goodLoss:
			lossScore = 2
		case loss <= fairLoss:
			lossScore = 1
		default:
			lossScore = 0
		}
	}
	score += lossScore

	switch {
	case score >= 3:
		return QualityGood
	case score <= 1:
		return QualityPoor
	default:
		return QualityFair
	}
}

// QualityMonitor samples transport statistics on a fixed interval while a
// call is connected
type QualityMonitor struct {
	clock             clock.Clock
	interval          time.Duration
	stats             func(ctx context.Context) (Stats, error)
	onSample          func(Sample)
	speakingThreshold uint64

	mu   sync.Mutex
	prev *Stats
	rep  *repeater
}

// NewQualityMonitor creates a monitor reading stats every interval
func NewQualityMonitor(clk clock.Clock, interval time.Duration, speakingThreshold uint64, stats func(context.Context) (Stats, error), onSample func(Sample)) *QualityMonitor {
	return &QualityMonitor{
		clock:             clk,
		interval:          interval,
		stats:             stats,
		onSample:          onSample,
		speakingThreshold: speakingThreshold,
	}
}

func (q *QualityMonitor) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.rep == nil {
		q.rep = startRepeater(q.clock, q.interval, q.sample)
	}
}

func (q *QualityMonitor) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.rep != nil {
		q.rep.Stop()
	}
}

func (q *QualityMonitor) sample() bool {
	ctx, cancel := context.WithTimeout(context.Background(), q.interval)
	defer cancel()

	cur, err := q.stats(ctx)
	if err != nil {
		q.onSample(Sample{Quality: QualityChecking})
		return true
	}

	q.mu.Lock()
	s := q.measure(cur)
	q.prev = &cur
	q.mu.Unlock()

	q.onSample(s)
	return true
}

// measure derives a sample from cur relative to the previous reading
func (q *QualityMonitor) measure(cur Stats) Sample {
	s := Sample{RTT: cur.RTT, HasRTT: cur.HasRTT}

	lost, received := cur.PacketsLost, cur.PacketsReceived
	if q.prev != nil {
		lost -= q.prev.PacketsLost
		received -= min(received, q.prev.PacketsReceived)
		if cur.AudioBytesReceived > q.prev.AudioBytesReceived {
			s.Speaking = cur.AudioBytesReceived-q.prev.AudioBytesReceived > q.speakingThreshold
		}
	}
	if lost < 0 {
		lost = 0
	}
	if total := uint64(lost) + received; total > 0 {
		s.Loss = float64(lost) / float64(total)
		s.HasLoss = true
	}

	s.Quality = Classify(s.RTT, s.HasRTT, s.Loss, s.HasLoss)
	return s
}
