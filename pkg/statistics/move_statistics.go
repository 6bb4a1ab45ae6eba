package statistics

import (
	"sync"
	"time"

	"github.com/caio/go-tdigest"
	"github.com/pg-sharding/rangekeeper/pkg/rklog"
)

type Phase string

const (
	PhaseClone   = Phase("clone")
	PhaseCatchUp = Phase("catch_up")
	PhaseCommit  = Phase("commit")
)

type moveTimes struct {
	start  time.Time
	qdb    time.Duration
	phases map[Phase]time.Duration
}

type moveStatistics struct {
	mu sync.Mutex

	current map[string]*moveTimes

	totalMoves int
	totalTime  time.Duration
	qdbTime    time.Duration
	phaseTime  map[Phase]time.Duration
	digest     *tdigest.TDigest
}

var moveStats = newMoveStatistics()

func newMoveStatistics() *moveStatistics {
	d, _ := tdigest.New()
	return &moveStatistics{
		current:   map[string]*moveTimes{},
		phaseTime: map[Phase]time.Duration{},
		digest:    d,
	}
}

// MoveStatistics holds mean durations over all finished migrations and
// quantiles of their total duration.
type MoveStatistics struct {
	TotalMoves  int
	TotalTime   time.Duration
	QDBTime     time.Duration
	CloneTime   time.Duration
	CatchUpTime time.Duration
	CommitTime  time.Duration
	P50         time.Duration
	P99         time.Duration
}

func RecordMoveStart(id string, t time.Time) {
	rklog.Zero.Debug().Str("migration", id).Msg("move stats: record move start")
	moveStats.mu.Lock()
	defer moveStats.mu.Unlock()
	moveStats.current[id] = &moveTimes{start: t, phases: map[Phase]time.Duration{}}
}

func RecordMovePhase(id string, phase Phase, duration time.Duration) {
	moveStats.mu.Lock()
	defer moveStats.mu.Unlock()
	if m, ok := moveStats.current[id]; ok {
		m.phases[phase] += duration
	}
}

// RecordMoveFinish folds a finished migration into the totals. Unknown ids are ignored.
func RecordMoveFinish(id string, t time.Time) {
	rklog.Zero.Debug().Str("migration", id).Msg("move stats: record move finish")
	moveStats.mu.Lock()
	defer moveStats.mu.Unlock()

	m, ok := moveStats.current[id]
	if !ok {
		return
	}
	delete(moveStats.current, id)

	total := t.Sub(m.start)
	moveStats.totalMoves++
	moveStats.totalTime += total
	moveStats.qdbTime += m.qdb
	for p, d := range m.phases {
		moveStats.phaseTime[p] += d
	}
	_ = moveStats.digest.Add(total.Seconds())
}

func recordMoveQDBTime(duration time.Duration) {
	moveStats.mu.Lock()
	defer moveStats.mu.Unlock()
	for _, m := range moveStats.current {
		m.qdb += duration
	}
}

func GetMoveStats() *MoveStatistics {
	moveStats.mu.Lock()
	defer moveStats.mu.Unlock()

	if moveStats.totalMoves == 0 {
		return &MoveStatistics{}
	}
	n := time.Duration(moveStats.totalMoves)
	return &MoveStatistics{
		TotalMoves:  moveStats.totalMoves,
		TotalTime:   moveStats.totalTime / n,
		QDBTime:     moveStats.qdbTime / n,
		CloneTime:   moveStats.phaseTime[PhaseClone] / n,
		CatchUpTime: moveStats.phaseTime[PhaseCatchUp] / n,
		CommitTime:  moveStats.phaseTime[PhaseCommit] / n,
		P50:         secondsToDuration(moveStats.digest.Quantile(0.5)),
		P99:         secondsToDuration(moveStats.digest.Quantile(0.99)),
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ResetMoveStats drops everything recorded so far.
func ResetMoveStats() {
	fresh := newMoveStatistics()
	moveStats.mu.Lock()
	defer moveStats.mu.Unlock()
	moveStats.current = fresh.current
	moveStats.totalMoves = 0
	moveStats.totalTime = 0
	moveStats.qdbTime = 0
	moveStats.phaseTime = fresh.phaseTime
	moveStats.digest = fresh.digest
}
