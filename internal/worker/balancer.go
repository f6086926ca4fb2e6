package worker

import (
	"sort"
	"time"

	"github.com/ChuLiYu/beaver-flow/pkg/types"
)

// speedReference average processing time that still earns a full speed score
const speedReference = 10 * time.Second

// LoadBalancer ranks workers by efficiency and current load. It holds no
// state; callers pass in stats snapshots.
type LoadBalancer struct{}

// SelectOptimalWorker returns the worker with the highest
// efficiency/(active+1) among non-paused workers accepted by eligible.
// Ties go to the first worker in stats order.
func (LoadBalancer) SelectOptimalWorker(stats []types.WorkerStats, eligible func(id string) bool) (string, bool) {
	bestID := ""
	bestScore := -1.0
	for _, s := range stats {
		if s.Paused {
			continue
		}
		if eligible != nil && !eligible(s.ID) {
			continue
		}
		score := s.Efficiency / float64(s.TasksActive+1)
		if score > bestScore {
			bestID, bestScore = s.ID, score
		}
	}
	return bestID, bestID != ""
}

// SelectForRemoval returns up to n worker IDs, lowest efficiency first
func (LoadBalancer) SelectForRemoval(stats []types.WorkerStats, n int) []string {
	if n <= 0 {
		return nil
	}
	sorted := make([]types.WorkerStats, len(stats))
	copy(sorted, stats)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Efficiency < sorted[j].Efficiency })

	if n > len(sorted) {
		n = len(sorted)
	}
	ids := make([]string, 0, n)
	for _, s := range sorted[:n] {
		ids = append(ids, s.ID)
	}
	return ids
}

// Efficiency weighted blend of lifetime success rate, speed and recent
// reliability, clamped to [0,1]. recentErrors/recentTotal cover the last
// few outcomes only.
func Efficiency(completed, errors int, avg time.Duration, recentErrors, recentTotal int) float64 {
	success := 1.0
	if total := completed + errors; total > 0 {
		success = float64(completed) / float64(total)
	}

	speed := 1.0
	if avg > speedReference {
		speed = float64(speedReference) / float64(avg)
	}

	reliability := 1.0
	if recentTotal > 0 {
		reliability = 1 - float64(recentErrors)/float64(recentTotal)
	}

	return types.Clamp01(success*0.4 + speed*0.3 + reliability*0.3)
}
