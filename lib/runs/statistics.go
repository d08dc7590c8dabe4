package runs

import "time"

// Statistics is the aggregate report produced by runStatistics (spec.md
// §4.8): totals by status, by repository, average duration over successful
// runs, and success rate.
type Statistics struct {
	TotalsByStatus     map[Status]int
	TotalsByRepository map[string]int
	AverageDuration    time.Duration
	SuccessRate        float64
}

// Statistics computes aggregate figures over every currently stored run.
func (s *Store) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Statistics{
		TotalsByStatus:     make(map[Status]int),
		TotalsByRepository: make(map[string]int),
	}

	var successDurationSum time.Duration
	var successCount, terminalCount int

	for _, r := range s.runs {
		stats.TotalsByStatus[r.Status]++
		stats.TotalsByRepository[r.Repository]++

		if r.Status.terminal() {
			terminalCount++
		}
		if r.Status == StatusSuccess {
			successCount++
			successDurationSum += r.Duration()
		}
	}

	if successCount > 0 {
		stats.AverageDuration = successDurationSum / time.Duration(successCount)
	}
	if terminalCount > 0 {
		stats.SuccessRate = float64(successCount) / float64(terminalCount)
	}
	return stats
}
