package quality

import "time"

// Granularity is a QualityMetric bucket width.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

func (g Granularity) bucketStart(t time.Time) time.Time {
	switch g {
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	}
}

// Metric is one time-bucketed aggregate for a repository.
type Metric struct {
	Repository     string
	BucketStart    time.Time
	Granularity    Granularity
	ViolationCount int
	FileCount      int
}

// RecordMetric upserts the bucket containing at, accumulating counts into
// the existing bucket if one already exists for (repository, bucketStart,
// granularity).
func (s *Store) RecordMetric(repository string, at time.Time, granularity Granularity, violationCount, fileCount int) error {
	bucket := granularity.bucketStart(at)
	_, err := s.db.Exec(`
		INSERT INTO quality_metrics (repository, bucket_start, granularity, violation_count, file_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repository, bucket_start, granularity) DO UPDATE SET
			violation_count = violation_count + excluded.violation_count,
			file_count = file_count + excluded.file_count
	`, repository, bucket, string(granularity), violationCount, fileCount)
	return err
}

// MetricsInRange returns the buckets for repository within [from, to] at the
// given granularity.
func (s *Store) MetricsInRange(repository string, from, to time.Time, granularity Granularity) ([]Metric, error) {
	rows, err := s.db.Query(`
		SELECT repository, bucket_start, granularity, violation_count, file_count
		FROM quality_metrics
		WHERE repository = ? AND granularity = ? AND bucket_start >= ? AND bucket_start <= ?
		ORDER BY bucket_start
	`, repository, string(granularity), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		var g string
		if err := rows.Scan(&m.Repository, &m.BucketStart, &g, &m.ViolationCount, &m.FileCount); err != nil {
			return nil, err
		}
		m.Granularity = Granularity(g)
		out = append(out, m)
	}
	return out, rows.Err()
}
