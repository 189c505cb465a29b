package cockroach

import "time"

// QueryRecorder receives query timings. *metrics.Metrics satisfies it.
type QueryRecorder interface {
	RecordDBQuery(operation, table string, duration time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordDBQuery(string, string, time.Duration, error) {}

func recorderOrNop(r QueryRecorder) QueryRecorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}
