package clock

import "time"

// Clock abstracts time for schedulers and lifecycle evaluation.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
