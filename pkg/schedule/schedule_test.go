package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvery(t *testing.T) {
	s := Every(10 * time.Minute)
	from := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(10*time.Minute), s.Next(from))
}

func TestDaily(t *testing.T) {
	s := Daily(3, 30)

	before := time.Date(2025, 6, 1, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 1, 3, 30, 0, 0, time.UTC), s.Next(before))

	after := time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 2, 3, 30, 0, 0, time.UTC), s.Next(after))

	exactly := time.Date(2025, 6, 1, 3, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 2, 3, 30, 0, 0, time.UTC), s.Next(exactly))
}

func TestCron(t *testing.T) {
	s := Cron("*/15 * * * *")
	from := time.Date(2025, 6, 1, 12, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC), s.Next(from))

	assert.Panics(t, func() { Cron("not a cron expr") })
}
