package idgen

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Snowflake layout (64 bits):
//
//	0 | 41 bits millisecond timestamp | 10 bits worker id | 12 bits sequence
//
// Ids are unique per worker and trend upwards, which keeps index inserts cheap.

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// Snowflake generates time-ordered 64-bit ids.
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// Init sets up the default generator. Only the first call has an effect.
func Init(workerID int64) {
	once.Do(func() {
		if workerID < 0 || workerID > maxWorkerID {
			log.Fatalf("workerID must be within 0-%d", maxWorkerID)
		}
		defaultGenerator = &Snowflake{
			workerID:  workerID,
			timestamp: 0,
			sequence:  0,
		}
	})
}

// NextID returns the next id of the default generator, initialising it with
// worker 1 if Init was never called.
func NextID() int64 {
	Init(1)
	return defaultGenerator.Generate()
}

func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// sequence exhausted, wait for the next millisecond
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	id := ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence

	return id
}

func generate(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, NextID())
}

// GenerateProjectID returns ids like PRJ1459312948736409600.
func GenerateProjectID() string {
	return generate("PRJ")
}

// GenerateReservationNo returns a unique reservation number.
func GenerateReservationNo() string {
	return generate("RSV")
}
