// Package bus carries asset processing jobs over RabbitMQ. Queues are
// durable, deliveries are persistent JSON documents, and consumers
// acknowledge manually so a crashed worker returns its jobs to the queue.
package bus

import (
	"errors"
	"strings"
	"time"
)

const (
	// DefaultQueue is the processing queue name used when none is configured.
	DefaultQueue = "media.process"

	// DefaultRetryMax bounds processing attempts per asset when the
	// configuration does not say otherwise.
	DefaultRetryMax = 3

	defaultPrefetch = 10
)

// ErrUnavailable marks a publish that failed even after reconnecting.
var ErrUnavailable = errors.New("message bus unavailable")

// Config holds the broker connection parameters shared by Publisher and
// Consumer.
type Config struct {
	URL             string
	Queue           string
	DeadLetterQueue string
	Prefetch        int
}

func (cfg Config) queueName() string {
	if name := strings.TrimSpace(cfg.Queue); name != "" {
		return name
	}
	return DefaultQueue
}

func (cfg Config) prefetch() int {
	if cfg.Prefetch > 0 {
		return cfg.Prefetch
	}
	return defaultPrefetch
}

// ProcessMessage tells a worker to process one asset. TempFilePath is set
// when the original bytes wait in the temp spool instead of the database.
type ProcessMessage struct {
	AssetID      int64  `json:"assetId"`
	TempFilePath string `json:"tempFilePath,omitempty"`
}

// DeadLetter records an asset that exhausted its retry budget, parked for
// operator inspection.
type DeadLetter struct {
	AssetID  int64     `json:"assetId"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failedAt"`
}
