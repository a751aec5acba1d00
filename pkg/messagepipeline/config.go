package messagepipeline

import (
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"github.com/rs/zerolog/log"
)

const defaultDrainTimeout = 30 * time.Second

// DurableWorkerConfig holds configuration for a DurableWorker.
type DurableWorkerConfig struct {
	Consumer QueueConsumerConfig
	// DrainTimeout bounds how long Stop waits for in-flight handlers.
	DrainTimeout time.Duration
	// FailurePolicy defaults to FailureLeaveUnacked.
	FailurePolicy FailurePolicy
}

// Env constants for overriding worker settings.
const (
	WorkerPrefetch      = "WORKER_PREFETCH"
	WorkerDrainTimeout  = "WORKER_DRAIN_TIMEOUT"
	WorkerQueueDurable  = "WORKER_QUEUE_DURABLE"
	WorkerFailurePolicy = "WORKER_FAILURE_POLICY"
)

// NewDurableWorkerDefaults returns a config for a durable queue consumed one
// message at a time.
func NewDurableWorkerDefaults(queueName string) *DurableWorkerConfig {
	return &DurableWorkerConfig{
		Consumer: QueueConsumerConfig{
			Queue:    broker.QueueSpec{Name: queueName, Durable: true},
			Prefetch: 1,
		},
		DrainTimeout:  defaultDrainTimeout,
		FailurePolicy: FailureLeaveUnacked,
	}
}

// LoadDurableWorkerConfigWithEnv starts from NewDurableWorkerDefaults and applies
// any overrides found in the environment. Unparseable values are logged and ignored.
func LoadDurableWorkerConfigWithEnv(queueName string) *DurableWorkerConfig {
	cfg := NewDurableWorkerDefaults(queueName)

	if v := os.Getenv(WorkerPrefetch); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Consumer.Prefetch = n
		} else {
			log.Warn().Str("value", v).Msg("messagepipeline: invalid WORKER_PREFETCH, using default")
		}
	}
	if v := os.Getenv(WorkerDrainTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DrainTimeout = d
		} else {
			log.Warn().Err(err).Msg("messagepipeline: invalid WORKER_DRAIN_TIMEOUT, using default")
		}
	}
	if v := os.Getenv(WorkerQueueDurable); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Consumer.Queue.Durable = b
		} else {
			log.Warn().Err(err).Msg("messagepipeline: invalid WORKER_QUEUE_DURABLE, using default")
		}
	}
	if v := os.Getenv(WorkerFailurePolicy); v != "" {
		switch p := FailurePolicy(v); p {
		case FailureLeaveUnacked, FailureRequeue:
			cfg.FailurePolicy = p
		default:
			log.Warn().Str("value", v).Msg("messagepipeline: invalid WORKER_FAILURE_POLICY, using default")
		}
	}
	return cfg
}
