package reactive

import (
	"context"
	"math"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thpham/fleetd/internal/models"
	"github.com/thpham/fleetd/internal/platform"
)

// Backoff and retry constants.
const (
	retryLimit        = 5
	backoffBaseSeconds = 10
	backoffMaxSeconds  = 300
	waitTimeSeconds    = 60
	pickupAttempts     = 5
)

// RunnerSpawner is the subset of the Runner Manager the consumer needs.
type RunnerSpawner interface {
	CreateRunners(ctx context.Context, n int, metadata models.RunnerMetadata, cfg models.VMConfig, labels []string, extraIngressTCPPorts []int, reactive bool) ([]models.InstanceID, error)
}

// PlatformChecker is the subset of the Multiplexer the consumer needs.
type PlatformChecker interface {
	CheckJobBeenPickedUp(ctx context.Context, metadata models.RunnerMetadata, jobURL string) (bool, error)
}

// Config configures one Consumer.
type Config struct {
	SupportedLabels  []string
	VMConfig         models.VMConfig
	JobManagerHost   string // hostname recognized as the job-manager platform, empty disables it
}

// Consumer consumes one message at a time from a Queue, blocking on Get.
// A single Consumer is single-threaded within its own goroutine; the
// Supervisor runs several concurrently to emulate a multi-process pool.
type Consumer struct {
	queue   Queue
	spawner RunnerSpawner
	plat    PlatformChecker
	cfg     Config
	log     *logrus.Logger
}

// NewConsumer builds a Consumer.
func NewConsumer(queue Queue, spawner RunnerSpawner, plat PlatformChecker, cfg Config, log *logrus.Logger) *Consumer {
	return &Consumer{queue: queue, spawner: spawner, plat: plat, cfg: cfg, log: log}
}

// Run loops calling Get/process until ctx is cancelled or a sentinel
// message is consumed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		env, err := c.queue.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.WithError(err).Warn("failed to dequeue message")
			continue
		}

		stop := c.processOne(ctx, env)
		if stop {
			return nil
		}
	}
}

// processOne runs the per-message algorithm under SIGTERM protection:
// while inside this critical section, SIGTERM exits the process
// immediately so the broker sees an un-acked message.
func (c *Consumer) processOne(ctx context.Context, env Envelope) (stopConsumer bool) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			os.Exit(128 + int(syscall.SIGTERM))
		case <-done:
		}
	}()
	defer func() {
		close(done)
		signal.Stop(sigCh)
	}()

	// 1. sentinel.
	if env.Sentinel {
		_ = c.queue.Ack(ctx, env)
		return true
	}

	// 2. retry-count already incremented atomically by queue.Get.
	retryCount := env.RetryCount

	// 3. parse payload.
	msg, err := parsePayload(env.Payload)
	if err != nil {
		c.log.WithError(err).Warn("poisonous message, rejecting without requeue")
		_ = c.queue.Reject(ctx, env, false)
		return false
	}

	// 4. retry limit.
	if retryCount > retryLimit {
		c.log.WithField("retry_count", retryCount).Warn("message exceeded retry limit, rejecting without requeue")
		_ = c.queue.Reject(ctx, env, false)
		return false
	}

	// 5. exponential backoff.
	if retryCount > 1 {
		backoff := time.Duration(math.Min(backoffBaseSeconds*math.Pow(2, float64(retryCount-1)), backoffMaxSeconds)) * time.Second
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
	}

	// 6. label subset check (case-insensitive).
	if !labelsSubset(msg.Labels, c.cfg.SupportedLabels) {
		c.log.WithField("labels", msg.Labels).Warn("unsupported labels, rejecting without requeue")
		_ = c.queue.Reject(ctx, env, false)
		return false
	}

	// 7. recognize platform from job URL.
	metadata, ok := c.recognizePlatform(msg.URL)
	if !ok {
		c.log.WithField("url", msg.URL).Warn("unrecognized platform, rejecting without requeue")
		_ = c.queue.Reject(ctx, env, false)
		return false
	}

	// 8. already picked up / not found.
	pickedUp, err := c.plat.CheckJobBeenPickedUp(ctx, metadata, msg.URL)
	if err != nil {
		if isPlatformNotFound(err) {
			c.log.WithField("url", msg.URL).Warn("platform reports job not found, rejecting without requeue")
			_ = c.queue.Reject(ctx, env, false)
			return false
		}
		c.log.WithError(err).Warn("failed to query platform, rejecting with requeue")
		_ = c.queue.Reject(ctx, env, true)
		return false
	}
	if pickedUp {
		_ = c.queue.Ack(ctx, env)
		return false
	}

	// 9. spawn.
	ids, err := c.spawner.CreateRunners(ctx, 1, metadata, c.cfg.VMConfig, msg.Labels, nil, true)
	if err != nil || len(ids) == 0 {
		c.log.WithError(err).Warn("failed to spawn reactive runner, rejecting with requeue")
		_ = c.queue.Reject(ctx, env, true)
		return false
	}

	// 10. poll for pickup.
	for attempt := 0; attempt < pickupAttempts; attempt++ {
		select {
		case <-time.After(waitTimeSeconds * time.Second):
		case <-ctx.Done():
			return false
		}
		pickedUp, err := c.plat.CheckJobBeenPickedUp(ctx, metadata, msg.URL)
		if err != nil {
			continue
		}
		if pickedUp {
			_ = c.queue.Ack(ctx, env)
			return false
		}
	}

	// 11. all probes negative.
	c.log.WithField("url", msg.URL).Warn("job never picked up after spawn, rejecting with requeue")
	_ = c.queue.Reject(ctx, env, true)
	return false
}

func labelsSubset(requested, supported []string) bool {
	supportedSet := make(map[string]struct{}, len(supported))
	for _, s := range supported {
		supportedSet[strings.ToLower(s)] = struct{}{}
	}
	for _, r := range requested {
		if _, ok := supportedSet[strings.ToLower(r)]; !ok {
			return false
		}
	}
	return true
}

// recognizePlatform maps a job URL to the RunnerMetadata of a known
// platform backend.
func (c *Consumer) recognizePlatform(jobURL string) (models.RunnerMetadata, bool) {
	u, err := url.Parse(jobURL)
	if err != nil {
		return models.RunnerMetadata{}, false
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "github.com" || host == "api.github.com":
		return models.RunnerMetadata{PlatformName: "github", URL: jobURL}, true
	case c.cfg.JobManagerHost != "" && host == strings.ToLower(c.cfg.JobManagerHost):
		return models.RunnerMetadata{PlatformName: "job-manager", URL: jobURL}, true
	default:
		return models.RunnerMetadata{}, false
	}
}

func isPlatformNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), platform.ErrNotFound.Error())
}
