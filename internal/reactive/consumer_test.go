package reactive

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thpham/fleetd/internal/models"
	"github.com/thpham/fleetd/internal/platform"
)

type fakeQueue struct {
	acked    []Envelope
	rejected []Envelope
	requeued []bool
}

func (q *fakeQueue) Get(ctx context.Context) (Envelope, error) { return Envelope{}, nil }

func (q *fakeQueue) Ack(ctx context.Context, env Envelope) error {
	q.acked = append(q.acked, env)
	return nil
}

func (q *fakeQueue) Reject(ctx context.Context, env Envelope, requeue bool) error {
	q.rejected = append(q.rejected, env)
	q.requeued = append(q.requeued, requeue)
	return nil
}

type fakeSpawner struct {
	ids []models.InstanceID
	err error
}

func (s *fakeSpawner) CreateRunners(ctx context.Context, n int, metadata models.RunnerMetadata, cfg models.VMConfig, labels []string, extraIngressTCPPorts []int, reactive bool) ([]models.InstanceID, error) {
	return s.ids, s.err
}

type fakePlatformChecker struct {
	pickedUp bool
	err      error
}

func (p *fakePlatformChecker) CheckJobBeenPickedUp(ctx context.Context, metadata models.RunnerMetadata, jobURL string) (bool, error) {
	return p.pickedUp, p.err
}

func newTestConsumer(queue Queue, spawner RunnerSpawner, plat PlatformChecker, cfg Config) *Consumer {
	log := logrus.New()
	log.SetOutput(testWriter{})
	return NewConsumer(queue, spawner, plat, cfg, log)
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestProcessOneSentinelAcksAndStops(t *testing.T) {
	q := &fakeQueue{}
	c := newTestConsumer(q, &fakeSpawner{}, &fakePlatformChecker{}, Config{})

	stop := c.processOne(context.Background(), Envelope{Sentinel: true})

	assert.True(t, stop, "expected processOne to signal stop on a sentinel message")
	assert.Len(t, q.acked, 1)
}

func TestProcessOneRetryLimitExceeded(t *testing.T) {
	q := &fakeQueue{}
	c := newTestConsumer(q, &fakeSpawner{}, &fakePlatformChecker{}, Config{})

	env := Envelope{Payload: `{"labels":[],"url":"https://github.com/acme/repo"}`, RetryCount: retryLimit + 1}
	stop := c.processOne(context.Background(), env)

	assert.False(t, stop, "retry-limit rejection must not stop the consumer")
	require.Len(t, q.rejected, 1)
	assert.False(t, q.requeued[0])
}

func TestProcessOneUnsupportedLabelsRejectedWithoutRequeue(t *testing.T) {
	q := &fakeQueue{}
	cfg := Config{SupportedLabels: []string{"self-hosted", "linux"}}
	c := newTestConsumer(q, &fakeSpawner{}, &fakePlatformChecker{}, cfg)

	env := Envelope{Payload: `{"labels":["self-hosted","gpu"],"url":"https://github.com/acme/repo"}`}
	c.processOne(context.Background(), env)

	require.Len(t, q.rejected, 1)
	assert.False(t, q.requeued[0])
}

func TestProcessOneUnrecognizedPlatformRejected(t *testing.T) {
	q := &fakeQueue{}
	c := newTestConsumer(q, &fakeSpawner{}, &fakePlatformChecker{}, Config{})

	env := Envelope{Payload: `{"labels":[],"url":"https://example.com/jobs/1"}`}
	c.processOne(context.Background(), env)

	require.Len(t, q.rejected, 1)
	assert.False(t, q.requeued[0])
}

func TestProcessOneAlreadyPickedUpAcks(t *testing.T) {
	q := &fakeQueue{}
	plat := &fakePlatformChecker{pickedUp: true}
	c := newTestConsumer(q, &fakeSpawner{}, plat, Config{})

	env := Envelope{Payload: `{"labels":[],"url":"https://github.com/acme/repo"}`}
	c.processOne(context.Background(), env)

	assert.Len(t, q.acked, 1)
}

func TestProcessOneJobNotFoundRejectedWithoutRequeue(t *testing.T) {
	q := &fakeQueue{}
	plat := &fakePlatformChecker{err: platform.ErrNotFound}
	c := newTestConsumer(q, &fakeSpawner{}, plat, Config{})

	env := Envelope{Payload: `{"labels":[],"url":"https://github.com/acme/repo"}`}
	c.processOne(context.Background(), env)

	require.Len(t, q.rejected, 1)
	assert.False(t, q.requeued[0])
}

func TestProcessOneSpawnFailureRequeues(t *testing.T) {
	q := &fakeQueue{}
	plat := &fakePlatformChecker{pickedUp: false}
	spawner := &fakeSpawner{err: errors.New("openstack quota exceeded")}
	c := newTestConsumer(q, spawner, plat, Config{})

	env := Envelope{Payload: `{"labels":[],"url":"https://github.com/acme/repo"}`}
	c.processOne(context.Background(), env)

	require.Len(t, q.rejected, 1)
	assert.True(t, q.requeued[0])
}

func TestLabelsSubsetIsCaseInsensitive(t *testing.T) {
	cases := []struct {
		requested, supported []string
		want                 bool
	}{
		{[]string{"Self-Hosted"}, []string{"self-hosted"}, true},
		{[]string{"gpu"}, []string{"self-hosted", "linux"}, false},
		{nil, []string{"self-hosted"}, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, labelsSubset(tc.requested, tc.supported), "labelsSubset(%v, %v)", tc.requested, tc.supported)
	}
}

func TestRecognizePlatform(t *testing.T) {
	c := newTestConsumer(&fakeQueue{}, &fakeSpawner{}, &fakePlatformChecker{}, Config{JobManagerHost: "jobs.example.com"})

	_, ok := c.recognizePlatform("https://github.com/acme/repo/actions/runs/1/job/2")
	assert.True(t, ok, "expected github.com job URL to be recognized")

	_, ok = c.recognizePlatform("https://api.github.com/repos/acme/repo")
	assert.True(t, ok, "expected api.github.com job URL to be recognized")

	_, ok = c.recognizePlatform("https://jobs.example.com/j/42")
	assert.True(t, ok, "expected configured job-manager host to be recognized")

	_, ok = c.recognizePlatform("https://gitlab.com/acme/repo")
	assert.False(t, ok, "expected an unconfigured host to be unrecognized")
}

func TestIsPlatformNotFound(t *testing.T) {
	assert.True(t, isPlatformNotFound(platform.ErrNotFound))
	assert.False(t, isPlatformNotFound(errors.New("timeout")))
}
