package camunda

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/commands"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// fakeGateway answers CompleteJob from a queue of errors, then succeeds.
type fakeGateway struct {
	pb.GatewayClient

	mu       sync.Mutex
	failures []error
	requests []*pb.CompleteJobRequest
}

func (g *fakeGateway) CompleteJob(ctx context.Context, in *pb.CompleteJobRequest, opts ...grpc.CallOption) (*pb.CompleteJobResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, in)
	if len(g.failures) > 0 {
		err := g.failures[0]
		g.failures = g.failures[1:]
		return nil, err
	}
	return &pb.CompleteJobResponse{}, nil
}

type fakeJobClient struct {
	worker.JobClient
	gateway *fakeGateway
}

func (c *fakeJobClient) NewCompleteJobCommand() commands.CompleteJobCommandStep1 {
	return commands.NewCompleteJobCommand(c.gateway, func(context.Context, error) bool { return false })
}

var fastRetry = &RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func TestCompleteJob_RetriesTransientFailures(t *testing.T) {
	gw := &fakeGateway{failures: []error{errors.New("rpc error: code = Unavailable desc = connection refused")}}

	err := CompleteJob(context.Background(), &fakeJobClient{gateway: gw}, 42, map[string]string{"status": "accepted"}, fastRetry)
	require.NoError(t, err)

	require.Len(t, gw.requests, 2)
	assert.Equal(t, int64(42), gw.requests[1].JobKey)
	assert.JSONEq(t, `{"status":"accepted"}`, gw.requests[1].Variables)
}

func TestCompleteJob_PermanentFailureIsNotRetried(t *testing.T) {
	gw := &fakeGateway{failures: []error{errors.New("rpc error: code = NotFound desc = job 42 not found")}}

	err := CompleteJob(context.Background(), &fakeJobClient{gateway: gw}, 42, map[string]string{}, fastRetry)
	require.Error(t, err)
	assert.Len(t, gw.requests, 1)
}

func TestRetry_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	_, err := Retry(ctx, &RetryConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, func(context.Context) (interface{}, error) {
		attempts++
		cancel()
		return nil, errors.New("connection reset")
	}, "complete-job")

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
