package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// runs before all tests and configures the test environment
func TestMain(m *testing.M) {
	// we do not need logging during the tests
	zerolog.SetGlobalLevel(zerolog.Disabled)

	code := m.Run()

	os.Exit(code)
}

type MockWorkQueue struct {
	mock.Mock
}

func (m *MockWorkQueue) Receive(ctx context.Context) ([]Delivery, error) {
	args := m.Called(ctx)
	deliveries, _ := args.Get(0).([]Delivery)
	return deliveries, args.Error(1)
}

func (m *MockWorkQueue) Ack(ctx context.Context, d Delivery) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockWorkQueue) Release(ctx context.Context, d Delivery) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockWorkQueue) Extend(ctx context.Context, d Delivery, by time.Duration) error {
	args := m.Called(ctx, d, by)
	return args.Error(0)
}

func (m *MockWorkQueue) Stats(ctx context.Context) (QueueStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(QueueStats), args.Error(1)
}

func (m *MockWorkQueue) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockMessageHandler struct {
	mock.Mock
}

func (m *MockMessageHandler) Handle(ctx context.Context, d Delivery) (ResultRecord, error) {
	args := m.Called(ctx, d)
	return args.Get(0).(ResultRecord), args.Error(1)
}

type MockSQSClient struct {
	mock.Mock
}

func (m *MockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ReceiveMessageOutput), args.Error(1)
}

func (m *MockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.DeleteMessageOutput), args.Error(1)
}

func (m *MockSQSClient) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ChangeMessageVisibilityOutput), args.Error(1)
}

func (m *MockSQSClient) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.GetQueueAttributesOutput), args.Error(1)
}

func (m *MockSQSClient) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.SendMessageOutput), args.Error(1)
}

type MockS3Client struct {
	mock.Mock
}

func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.GetObjectOutput), args.Error(1)
}

func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.PutObjectOutput), args.Error(1)
}

type MockDatabase struct {
	mock.Mock
}

func (m *MockDatabase) CreateResultLog(ctx context.Context, params CreateResultLogParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *MockDatabase) DeleteResultLogsBefore(ctx context.Context, cutoff time.Time) error {
	args := m.Called(ctx, cutoff)
	return args.Error(0)
}

func (m *MockDatabase) ListResultLogsByImage(ctx context.Context, imageID string) ([]ResultLog, error) {
	args := m.Called(ctx, imageID)
	logs, _ := args.Get(0).([]ResultLog)
	return logs, args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}

func delivery(id string) Delivery {
	return Delivery{
		ID:           id,
		Body:         []byte(fmt.Sprintf(`{"bucket":"uploads","key":"%s.jpg","image_id":"%s"}`, id, id)),
		Receipt:      "receipt-" + id,
		ReceiveCount: 1,
	}
}

func successFor(id string) ResultRecord {
	return successRecord(
		ProcessingRequest{ImageID: id, Source: Location{Bucket: "uploads", Key: id + ".jpg"}},
		Location{Bucket: "processed", Key: id + ".jpg"},
	)
}

func TestWorkerPool(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	mockHandler := new(MockMessageHandler)

	processor := NewMessageProcessor(ProcessorConfig{Concurrency: 5}, mockQueue, mockHandler, nil)

	mockHandler.On("Handle", mock.Anything, mock.Anything).Return(successFor("img"), nil)
	mockQueue.On("Ack", mock.Anything, mock.Anything).Return(nil)

	processor.pool.Start(processor.poolCtx)

	for i := 0; i < 5; i++ {
		processor.pool.jobs <- &WorkerJob{Delivery: delivery(fmt.Sprintf("img-%03d", i))}
	}

	// Stop drains the buffered jobs before returning
	processor.pool.Stop()

	mockHandler.AssertNumberOfCalls(t, "Handle", 5)
	mockQueue.AssertNumberOfCalls(t, "Ack", 5)
	mockQueue.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestHandleMessageOutcomes(t *testing.T) {
	tests := []struct {
		name          string
		handlerErr    error
		expectAck     bool
		expectRelease bool
		expectFatal   bool
	}{
		{
			name:      "success is acknowledged",
			expectAck: true,
		},
		{
			name:          "retryable failure is released",
			handlerErr:    retryable(StagePersisting, "persist artifact", assert.AnError),
			expectRelease: true,
		},
		{
			name:          "unclassified error is released",
			handlerErr:    assert.AnError,
			expectRelease: true,
		},
		{
			name:          "fatal failure is released and stops the processor",
			handlerErr:    fatal(StageTransforming, "encode grayscale jpeg", ErrEncodeFailed),
			expectRelease: true,
			expectFatal:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockQueue := new(MockWorkQueue)
			mockHandler := new(MockMessageHandler)
			processor := NewMessageProcessor(ProcessorConfig{Concurrency: 1}, mockQueue, mockHandler, nil)

			d := delivery("img-001")
			if tt.handlerErr != nil {
				mockHandler.On("Handle", mock.Anything, d).Return(ResultRecord{}, tt.handlerErr)
			} else {
				mockHandler.On("Handle", mock.Anything, d).Return(successFor("img-001"), nil)
			}
			if tt.expectAck {
				mockQueue.On("Ack", mock.Anything, d).Return(nil)
			}
			if tt.expectRelease {
				mockQueue.On("Release", mock.Anything, d).Return(nil)
			}

			processor.pool.handleMessage(processor.poolCtx, &WorkerJob{Delivery: d}, 0)

			mockQueue.AssertExpectations(t)
			if !tt.expectAck {
				mockQueue.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
			}

			select {
			case err := <-processor.Fatal():
				assert.True(t, tt.expectFatal, "unexpected fatal error: %v", err)
				assert.True(t, IsFatal(err))
				assert.Error(t, processor.ctx.Err(), "fatal error should stop polling")
			default:
				assert.False(t, tt.expectFatal, "expected a fatal error")
			}
		})
	}
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	mockHandler := new(MockMessageHandler)
	processor := NewMessageProcessor(ProcessorConfig{Concurrency: 1}, mockQueue, mockHandler, nil)

	first := delivery("img-001")
	second := delivery("img-002")
	mockHandler.On("Handle", mock.Anything, first).Panic("boom")
	mockHandler.On("Handle", mock.Anything, second).Return(successFor("img-002"), nil)
	mockQueue.On("Release", mock.Anything, first).Return(nil)
	mockQueue.On("Ack", mock.Anything, second).Return(nil)

	processor.pool.Start(processor.poolCtx)
	processor.pool.jobs <- &WorkerJob{Delivery: first}
	processor.pool.jobs <- &WorkerJob{Delivery: second}
	processor.pool.Stop()

	// the worker survived the panic and handled the next job
	mockQueue.AssertExpectations(t)
	mockQueue.AssertNotCalled(t, "Ack", mock.Anything, first)
}

func TestProcessMessageQueued(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	processor := NewMessageProcessor(ProcessorConfig{Concurrency: 2}, mockQueue, new(MockMessageHandler), nil)

	wasFull := processor.processMessage(delivery("img-001"))

	assert.False(t, wasFull)
	assert.Equal(t, 1, len(processor.pool.jobs))
	mockQueue.AssertNotCalled(t, "Extend", mock.Anything, mock.Anything, mock.Anything)
}

func TestContextCancellation(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	processor := NewMessageProcessor(ProcessorConfig{Concurrency: 1}, mockQueue, new(MockMessageHandler), nil)

	// fill the pool so only the cancelled context can unblock dispatch
	processor.pool.jobs <- &WorkerJob{Delivery: delivery("img-000")}
	processor.pool.jobs <- &WorkerJob{Delivery: delivery("img-001")}
	processor.cancel()

	wasFull := processor.processMessage(delivery("img-002"))
	assert.False(t, wasFull)
	mockQueue.AssertNotCalled(t, "Extend", mock.Anything, mock.Anything, mock.Anything)
}

func TestWorkerPoolFull(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	processor := NewMessageProcessor(ProcessorConfig{
		Concurrency:     1,
		DispatchTimeout: 50 * time.Millisecond,
	}, mockQueue, new(MockMessageHandler), nil)

	processor.pool.jobs <- &WorkerJob{Delivery: delivery("img-000")}
	processor.pool.jobs <- &WorkerJob{Delivery: delivery("img-001")}

	d := delivery("img-002")
	mockQueue.On("Extend", mock.Anything, d, 60*time.Second).Return(nil)

	wasFull := processor.processMessage(d)
	assert.True(t, wasFull, "Pool should be full")
	mockQueue.AssertExpectations(t)
}

func TestPollQueueDispatchesAndStops(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	mockHandler := new(MockMessageHandler)
	processor := NewMessageProcessor(ProcessorConfig{Concurrency: 2}, mockQueue, mockHandler, nil)

	batch := []Delivery{delivery("img-001"), delivery("img-002")}
	mockQueue.On("Receive", mock.Anything).Return(batch, nil).Once()
	mockQueue.On("Receive", mock.Anything).Return(nil, nil).After(10 * time.Millisecond)
	mockQueue.On("Ack", mock.Anything, mock.Anything).Return(nil)

	var handled atomic.Int32
	mockHandler.On("Handle", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { handled.Add(1) }).
		Return(successFor("img"), nil)

	done := make(chan struct{})
	go func() {
		processor.Start()
		close(done)
	}()

	require.Eventually(t, func() bool { return handled.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	processor.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}

	mockQueue.AssertNumberOfCalls(t, "Ack", 2)
}

func TestPollQueueBacksOffOnReceiveError(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	processor := NewMessageProcessor(ProcessorConfig{Concurrency: 1}, mockQueue, new(MockMessageHandler), nil)

	var calls atomic.Int32
	mockQueue.On("Receive", mock.Anything).
		Run(func(mock.Arguments) { calls.Add(1) }).
		Return(nil, assert.AnError)

	go processor.Start()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// the 5s back-off is interrupted by Stop
	stopped := make(chan struct{})
	go func() {
		processor.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on receive back-off")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestStopWithoutStart(t *testing.T) {
	processor := NewMessageProcessor(ProcessorConfig{}, new(MockWorkQueue), new(MockMessageHandler), nil)

	stopped := make(chan struct{})
	go func() {
		processor.Stop()
		processor.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked")
	}
	assert.Equal(t, 10, processor.pool.workerCount)
	assert.Equal(t, 20, cap(processor.pool.jobs))
}

func TestLogQueueStats(t *testing.T) {
	mockQueue := new(MockWorkQueue)
	processor := NewMessageProcessor(ProcessorConfig{}, mockQueue, new(MockMessageHandler), nil)

	mockQueue.On("Stats", mock.Anything).Return(QueueStats{Available: 3, InFlight: 1}, nil).Once()
	mockQueue.On("Stats", mock.Anything).Return(QueueStats{}, assert.AnError).Once()

	processor.logQueueStats()
	processor.logQueueStats()

	mockQueue.AssertExpectations(t)
}
