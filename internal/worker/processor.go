package worker

import (
	"context"
	"log"
	"time"

	"github.com/qs3c/dream_entitlement_server/internal/pkg/queue"
	"github.com/qs3c/dream_entitlement_server/internal/service"
)

const defaultMaxAttempts = 3

// EventProcessor 处理已落库的回调事件
type EventProcessor interface {
	Process(ctx context.Context, id int64) error
}

// JobQueue 回调任务队列
type JobQueue interface {
	Push(ctx context.Context, job *queue.WebhookJob) error
	Pop(ctx context.Context, timeout time.Duration) (*queue.WebhookJob, error)
}

// Processor 回调任务处理器
type Processor struct {
	events      EventProcessor
	queue       JobQueue
	maxAttempts int
	popTimeout  time.Duration
}

// NewProcessor 创建任务处理器，maxAttempts<=0 时使用默认值
func NewProcessor(events EventProcessor, jobQueue JobQueue, maxAttempts int) *Processor {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Processor{
		events:      events,
		queue:       jobQueue,
		maxAttempts: maxAttempts,
		popTimeout:  5 * time.Second,
	}
}

// Process 处理一个任务
// 暂时性失败重新入队，超过次数后留在库中等待定时补偿
func (p *Processor) Process(ctx context.Context, job *queue.WebhookJob) error {
	err := p.events.Process(ctx, job.EventID)
	if err == nil {
		return nil
	}

	if !service.IsTransient(err) {
		return err
	}

	if job.Attempt+1 >= p.maxAttempts {
		log.Printf("Webhook job %d gave up after %d attempts, left for sweep: %v", job.EventID, job.Attempt+1, err)
		return err
	}

	retry := *job
	retry.Attempt++
	retry.EnqueuedAt = 0
	if pushErr := p.queue.Push(ctx, &retry); pushErr != nil {
		log.Printf("Failed to requeue webhook job %d: %v", job.EventID, pushErr)
	}
	return err
}

// Run 循环消费队列直到 ctx 取消
func (p *Processor) Run(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			log.Printf("Worker %d shutting down", workerID)
			return
		default:
		}

		job, err := p.queue.Pop(ctx, p.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Worker %d: failed to pop job: %v", workerID, err)
			continue
		}

		if job == nil {
			continue // 超时，继续等待
		}

		log.Printf("Worker %d: processing %s webhook %d (%s)", workerID, job.Provider, job.EventID, job.EventType)
		if err := p.Process(ctx, job); err != nil {
			log.Printf("Worker %d: webhook %d failed: %v", workerID, job.EventID, err)
		}
	}
}
