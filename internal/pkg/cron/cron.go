package cron

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	retryOlderThan = 2 * time.Minute
	retryBatchSize = 100
)

// Expirer 取消周期已结束的权益
type Expirer interface {
	ExpireLapsed(ctx context.Context, now time.Time) (int64, error)
}

// Retrier 补处理积压的回调
type Retrier interface {
	RetryUnprocessed(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type Service struct {
	expirer  Expirer
	retrier  Retrier
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewService retrier 可以为 nil
func NewService(expirer Expirer, retrier Retrier, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Service{
		expirer:  expirer,
		retrier:  retrier,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start 启动定时任务
func (s *Service) Start() {
	go s.run()
	log.Printf("Cron service started (expiry sweep every %s)", s.interval)
}

// Stop 停止定时任务，可重复调用
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		log.Println("Cron service stopped")
	})
}

func (s *Service) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if err := s.RunNow(context.Background()); err != nil {
				log.Printf("Expiry sweep failed: %v", err)
			}
		}
	}
}

// RunNow 立即执行一次到期清理与回调补偿
func (s *Service) RunNow(ctx context.Context) error {
	expired, err := s.expirer.ExpireLapsed(ctx, time.Now())
	if err != nil {
		return err
	}

	retried := 0
	if s.retrier != nil {
		retried, err = s.retrier.RetryUnprocessed(ctx, retryOlderThan, retryBatchSize)
		if err != nil {
			return err
		}
	}

	if expired > 0 || retried > 0 {
		log.Printf("Sweep summary: expired=%d, webhooks_retried=%d", expired, retried)
	}
	return nil
}
