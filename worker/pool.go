// Package worker 从队列拉取任务，按固定并发度处理
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"img2keychain/queue"
)

// Handler 处理一条消息；返回 nil 则确认，否则重新入队
type Handler func(ctx context.Context, msg *queue.Message) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent 标记重试也无法修复的错误，消息直接确认
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

// IsPermanent err 是否经过 Permanent 包装
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Config 工作池配置
type Config struct {
	Concurrency  int           `yaml:"concurrency" env:"CONCURRENCY"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

// DefaultConfig 同时处理两个任务
func DefaultConfig() Config {
	return Config{Concurrency: 2, PollInterval: time.Second, MaxAttempts: 3}
}

// Pool 每个槽位一次只处理一个任务
type Pool struct {
	queue   queue.Queue
	handler Handler
	cfg     Config
	metrics *Metrics
	logger  *zap.Logger
}

// NewPool 创建工作池，metrics 可为 nil
func NewPool(q queue.Queue, h Handler, cfg Config, metrics *Metrics, logger *zap.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:   q,
		handler: h,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "worker")),
	}
}

// Run 阻塞直到 ctx 取消且每个槽位完成当前任务
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Duration("poll", p.cfg.PollInterval))

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, slot int) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// 休眠前先处理完所有可见消息
		for ctx.Err() == nil {
			msg, err := p.queue.Claim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("claim failed", zap.Int("slot", slot), zap.Error(err))
				}
				break
			}
			if msg == nil {
				break
			}
			p.process(ctx, slot, msg)
		}
		timer.Reset(p.cfg.PollInterval)
	}
}

// ProcessOne 最多认领并处理一条消息，返回是否取到消息
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := p.queue.Claim(ctx)
	if err != nil || msg == nil {
		return false, err
	}
	p.process(ctx, 0, msg)
	return true, nil
}

// 退出前已开始的任务会执行完
func (p *Pool) process(parent context.Context, slot int, msg *queue.Message) {
	ctx := context.WithoutCancel(parent)
	log := p.logger.With(zap.Int("slot", slot), zap.String("message_id", msg.ID), zap.Int("attempt", msg.Attempts))

	if p.cfg.MaxAttempts > 0 && msg.Attempts > p.cfg.MaxAttempts {
		log.Warn("message exceeded max attempts, discarding")
		p.metrics.jobDone("discarded", 0)
		p.ack(ctx, log, msg.ID)
		return
	}

	p.metrics.setInflight(1)
	start := time.Now()
	err := p.safeHandle(ctx, msg)
	p.metrics.setInflight(-1)

	switch {
	case err == nil:
		p.metrics.jobDone("completed", time.Since(start))
		p.ack(ctx, log, msg.ID)
	case IsPermanent(err):
		log.Warn("job failed permanently", zap.Error(err))
		p.metrics.jobDone("failed", time.Since(start))
		p.ack(ctx, log, msg.ID)
	default:
		log.Warn("job failed, requeueing", zap.Error(err))
		p.metrics.jobDone("retried", time.Since(start))
		if nerr := p.queue.Nack(ctx, msg.ID); nerr != nil {
			log.Error("nack failed", zap.Error(nerr))
		}
	}
}

func (p *Pool) safeHandle(ctx context.Context, msg *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("worker: handler panic: %v", r))
		}
	}()
	return p.handler(ctx, msg)
}

func (p *Pool) ack(ctx context.Context, log *zap.Logger, id string) {
	if err := p.queue.Ack(ctx, id); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}
