package util

import (
	"sync"

	"github.com/inboxflow/inboxflow/logger"
	"go.uber.org/zap"
)

// Worker drains a buffered channel of tasks through a handler on a single
// goroutine. The pollers hand session wake-ups to a worker so a slow external
// provider cannot stall the poll loop itself.
type Worker[T any] struct {
	name     string
	stop     chan struct{}
	wg       *sync.WaitGroup
	handler  func(T) error
	taskChan chan T
}

func NewWorker[T any](name string, wg *sync.WaitGroup, handler func(T) error, capacity int) *Worker[T] {
	return &Worker[T]{
		taskChan: make(chan T, capacity),
		name:     name,
		wg:       wg,
		stop:     make(chan struct{}),
		handler:  handler,
	}
}

func (w *Worker[T]) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case task := <-w.taskChan:
				if err := w.handler(task); err != nil {
					logger.Error("error executing task in worker", zap.String("worker", w.name), zap.Error(err))
				}
			case <-w.stop:
				logger.Info("stopping worker", zap.String("worker", w.name))
				return
			}
		}
	}()
}

func (w *Worker[T]) Sender() chan<- T {
	return w.taskChan
}

func (w *Worker[T]) Stop() {
	w.stop <- struct{}{}
}
