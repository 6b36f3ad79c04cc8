// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type queueTask struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

type conversationQueue struct {
	tasks []queueTask
}

// conversationQueues runs tasks in FIFO order per key. Each key with pending
// work has one worker goroutine; different keys run concurrently.
type conversationQueues struct {
	log zerolog.Logger

	lock   sync.Mutex
	queues map[string]*conversationQueue
	wg     sync.WaitGroup
}

func newConversationQueues(log zerolog.Logger) *conversationQueues {
	return &conversationQueues{
		log:    log,
		queues: make(map[string]*conversationQueue),
	}
}

// Enqueue appends fn to the queue of key. The task's context is detached
// from ctx's cancellation so that queued work outlives the event callback.
func (cq *conversationQueues) Enqueue(ctx context.Context, key string, fn func(ctx context.Context)) {
	task := queueTask{ctx: context.WithoutCancel(ctx), fn: fn}
	cq.lock.Lock()
	defer cq.lock.Unlock()
	if queue, ok := cq.queues[key]; ok {
		queue.tasks = append(queue.tasks, task)
		return
	}
	queue := &conversationQueue{tasks: []queueTask{task}}
	cq.queues[key] = queue
	cq.wg.Add(1)
	go cq.drain(key, queue)
}

func (cq *conversationQueues) drain(key string, queue *conversationQueue) {
	defer cq.wg.Done()
	for {
		cq.lock.Lock()
		if len(queue.tasks) == 0 {
			delete(cq.queues, key)
			cq.lock.Unlock()
			return
		}
		task := queue.tasks[0]
		queue.tasks[0] = queueTask{}
		queue.tasks = queue.tasks[1:]
		cq.lock.Unlock()
		cq.run(key, task)
	}
}

func (cq *conversationQueues) run(key string, task queueTask) {
	defer func() {
		if err := recover(); err != nil {
			cq.log.Error().
				Str("queue", key).
				Any("panic", err).
				Msg("Panic in queued event handler")
		}
	}()
	task.fn(task.ctx)
}

// Wait blocks until every queue is drained.
func (cq *conversationQueues) Wait() {
	cq.wg.Wait()
}

// Pending returns the number of keys with queued or running work.
func (cq *conversationQueues) Pending() int {
	cq.lock.Lock()
	defer cq.lock.Unlock()
	return len(cq.queues)
}
