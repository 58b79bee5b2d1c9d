/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/reelflow/reelflow"
	"github.com/reelflow/reelflow/config"
	redis_db "github.com/reelflow/reelflow/internal/redis-db"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// initializeQueues weights the queues: submissions first, notices last.
func initializeQueues(conf *config.Configuration) map[string]int {
	return map[string]int{
		conf.Queue.SubmitQueue:   6,
		conf.Queue.ScheduleQueue: 3,
		conf.Queue.NotifyQueue:   1,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.AsynqClientOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	concurrency := conf.Queue.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	return asynq.NewServer(
		redisOption,
		asynq.Config{
			Concurrency: concurrency,
			Queues:      queues,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logrus.WithFields(logrus.Fields{
					"task":    task.Type(),
					"attempt": retried,
					"max":     maxRetry,
				}).Warnf("task failed: %v", err)
			}),
		},
	), nil
}

// startProcessors runs the periodic sweeps inside the worker process.
func startProcessors(ctx context.Context, r *reelflow.Reelflow, conf *config.Configuration) []*reelflow.PeriodicProcessor {
	processors := []*reelflow.PeriodicProcessor{r.NewReleaser(), r.NewCleaner()}
	if conf.Reconciler.Enabled {
		processors = append(processors, r.NewReconciler())
	}
	for _, p := range processors {
		p.Start(ctx)
	}
	return processors
}

// workerCommands defines the "workers" command. The workers consume the
// submit, schedule and notify queues and run the reconciler, post release
// and cleanup loops.
func workerCommands(b *reelflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start reelflow workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			b.setup()
			conf := b.cnf

			shutdown, err := initializeTracing(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			srv, err := initializeWorkerServer(conf, initializeQueues(conf))
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			b.reelflow.RegisterHandlers(mux, conf.Queue)

			redisOption, err := redis_db.AsynqClientOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			if err != nil {
				log.Fatal(err)
			}
			h := asynqmon.New(asynqmon.Options{
				RootPath:     "/monitoring",
				RedisConnOpt: redisOption,
			})
			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			processors := startProcessors(ctx, b.reelflow, conf)
			defer func() {
				for _, p := range processors {
					p.Stop()
				}
			}()

			// Run blocks until SIGTERM or SIGINT.
			if err := srv.Run(mux); err != nil {
				logrus.Errorf("could not run worker server: %v", err)
			}
		},
	}

	return cmd
}
