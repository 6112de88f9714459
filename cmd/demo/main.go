// Command demo runs a fan-out review pipeline end to end with a simulated
// task executor. Pass -db to persist run state in a SQLite file instead of
// memory.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"goa.design/clue/log"

	"goa.design/weave/features/store/sqlite"
	"goa.design/weave/runtime/coordinator"
	"goa.design/weave/runtime/coordinator/executor"
	"goa.design/weave/runtime/coordinator/resources"
	"goa.design/weave/runtime/coordinator/store"
	"goa.design/weave/runtime/coordinator/telemetry"
	"goa.design/weave/runtime/coordinator/workflow"
)

const pipelineYAML = `
id: review-pipeline
initialNodeId: plan
nodes:
  - id: plan
    taskId: plan_reviews
  - id: review
    taskId: review_one
    outputSchema:
      type: object
      properties:
        score:
          type: number
  - id: gather
    taskId: gather_reviews
    inputMapping:
      scores: $.state.scores
transitions:
  - id: fan
    from: plan
    to: review
    spawnCount: 3
    siblingGroup: reviewers
  - id: join
    from: review
    to: gather
    synchronization:
      strategy: all
      siblingGroup: reviewers
      merge:
        source: _branch.output.score
        target: state.scores
        strategy: append
outputMapping:
  scores: $.state.scores
`

func main() {
	dbPath := flag.String("db", "", "SQLite file for run state (default in-memory)")
	flag.Parse()

	ctx := log.Context(context.Background())
	if err := run(ctx, *dbPath); err != nil {
		log.Errorf(ctx, err, "demo failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, dbPath string) error {
	def, err := workflow.Parse([]byte(pipelineYAML))
	if err != nil {
		return err
	}

	exec := executor.NewInMem()
	res := resources.NewInMem()
	opts := coordinator.RuntimeOptions{
		Definitions: coordinator.NewStaticSource(def),
		Executor:    exec,
		Resources:   res,
		Logger:      telemetry.NewClueLogger(),
		Metrics:     telemetry.NewClueMetrics(),
		Tracer:      telemetry.NewClueTracer(),
	}
	if dbPath != "" {
		opts.NewStores = func(runID string) store.Stores {
			s, err := sqlite.Open(dbPath, runID)
			if err != nil {
				log.Errorf(ctx, err, "open sqlite, falling back to memory")
				return store.NewInMem(runID)
			}
			return s
		}
	}
	rt, err := coordinator.NewRuntime(opts)
	if err != nil {
		return err
	}

	// Simulated task handlers: reviews return a random score, everything else
	// acknowledges with an empty result.
	exec.OnDispatch = func(ctx context.Context, req executor.Request) error {
		c, ok := rt.Coordinator(req.RunID)
		if !ok {
			return fmt.Errorf("no coordinator for run %s", req.RunID)
		}
		out := map[string]any{}
		if req.TaskID == "review_one" {
			out["score"] = rand.Float64()
		}
		log.Printf(ctx, "task %s token %s", req.TaskID, req.TokenID)
		return c.HandleTaskResult(ctx, req.TokenID, out)
	}

	c, err := rt.Start(ctx, coordinator.StartRun{WorkflowID: "review-pipeline"})
	if err != nil {
		return err
	}
	c.Wait()

	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	runID := c.Run().RunID
	log.Printf(ctx, "run %s finished: %s", runID, status)
	fmt.Printf("scores: %v\n", res.Output(runID)["scores"])
	return nil
}
