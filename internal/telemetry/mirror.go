package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Mirror copies runs into Postgres for teams that aggregate proxy
// telemetry centrally. It is strictly best-effort: the channel is bounded
// and a full channel drops the run rather than backpressuring requests.
type Mirror struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
	ch   chan Run
	done chan struct{}
}

const (
	// EnvTelemetryDB enables the mirror when set to a Postgres DSN.
	EnvTelemetryDB = "RELAYPLANE_TELEMETRY_DB"

	mirrorBuffer        = 256
	mirrorBatchMax      = 64
	mirrorFlushInterval = 2 * time.Second
)

const mirrorSchema = `
CREATE TABLE IF NOT EXISTS relayplane_runs (
	id              text PRIMARY KEY,
	ts              timestamptz NOT NULL,
	requested_model text NOT NULL,
	served_model    text NOT NULL,
	task_type       text NOT NULL DEFAULT '',
	cache_hit       boolean NOT NULL,
	downgraded      boolean NOT NULL,
	tokens_in       integer NOT NULL,
	tokens_out      integer NOT NULL,
	cost_usd        double precision NOT NULL,
	saved_usd       double precision NOT NULL,
	duration_ms     bigint NOT NULL,
	status          integer NOT NULL
)`

const mirrorInsert = `
INSERT INTO relayplane_runs
	(id, ts, requested_model, served_model, task_type, cache_hit, downgraded,
	 tokens_in, tokens_out, cost_usd, saved_usd, duration_ms, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING`

// NewMirror connects to dsn and ensures the runs table exists. An empty dsn
// returns a nil Mirror, on which Record and Close are no-ops.
func NewMirror(ctx context.Context, dsn string, log zerolog.Logger) (*Mirror, error) {
	if dsn == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("telemetry: connect mirror: %w", err)
	}
	if _, err := pool.Exec(ctx, mirrorSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("telemetry: ensure schema: %w", err)
	}
	x := &Mirror{
		pool: pool,
		log:  log,
		ch:   make(chan Run, mirrorBuffer),
		done: make(chan struct{}),
	}
	go x.loop()
	return x, nil
}

// Record queues a run for insertion. Drops on a full queue.
func (x *Mirror) Record(run Run) {
	if x == nil {
		return
	}
	select {
	case x.ch <- run:
	default:
		x.log.Warn().Str("id", run.ID).Msg("telemetry mirror queue full, run dropped")
	}
}

// Close stops the worker after draining queued runs.
func (x *Mirror) Close() {
	if x == nil {
		return
	}
	close(x.ch)
	<-x.done
	x.pool.Close()
}

func (x *Mirror) loop() {
	defer close(x.done)
	ticker := time.NewTicker(mirrorFlushInterval)
	defer ticker.Stop()

	batch := make([]Run, 0, mirrorBatchMax)
	for {
		select {
		case run, ok := <-x.ch:
			if !ok {
				x.flush(batch)
				return
			}
			batch = append(batch, run)
			if len(batch) >= mirrorBatchMax {
				x.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				x.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (x *Mirror) flush(runs []Run) {
	if len(runs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var b pgx.Batch
	for _, run := range runs {
		b.Queue(mirrorInsert,
			run.ID,
			time.UnixMilli(run.TimestampMS).UTC(),
			run.RequestedModel,
			run.ServedModel,
			run.TaskType,
			run.CacheHit,
			run.Downgraded,
			run.TokensIn,
			run.TokensOut,
			run.CostUSD,
			run.SavedUSD,
			run.DurationMS,
			run.Status,
		)
	}
	if err := x.pool.SendBatch(ctx, &b).Close(); err != nil {
		x.log.Warn().Err(err).Int("runs", len(runs)).Msg("telemetry mirror flush failed")
	}
}
