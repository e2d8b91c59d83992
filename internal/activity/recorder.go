// Package activity はミューテーションの監査証跡をベストエフォートで記録する。
package activity

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/taskdeck/internal/model"
	"github.com/hitoshi/taskdeck/internal/storage"
)

// EvictionRecorder は追い出し件数のメトリクス収集に必要なインターフェース。
// metrics.Collectorの部分集合として定義する。
type EvictionRecorder interface {
	RecordActivityEviction(count int)
}

// Recorder は上限付きのアクティビティログを管理する。
// 保存件数が上限を超えた場合、古いレコードから順（FIFO）に削除する。
// Recordの失敗は対象のミューテーションを失敗させてはならないため、
// 警告ログを残して握りつぶす。
type Recorder struct {
	backend storage.Backend
	cap     int
	metrics EvictionRecorder
}

// NewRecorder はRecorderを生成する。capが0以下の場合は既定上限を使う。
// metricsはnilを許容する。
func NewRecorder(backend storage.Backend, cap int, metrics EvictionRecorder) *Recorder {
	if cap <= 0 {
		cap = model.DefaultActivityCap
	}
	return &Recorder{backend: backend, cap: cap, metrics: metrics}
}

// Record はアクティビティレコードを1件追記する。
// IDとタイムスタンプが未設定の場合はここで補完する。
// いかなる失敗も呼び出し元には伝播しない。
func (r *Recorder) Record(ctx context.Context, rec *model.ActivityRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	if err := r.backend.AppendActivity(ctx, rec); err != nil {
		slog.Warn("failed to append activity record",
			slog.String("action", rec.Action),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := r.trim(ctx); err != nil {
		slog.Warn("failed to trim activity log",
			slog.String("error", err.Error()),
		)
	}
}

// Recent は新しい順にlimit件のアクティビティレコードを返す。
// limitが0以下の場合は既定取得件数を使う。
func (r *Recorder) Recent(ctx context.Context, limit int) ([]*model.ActivityRecord, error) {
	if limit <= 0 {
		limit = model.DefaultActivityQueryLimit
	}
	return r.backend.ListActivity(ctx, limit)
}

// trim は保存件数が上限を超えていれば古い順に超過分を削除する。
func (r *Recorder) trim(ctx context.Context) error {
	count, err := r.backend.CountActivity(ctx)
	if err != nil {
		return err
	}
	if count <= r.cap {
		return nil
	}
	excess := count - r.cap
	if err := r.backend.EvictOldestActivity(ctx, excess); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.RecordActivityEviction(excess)
	}
	return nil
}

// StartTrimLoop は指定間隔でアクティビティログの上限超過を回収する
// バックグラウンドループを実行する。ctxのキャンセルで停止する。
// Recordごとのトリムに加えた保険であり、必須ではない。
func (r *Recorder) StartTrimLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.trim(ctx); err != nil {
				slog.Warn("periodic activity trim failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
