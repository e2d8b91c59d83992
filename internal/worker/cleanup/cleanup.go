// Package cleanup は期限切れ資格情報の自動削除ジョブを提供する。
// 失効したセッションとリフレッシュトークンは認証経路上では無視される
// だけで残り続けるため、定期バッチでストレージから回収する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/taskdeck/internal/storage"
)

// Job は期限切れセッション・リフレッシュトークンの削除ジョブ。
// 定期実行を前提とし、削除対象がなくてもエラーにならない冪等な処理。
type Job struct {
	store  storage.Backend
	logger *slog.Logger
}

// NewJob は新しいJobを生成する。loggerがnilの場合はslog.Defaultを使う。
func NewJob(store storage.Backend, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{store: store, logger: logger}
}

// Run は現時点で期限切れの資格情報を削除する。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()

	removed, err := j.store.DeleteExpiredCredentials(ctx, time.Now())
	if err != nil {
		j.logger.Error("credential cleanup failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to delete expired credentials: %w", err)
	}

	j.logger.Info("credential cleanup completed",
		slog.Int("removed", removed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// StartLoop は指定間隔でRunを繰り返すバックグラウンドループを実行する。
// ctxのキャンセルで停止する。
func (j *Job) StartLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// エラーはRun側で記録済み。ループは継続する。
			_ = j.Run(ctx)
		}
	}
}
