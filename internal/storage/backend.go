// Package storage はストレージバックエンドの契約と2つの実装を提供する。
// 組み込みストア（ローカルJSONスナップショット）とリモートストア
// （HTTP経由で到達するSQL互換エンジン）は、ここで定義するBackend
// インターフェースの背後に物理表現を完全に隠蔽する。
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/taskdeck/internal/model"
)

// Backend はエンティティ単位の永続化操作の契約。
// 検索系メソッドは対象が見つからない場合に(nil, nil)を返す。
// 外部参照の検証・一意性・直列化はゲートウェイの責務であり、
// バックエンドは物理的な読み書きのみを行う。
type Backend interface {
	// ユーザー
	ListUsers(ctx context.Context) ([]*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	FindUserByUsername(ctx context.Context, username string) (*model.User, error)
	// FindUserByEmail はメールアドレスの大文字小文字を無視して検索する。
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
	FindUserBySubject(ctx context.Context, subject string) (*model.User, error)
	CreateUser(ctx context.Context, user *model.User) error
	UpdateUser(ctx context.Context, user *model.User) error
	DeleteUser(ctx context.Context, id string) error

	// プロジェクト
	ListProjects(ctx context.Context) ([]*model.Project, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	CreateProject(ctx context.Context, project *model.Project) error
	UpdateProject(ctx context.Context, project *model.Project) error
	// DeleteProject はプロジェクトと、それに属するメンバーシップおよび
	// タスクを1つの論理単位として削除する。リモートストアはネイティブの
	// カスケード外部キーに依存してよく、組み込みストアは3種の削除を
	// 明示的に行う。観測可能な結果は両者で等価でなければならない。
	DeleteProject(ctx context.Context, id string) error

	// メンバーシップ
	ListMembers(ctx context.Context, projectID string) ([]*model.ProjectMembership, error)
	GetMember(ctx context.Context, projectID, userID string) (*model.ProjectMembership, error)
	AddMember(ctx context.Context, m *model.ProjectMembership) error
	RemoveMember(ctx context.Context, projectID, userID string) error

	// タスク
	ListTasks(ctx context.Context) ([]*model.Task, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]*model.Task, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	CreateTask(ctx context.Context, task *model.Task) error
	UpdateTask(ctx context.Context, task *model.Task) error
	DeleteTask(ctx context.Context, id string) error
	// DeleteTasksByProject は中断されたカスケードの残骸回収に使う。
	DeleteTasksByProject(ctx context.Context, projectID string) error

	// アクティビティ
	// ListActivity は新しい順にlimit件を返す。
	ListActivity(ctx context.Context, limit int) ([]*model.ActivityRecord, error)
	CountActivity(ctx context.Context) (int, error)
	AppendActivity(ctx context.Context, rec *model.ActivityRecord) error
	// EvictOldestActivity は古い順にn件を削除する。
	EvictOldestActivity(ctx context.Context, n int) error

	// セッション
	CreateSession(ctx context.Context, session *model.Session) error
	// FindSession は期限切れのセッションに対してnilを返す。
	FindSession(ctx context.Context, id string) (*model.Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteSessionsByUser(ctx context.Context, userID string) error

	// リフレッシュトークン
	CreateRefreshToken(ctx context.Context, token *model.RefreshToken) error
	// FindRefreshToken は期限切れのトークンに対してnilを返す。
	FindRefreshToken(ctx context.Context, token string) (*model.RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, token string) error
	DeleteRefreshTokensByUser(ctx context.Context, userID string) error
	// DeleteExpiredCredentials はnow時点で期限切れのセッションと
	// リフレッシュトークンを削除し、削除件数の合計を返す。
	DeleteExpiredCredentials(ctx context.Context, now time.Time) (int, error)

	// Ping はバックエンドへの到達性を確認する。
	Ping(ctx context.Context) error
	// Close はバックエンドが保持するリソースを解放する。
	Close() error
}

// RemoteConfig はリモートストア接続の3点セット。
// エンドポイント・資格情報・データセットは不可分の単位であり、
// 一部のみの指定は構成エラーとして扱う。
type RemoteConfig struct {
	Endpoint string
	Token    string
	Dataset  string
}

// Config はバックエンド選択に必要な構成。
// Remoteがnilでなければリモートストア、そうでなければDataDir配下の
// 組み込みストアを選択する。選択は構築時に1回だけ行われる。
type Config struct {
	DataDir       string
	Remote        *RemoteConfig
	RemoteTimeout time.Duration
}

// Open は構成から一つのバックエンドを構築する。
// リモート構成が部分的にしか埋まっていない場合は、最初のクエリ時ではなく
// この時点で失敗する。
func Open(cfg Config) (Backend, error) {
	if cfg.Remote != nil {
		r := cfg.Remote
		if r.Endpoint == "" || r.Token == "" || r.Dataset == "" {
			return nil, fmt.Errorf("remote store config is partial: endpoint, token and dataset must all be set")
		}
		return NewHTTPStore(*r, cfg.RemoteTimeout), nil
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required for the embedded store")
	}
	return NewFileStore(cfg.DataDir)
}
