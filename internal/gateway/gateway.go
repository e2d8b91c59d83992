// Package gateway は全呼び出し元に対する単一のデータアクセス契約を提供する。
// バックエンドは構築時に1つだけ選択され、どちらのバックエンドも一様には
// 保証しない不変条件（外部参照の検証、カスケード削除、一意性）をここで強制する。
// バックエンドを直接触る呼び出し元は存在しない。
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/taskdeck/internal/activity"
	"github.com/hitoshi/taskdeck/internal/auth"
	"github.com/hitoshi/taskdeck/internal/keylock"
	"github.com/hitoshi/taskdeck/internal/model"
	"github.com/hitoshi/taskdeck/internal/storage"
)

// MetricsRecorder はゲートウェイ操作のメトリクス収集に必要なインターフェース。
// metrics.Collectorの部分集合として定義する。
type MetricsRecorder interface {
	RecordOperation(entity, op string, err error)
}

// Sanitizer はユーザー入力フィールドのサニタイズに必要なインターフェース。
// security.TextSanitizerがこれを満たす。
type Sanitizer interface {
	Sanitize(input string) string
}

// Gateway は選択済みバックエンドへの唯一の入口。
// 1プロセスに1インスタンスを構築し、依存として明示的に引き回す。
type Gateway struct {
	backend   storage.Backend
	recorder  *activity.Recorder
	locks     *keylock.KeyedMutex
	metrics   MetricsRecorder
	sanitizer Sanitizer
}

// New はGatewayを生成する。metricsとsanitizerはnilを許容する。
func New(backend storage.Backend, recorder *activity.Recorder, metrics MetricsRecorder, sanitizer Sanitizer) *Gateway {
	return &Gateway{
		backend:   backend,
		recorder:  recorder,
		locks:     keylock.New(),
		metrics:   metrics,
		sanitizer: sanitizer,
	}
}

// subjectLockKey はサブジェクト直列化用のロックキー。
// プロジェクト削除がプロジェクトIDを生のキーとして使うため名前空間を分ける。
func subjectLockKey(subject string) string {
	return "subject:" + subject
}

// clean はユーザー入力フィールドをサニタイズする。sanitizer未設定時は素通し。
func (g *Gateway) clean(s string) string {
	if g.sanitizer == nil {
		return s
	}
	return g.sanitizer.Sanitize(s)
}

// observe は操作の結果をメトリクスに記録し、エラーをそのまま返す。
func (g *Gateway) observe(entity, op string, err error) error {
	if g.metrics != nil {
		g.metrics.RecordOperation(entity, op, err)
	}
	return err
}

// record はミューテーションの監査レコードをベストエフォートで残す。
// 実行主体はリクエストコンテキストのPrincipalから取る。
func (g *Gateway) record(ctx context.Context, action, details, taskID, projectID string) {
	actorID := ""
	if p := auth.PrincipalFromContext(ctx); p != nil {
		actorID = p.UserID
	}
	g.recorder.Record(ctx, &model.ActivityRecord{
		ActorID:   actorID,
		TaskID:    taskID,
		ProjectID: projectID,
		Action:    action,
		Details:   details,
	})
}

// Ping はバックエンドへの到達性を確認する。
func (g *Gateway) Ping(ctx context.Context) error {
	return g.backend.Ping(ctx)
}

// Close はバックエンドを閉じる。
func (g *Gateway) Close() error {
	return g.backend.Close()
}

// --- ユーザー ---

// ListUsers は全ユーザーを返す。
func (g *Gateway) ListUsers(ctx context.Context) ([]*model.User, error) {
	users, err := g.backend.ListUsers(ctx)
	return users, g.observe("user", "list", err)
}

// GetUser は指定IDのユーザーを返す。存在しない場合はNotFoundエラー。
func (g *Gateway) GetUser(ctx context.Context, id string) (*model.User, error) {
	user, err := g.backend.GetUser(ctx, id)
	if err != nil {
		return nil, g.observe("user", "get", err)
	}
	if user == nil {
		return nil, g.observe("user", "get", model.NewNotFoundError("user", id))
	}
	return user, g.observe("user", "get", nil)
}

// FindUserByUsername はユーザー名でユーザーを検索する。見つからない場合はnilを返す。
func (g *Gateway) FindUserByUsername(ctx context.Context, username string) (*model.User, error) {
	user, err := g.backend.FindUserByUsername(ctx, username)
	return user, g.observe("user", "find", err)
}

// FindUserByEmail はメールアドレス（大文字小文字無視）でユーザーを検索する。
// 見つからない場合はnilを返す。
func (g *Gateway) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := g.backend.FindUserByEmail(ctx, email)
	return user, g.observe("user", "find", err)
}

// FindUserBySubject はフェデレーテッドサブジェクトでユーザーを検索する。
// 見つからない場合はnilを返す。
func (g *Gateway) FindUserBySubject(ctx context.Context, subject string) (*model.User, error) {
	user, err := g.backend.FindUserBySubject(ctx, subject)
	return user, g.observe("user", "find", err)
}

// CreateUser はユーザーを作成する。
// ユーザー名とフェデレーテッドサブジェクトの一意性をここで強制する。
func (g *Gateway) CreateUser(ctx context.Context, user *model.User) (*model.User, error) {
	user.DisplayName = g.clean(user.DisplayName)
	if user.Username == "" {
		return nil, g.observe("user", "create", model.NewValidationError("username is required"))
	}

	// サブジェクトの一意性チェックと書き込みの間に同一サブジェクトの
	// 作成・付与が割り込まないよう、サブジェクト単位で直列化する。
	if user.FederatedSubject != "" {
		key := subjectLockKey(user.FederatedSubject)
		g.locks.Lock(key)
		defer g.locks.Unlock(key)
	}

	existing, err := g.backend.FindUserByUsername(ctx, user.Username)
	if err != nil {
		return nil, g.observe("user", "create", err)
	}
	if existing != nil {
		return nil, g.observe("user", "create",
			model.NewConflictError("username already taken: %s", user.Username))
	}

	if user.FederatedSubject != "" {
		linked, err := g.backend.FindUserBySubject(ctx, user.FederatedSubject)
		if err != nil {
			return nil, g.observe("user", "create", err)
		}
		if linked != nil {
			return nil, g.observe("user", "create",
				model.NewConflictError("federated subject already linked to another user"))
		}
	}

	now := time.Now()
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = now
	user.UpdatedAt = now

	if err := g.backend.CreateUser(ctx, user); err != nil {
		return nil, g.observe("user", "create", err)
	}

	g.record(ctx, "user.created", fmt.Sprintf("user %q created", user.Username), "", "")
	return user, g.observe("user", "create", nil)
}

// UpdateUser は既存ユーザーを更新する。
// 設定済みのフェデレーテッドサブジェクトは不変であり、変更はConflictになる。
func (g *Gateway) UpdateUser(ctx context.Context, user *model.User) (*model.User, error) {
	user.DisplayName = g.clean(user.DisplayName)
	if user.Username == "" {
		return nil, g.observe("user", "update", model.NewValidationError("username is required"))
	}

	existing, err := g.backend.GetUser(ctx, user.ID)
	if err != nil {
		return nil, g.observe("user", "update", err)
	}
	if existing == nil {
		return nil, g.observe("user", "update", model.NewNotFoundError("user", user.ID))
	}

	if existing.FederatedSubject != "" && user.FederatedSubject != existing.FederatedSubject {
		return nil, g.observe("user", "update",
			model.NewConflictError("federated subject is immutable once set"))
	}

	if user.Username != existing.Username {
		taken, err := g.backend.FindUserByUsername(ctx, user.Username)
		if err != nil {
			return nil, g.observe("user", "update", err)
		}
		if taken != nil {
			return nil, g.observe("user", "update",
				model.NewConflictError("username already taken: %s", user.Username))
		}
	}

	user.CreatedAt = existing.CreatedAt
	user.UpdatedAt = time.Now()

	if err := g.backend.UpdateUser(ctx, user); err != nil {
		return nil, g.observe("user", "update", err)
	}

	g.record(ctx, "user.updated", fmt.Sprintf("user %q updated", user.Username), "", "")
	return user, g.observe("user", "update", nil)
}

// DeleteUser はユーザーと付随するセッション・リフレッシュトークンを削除する。
func (g *Gateway) DeleteUser(ctx context.Context, id string) error {
	existing, err := g.backend.GetUser(ctx, id)
	if err != nil {
		return g.observe("user", "delete", err)
	}
	if existing == nil {
		return g.observe("user", "delete", model.NewNotFoundError("user", id))
	}

	if err := g.backend.DeleteSessionsByUser(ctx, id); err != nil {
		return g.observe("user", "delete", err)
	}
	if err := g.backend.DeleteRefreshTokensByUser(ctx, id); err != nil {
		return g.observe("user", "delete", err)
	}
	if err := g.backend.DeleteUser(ctx, id); err != nil {
		return g.observe("user", "delete", err)
	}

	g.record(ctx, "user.deleted", fmt.Sprintf("user %q deleted", existing.Username), "", "")
	return g.observe("user", "delete", nil)
}

// AttachFederatedSubject は既存ユーザーにフェデレーテッドサブジェクトを付与する。
// 既に別のユーザーに紐付いているサブジェクト、および設定済みユーザーへの
// 上書きはConflictになる。同一サブジェクトの再付与は冪等に成功する。
func (g *Gateway) AttachFederatedSubject(ctx context.Context, userID, subject string) (*model.User, error) {
	if subject == "" {
		return nil, g.observe("user", "link", model.NewValidationError("federated subject is required"))
	}

	key := subjectLockKey(subject)
	g.locks.Lock(key)
	defer g.locks.Unlock(key)

	user, err := g.backend.GetUser(ctx, userID)
	if err != nil {
		return nil, g.observe("user", "link", err)
	}
	if user == nil {
		return nil, g.observe("user", "link", model.NewNotFoundError("user", userID))
	}

	if user.FederatedSubject == subject {
		return user, g.observe("user", "link", nil)
	}
	if user.FederatedSubject != "" {
		return nil, g.observe("user", "link",
			model.NewConflictError("user already has a federated subject"))
	}

	linked, err := g.backend.FindUserBySubject(ctx, subject)
	if err != nil {
		return nil, g.observe("user", "link", err)
	}
	if linked != nil {
		return nil, g.observe("user", "link",
			model.NewConflictError("federated subject already linked to another user"))
	}

	user.FederatedSubject = subject
	user.UpdatedAt = time.Now()
	if err := g.backend.UpdateUser(ctx, user); err != nil {
		return nil, g.observe("user", "link", err)
	}

	g.record(ctx, "user.linked",
		fmt.Sprintf("federated subject linked to user %q", user.Username), "", "")
	return user, g.observe("user", "link", nil)
}

// --- プロジェクト ---

// ListProjects は全プロジェクトを返す。
func (g *Gateway) ListProjects(ctx context.Context) ([]*model.Project, error) {
	projects, err := g.backend.ListProjects(ctx)
	return projects, g.observe("project", "list", err)
}

// GetProject は指定IDのプロジェクトを返す。存在しない場合はNotFoundエラー。
func (g *Gateway) GetProject(ctx context.Context, id string) (*model.Project, error) {
	project, err := g.backend.GetProject(ctx, id)
	if err != nil {
		return nil, g.observe("project", "get", err)
	}
	if project == nil {
		return nil, g.observe("project", "get", model.NewNotFoundError("project", id))
	}
	return project, g.observe("project", "get", nil)
}

// CreateProject はプロジェクトを作成する。
// 所有者は同一バックエンド上に実在するユーザーでなければならない。
func (g *Gateway) CreateProject(ctx context.Context, project *model.Project) (*model.Project, error) {
	project.Name = g.clean(project.Name)
	project.Description = g.clean(project.Description)
	if project.Name == "" {
		return nil, g.observe("project", "create", model.NewValidationError("project name is required"))
	}
	if err := g.requireUser(ctx, project.OwnerID, "owner_id"); err != nil {
		return nil, g.observe("project", "create", err)
	}

	now := time.Now()
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	project.CreatedAt = now
	project.UpdatedAt = now

	if err := g.backend.CreateProject(ctx, project); err != nil {
		return nil, g.observe("project", "create", err)
	}

	g.record(ctx, "project.created", fmt.Sprintf("project %q created", project.Name), "", project.ID)
	return project, g.observe("project", "create", nil)
}

// UpdateProject は既存プロジェクトを更新する。
func (g *Gateway) UpdateProject(ctx context.Context, project *model.Project) (*model.Project, error) {
	project.Name = g.clean(project.Name)
	project.Description = g.clean(project.Description)
	existing, err := g.backend.GetProject(ctx, project.ID)
	if err != nil {
		return nil, g.observe("project", "update", err)
	}
	if existing == nil {
		return nil, g.observe("project", "update", model.NewNotFoundError("project", project.ID))
	}
	if err := g.requireUser(ctx, project.OwnerID, "owner_id"); err != nil {
		return nil, g.observe("project", "update", err)
	}

	project.CreatedAt = existing.CreatedAt
	project.UpdatedAt = time.Now()

	if err := g.backend.UpdateProject(ctx, project); err != nil {
		return nil, g.observe("project", "update", err)
	}

	g.record(ctx, "project.updated", fmt.Sprintf("project %q updated", project.Name), "", project.ID)
	return project, g.observe("project", "update", nil)
}

// DeleteProject はプロジェクト・メンバーシップ・タスクを1つの論理単位として削除する。
// 同一プロジェクトIDに対する削除はキー付きミューテックスで直列化される。
// 過去のカスケードが途中で終わっていた場合、本体が既に無くても残骸
// （孤児のメンバーシップとタスク）を回収してからNotFoundを返す。
// 再実行すれば必ず残りのステップが完了する。
func (g *Gateway) DeleteProject(ctx context.Context, id string) error {
	g.locks.Lock(id)
	defer g.locks.Unlock(id)

	project, err := g.backend.GetProject(ctx, id)
	if err != nil {
		return g.observe("project", "delete", err)
	}
	if project == nil {
		if err := g.sweepOrphans(ctx, id); err != nil {
			return g.observe("project", "delete", err)
		}
		return g.observe("project", "delete", model.NewNotFoundError("project", id))
	}

	if err := g.backend.DeleteProject(ctx, id); err != nil {
		return g.observe("project", "delete", err)
	}

	g.record(ctx, "project.deleted", fmt.Sprintf("project %q deleted", project.Name), "", id)
	return g.observe("project", "delete", nil)
}

// sweepOrphans は削除済みプロジェクトに残ったメンバーシップとタスクを回収する。
func (g *Gateway) sweepOrphans(ctx context.Context, projectID string) error {
	members, err := g.backend.ListMembers(ctx, projectID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := g.backend.RemoveMember(ctx, projectID, m.UserID); err != nil {
			return err
		}
	}
	return g.backend.DeleteTasksByProject(ctx, projectID)
}

// --- メンバーシップ ---

// ListMembers はプロジェクトのメンバーシップ一覧を返す。
func (g *Gateway) ListMembers(ctx context.Context, projectID string) ([]*model.ProjectMembership, error) {
	members, err := g.backend.ListMembers(ctx, projectID)
	return members, g.observe("membership", "list", err)
}

// AddMember はプロジェクトにメンバーを追加する。
// プロジェクトとユーザーの両方が実在しなければValidationエラー、
// 既に所属している場合はConflictになる。
func (g *Gateway) AddMember(ctx context.Context, m *model.ProjectMembership) (*model.ProjectMembership, error) {
	project, err := g.backend.GetProject(ctx, m.ProjectID)
	if err != nil {
		return nil, g.observe("membership", "add", err)
	}
	if project == nil {
		return nil, g.observe("membership", "add",
			model.NewValidationError("project_id references missing project: %s", m.ProjectID))
	}
	if err := g.requireUser(ctx, m.UserID, "user_id"); err != nil {
		return nil, g.observe("membership", "add", err)
	}

	existing, err := g.backend.GetMember(ctx, m.ProjectID, m.UserID)
	if err != nil {
		return nil, g.observe("membership", "add", err)
	}
	if existing != nil {
		return nil, g.observe("membership", "add",
			model.NewConflictError("user %s is already a member of project %s", m.UserID, m.ProjectID))
	}

	if m.Role == "" {
		m.Role = model.RoleMember
	}
	m.AddedAt = time.Now()

	if err := g.backend.AddMember(ctx, m); err != nil {
		return nil, g.observe("membership", "add", err)
	}

	g.record(ctx, "member.added",
		fmt.Sprintf("user %s added to project %q", m.UserID, project.Name), "", m.ProjectID)
	return m, g.observe("membership", "add", nil)
}

// RemoveMember はプロジェクトからメンバーを外す。
func (g *Gateway) RemoveMember(ctx context.Context, projectID, userID string) error {
	existing, err := g.backend.GetMember(ctx, projectID, userID)
	if err != nil {
		return g.observe("membership", "remove", err)
	}
	if existing == nil {
		return g.observe("membership", "remove",
			model.NewNotFoundError("membership", projectID+"/"+userID))
	}

	if err := g.backend.RemoveMember(ctx, projectID, userID); err != nil {
		return g.observe("membership", "remove", err)
	}

	g.record(ctx, "member.removed",
		fmt.Sprintf("user %s removed from project %s", userID, projectID), "", projectID)
	return g.observe("membership", "remove", nil)
}

// --- タスク ---

// ListTasks は全タスクを返す。
func (g *Gateway) ListTasks(ctx context.Context) ([]*model.Task, error) {
	tasks, err := g.backend.ListTasks(ctx)
	return tasks, g.observe("task", "list", err)
}

// ListProjectTasks は指定プロジェクトのタスク一覧を返す。
func (g *Gateway) ListProjectTasks(ctx context.Context, projectID string) ([]*model.Task, error) {
	tasks, err := g.backend.ListTasksByProject(ctx, projectID)
	return tasks, g.observe("task", "list", err)
}

// GetTask は指定IDのタスクを返す。存在しない場合はNotFoundエラー。
func (g *Gateway) GetTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := g.backend.GetTask(ctx, id)
	if err != nil {
		return nil, g.observe("task", "get", err)
	}
	if task == nil {
		return nil, g.observe("task", "get", model.NewNotFoundError("task", id))
	}
	return task, g.observe("task", "get", nil)
}

// CreateTask はタスクを作成する。
// 外部参照の検証（プロジェクト・作成者・任意の担当者）は書き込み前に
// 同一バックエンドに対して行い、失敗時は何も保存されない。
func (g *Gateway) CreateTask(ctx context.Context, task *model.Task) (*model.Task, error) {
	task.Name = g.clean(task.Name)
	task.Description = g.clean(task.Description)
	if task.Name == "" {
		return nil, g.observe("task", "create", model.NewValidationError("task name is required"))
	}
	if err := g.validateTaskRefs(ctx, task); err != nil {
		return nil, g.observe("task", "create", err)
	}

	now := time.Now()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = model.TaskStatusTodo
	}
	if task.Priority == "" {
		task.Priority = model.TaskPriorityNormal
	}
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := g.backend.CreateTask(ctx, task); err != nil {
		return nil, g.observe("task", "create", err)
	}

	g.record(ctx, "task.created", fmt.Sprintf("task %q created", task.Name), task.ID, task.ProjectID)
	return task, g.observe("task", "create", nil)
}

// UpdateTask は既存タスクを更新する。
// 完了への遷移時には完了タイムスタンプを補完する。
func (g *Gateway) UpdateTask(ctx context.Context, task *model.Task) (*model.Task, error) {
	task.Name = g.clean(task.Name)
	task.Description = g.clean(task.Description)
	existing, err := g.backend.GetTask(ctx, task.ID)
	if err != nil {
		return nil, g.observe("task", "update", err)
	}
	if existing == nil {
		return nil, g.observe("task", "update", model.NewNotFoundError("task", task.ID))
	}
	if err := g.validateTaskRefs(ctx, task); err != nil {
		return nil, g.observe("task", "update", err)
	}

	if task.Status == model.TaskStatusDone && task.CompletedAt == nil {
		now := time.Now()
		task.CompletedAt = &now
	}
	task.CreatedAt = existing.CreatedAt
	task.UpdatedAt = time.Now()

	if err := g.backend.UpdateTask(ctx, task); err != nil {
		return nil, g.observe("task", "update", err)
	}

	g.record(ctx, "task.updated", fmt.Sprintf("task %q updated", task.Name), task.ID, task.ProjectID)
	return task, g.observe("task", "update", nil)
}

// DeleteTask は指定IDのタスクを削除する。
func (g *Gateway) DeleteTask(ctx context.Context, id string) error {
	existing, err := g.backend.GetTask(ctx, id)
	if err != nil {
		return g.observe("task", "delete", err)
	}
	if existing == nil {
		return g.observe("task", "delete", model.NewNotFoundError("task", id))
	}

	if err := g.backend.DeleteTask(ctx, id); err != nil {
		return g.observe("task", "delete", err)
	}

	g.record(ctx, "task.deleted", fmt.Sprintf("task %q deleted", existing.Name), id, existing.ProjectID)
	return g.observe("task", "delete", nil)
}

// validateTaskRefs はタスクの外部参照フィールドを検証する。
func (g *Gateway) validateTaskRefs(ctx context.Context, task *model.Task) error {
	project, err := g.backend.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	if project == nil {
		return model.NewValidationError("project_id references missing project: %s", task.ProjectID)
	}
	if err := g.requireUser(ctx, task.CreatorID, "creator_id"); err != nil {
		return err
	}
	if task.AssigneeID != "" {
		if err := g.requireUser(ctx, task.AssigneeID, "assigned_to_id"); err != nil {
			return err
		}
	}
	return nil
}

// requireUser は指定IDのユーザーが実在することを検証する。
func (g *Gateway) requireUser(ctx context.Context, id, field string) error {
	if id == "" {
		return model.NewValidationError("%s is required", field)
	}
	user, err := g.backend.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if user == nil {
		return model.NewValidationError("%s references missing user: %s", field, id)
	}
	return nil
}

// --- アクティビティ ---

// RecentActivity は新しい順にlimit件のアクティビティレコードを返す。
func (g *Gateway) RecentActivity(ctx context.Context, limit int) ([]*model.ActivityRecord, error) {
	records, err := g.recorder.Recent(ctx, limit)
	return records, g.observe("activity", "list", err)
}

// --- セッション・リフレッシュトークン ---
// 認証サービスからのみ使われる薄いパススルー。

// CreateSession はセッションを作成する。
func (g *Gateway) CreateSession(ctx context.Context, session *model.Session) error {
	return g.observe("session", "create", g.backend.CreateSession(ctx, session))
}

// FindSession は指定IDの有効なセッションを返す。期限切れ・未検出はnil。
func (g *Gateway) FindSession(ctx context.Context, id string) (*model.Session, error) {
	session, err := g.backend.FindSession(ctx, id)
	return session, g.observe("session", "find", err)
}

// DeleteSession は指定IDのセッションを削除する。
func (g *Gateway) DeleteSession(ctx context.Context, id string) error {
	return g.observe("session", "delete", g.backend.DeleteSession(ctx, id))
}

// CreateRefreshToken はリフレッシュトークンを作成する。
func (g *Gateway) CreateRefreshToken(ctx context.Context, token *model.RefreshToken) error {
	return g.observe("refresh_token", "create", g.backend.CreateRefreshToken(ctx, token))
}

// FindRefreshToken は指定の有効なリフレッシュトークンを返す。期限切れ・未検出はnil。
func (g *Gateway) FindRefreshToken(ctx context.Context, token string) (*model.RefreshToken, error) {
	rt, err := g.backend.FindRefreshToken(ctx, token)
	return rt, g.observe("refresh_token", "find", err)
}

// DeleteRefreshToken は指定トークンを削除する。
func (g *Gateway) DeleteRefreshToken(ctx context.Context, token string) error {
	return g.observe("refresh_token", "delete", g.backend.DeleteRefreshToken(ctx, token))
}
