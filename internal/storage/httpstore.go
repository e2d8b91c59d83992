package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/taskdeck/internal/model"
)

// defaultRemoteTimeout はリモートストア呼び出しの既定タイムアウト。
const defaultRemoteTimeout = 10 * time.Second

// HTTPStore はHTTP経由で到達するSQL互換エンジンのリモートストア。
// 各呼び出しは単一のアトミックなステートメントに対応する。
// ネットワーク障害・タイムアウト・5xx応答はStorageUnavailableとして
// 呼び出し元に報告し、ストア内部ではリトライしない。
type HTTPStore struct {
	endpoint string
	token    string
	dataset  string
	client   *http.Client
}

// NewHTTPStore はリモートストアクライアントを生成する。
// timeoutが0の場合は既定値を使う。
func NewHTTPStore(cfg RemoteConfig, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &HTTPStore{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		dataset:  cfg.Dataset,
		client:   &http.Client{Timeout: timeout},
	}
}

// statementRequest はステートメントAPIへのリクエストボディ。
type statementRequest struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args"`
}

// statementResponse はステートメントAPIのレスポンスボディ。
type statementResponse struct {
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	RowsAffected int64    `json:"rows_affected,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// do は1つのステートメントを送信し、レスポンスを復号する。
func (s *HTTPStore) do(ctx context.Context, sql string, args ...any) (*statementResponse, error) {
	body, err := json.Marshal(statementRequest{SQL: sql, Args: normalizeArgs(args)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode statement: %w", err)
	}

	url := fmt.Sprintf("%s/v1/datasets/%s/query", s.endpoint, s.dataset)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build statement request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// タイムアウト・接続障害は一時障害として報告する
		return nil, model.NewStorageUnavailableError("remote store request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, model.NewStorageUnavailableError("failed to read remote store response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var sr statementResponse
		_ = json.Unmarshal(payload, &sr)
		msg := sr.Error
		if msg == "" {
			msg = strings.TrimSpace(string(payload))
		}
		return nil, model.NewStorageUnavailableError(
			fmt.Sprintf("remote store returned status %d: %s", resp.StatusCode, msg), nil)
	}

	var sr statementResponse
	if err := json.Unmarshal(payload, &sr); err != nil {
		return nil, model.NewStorageUnavailableError("failed to decode remote store response", err)
	}
	if sr.Error != "" {
		return nil, fmt.Errorf("remote store statement error: %s", sr.Error)
	}
	return &sr, nil
}

// exec は更新系ステートメントを実行し、影響行数を返す。
func (s *HTTPStore) exec(ctx context.Context, sql string, args ...any) (int64, error) {
	sr, err := s.do(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return sr.RowsAffected, nil
}

// query は参照系ステートメントを実行し、行の集合を返す。
func (s *HTTPStore) query(ctx context.Context, sql string, args ...any) ([][]any, error) {
	sr, err := s.do(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return sr.Rows, nil
}

// queryOne は参照系ステートメントを実行し、先頭行を返す。
// 行が存在しない場合は(nil, nil)を返す。
func (s *HTTPStore) queryOne(ctx context.Context, sql string, args ...any) ([]any, error) {
	rows, err := s.query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// normalizeArgs はJSONボディで安全に運べる形に引数を変換する。
// time.TimeはRFC3339Nano文字列、nilポインタはnullになる。
func normalizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case time.Time:
			out[i] = v.UTC().Format(time.RFC3339Nano)
		case *time.Time:
			if v == nil {
				out[i] = nil
			} else {
				out[i] = v.UTC().Format(time.RFC3339Nano)
			}
		default:
			out[i] = a
		}
	}
	return out
}

// --- 行スキャンヘルパー ---
// レスポンス行の値はJSON型（string/float64/bool/nil）で届く。

func colString(row []any, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	s, _ := row[i].(string)
	return s
}

func colBool(row []any, i int) bool {
	if i >= len(row) || row[i] == nil {
		return false
	}
	switch v := row[i].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	default:
		return false
	}
}

func colTime(row []any, i int) time.Time {
	s := colString(row, i)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func colTimePtr(row []any, i int) *time.Time {
	if i >= len(row) || row[i] == nil {
		return nil
	}
	t := colTime(row, i)
	if t.IsZero() {
		return nil
	}
	return &t
}

// --- ユーザー ---

const userColumns = `id, username, email, display_name, initials, color, is_admin, federated_subject, credential_hash, created_at, updated_at`

func scanUser(row []any) *model.User {
	return &model.User{
		ID:               colString(row, 0),
		Username:         colString(row, 1),
		Email:            colString(row, 2),
		DisplayName:      colString(row, 3),
		Initials:         colString(row, 4),
		Color:            colString(row, 5),
		IsAdmin:          colBool(row, 6),
		FederatedSubject: colString(row, 7),
		CredentialHash:   colString(row, 8),
		CreatedAt:        colTime(row, 9),
		UpdatedAt:        colTime(row, 10),
	}
}

// ListUsers は全ユーザーを返す。
func (s *HTTPStore) ListUsers(ctx context.Context) ([]*model.User, error) {
	rows, err := s.query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	users := make([]*model.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, scanUser(row))
	}
	return users, nil
}

// GetUser は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (s *HTTPStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row, err := s.queryOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if err != nil || row == nil {
		return nil, err
	}
	return scanUser(row), nil
}

// FindUserByUsername はユーザー名でユーザーを検索する。
func (s *HTTPStore) FindUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row, err := s.queryOne(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	if err != nil || row == nil {
		return nil, err
	}
	return scanUser(row), nil
}

// FindUserByEmail はメールアドレス（大文字小文字無視）でユーザーを検索する。
func (s *HTTPStore) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row, err := s.queryOne(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower(?)`, email)
	if err != nil || row == nil {
		return nil, err
	}
	return scanUser(row), nil
}

// FindUserBySubject はフェデレーテッドサブジェクトでユーザーを検索する。
func (s *HTTPStore) FindUserBySubject(ctx context.Context, subject string) (*model.User, error) {
	row, err := s.queryOne(ctx,
		`SELECT `+userColumns+` FROM users WHERE federated_subject = ?`, subject)
	if err != nil || row == nil {
		return nil, err
	}
	return scanUser(row), nil
}

// CreateUser はユーザーを作成する。
func (s *HTTPStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.DisplayName, u.Initials, u.Color,
		u.IsAdmin, nullable(u.FederatedSubject), nullable(u.CredentialHash),
		u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// UpdateUser は既存ユーザーを上書き更新する。
func (s *HTTPStore) UpdateUser(ctx context.Context, u *model.User) error {
	affected, err := s.exec(ctx,
		`UPDATE users SET username = ?, email = ?, display_name = ?, initials = ?,
		 color = ?, is_admin = ?, federated_subject = ?, credential_hash = ?, updated_at = ?
		 WHERE id = ?`,
		u.Username, u.Email, u.DisplayName, u.Initials, u.Color, u.IsAdmin,
		nullable(u.FederatedSubject), nullable(u.CredentialHash), u.UpdatedAt, u.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user not found for update: %s", u.ID)
	}
	return nil
}

// DeleteUser は指定IDのユーザーを削除する。
func (s *HTTPStore) DeleteUser(ctx context.Context, id string) error {
	affected, err := s.exec(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user not found for delete: %s", id)
	}
	return nil
}

// nullable は空文字列をnullとして束縛する。
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- プロジェクト ---

const projectColumns = `id, name, description, owner_id, personal, created_at, updated_at`

func scanProject(row []any) *model.Project {
	return &model.Project{
		ID:          colString(row, 0),
		Name:        colString(row, 1),
		Description: colString(row, 2),
		OwnerID:     colString(row, 3),
		Personal:    colBool(row, 4),
		CreatedAt:   colTime(row, 5),
		UpdatedAt:   colTime(row, 6),
	}
}

// ListProjects は全プロジェクトを返す。
func (s *HTTPStore) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	projects := make([]*model.Project, 0, len(rows))
	for _, row := range rows {
		projects = append(projects, scanProject(row))
	}
	return projects, nil
}

// GetProject は指定IDのプロジェクトを取得する。見つからない場合はnilを返す。
func (s *HTTPStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row, err := s.queryOne(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	if err != nil || row == nil {
		return nil, err
	}
	return scanProject(row), nil
}

// CreateProject はプロジェクトを作成する。
func (s *HTTPStore) CreateProject(ctx context.Context, p *model.Project) error {
	_, err := s.exec(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.OwnerID, p.Personal, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

// UpdateProject は既存プロジェクトを上書き更新する。
func (s *HTTPStore) UpdateProject(ctx context.Context, p *model.Project) error {
	affected, err := s.exec(ctx,
		`UPDATE projects SET name = ?, description = ?, owner_id = ?, personal = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, p.Description, p.OwnerID, p.Personal, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("project not found for update: %s", p.ID)
	}
	return nil
}

// DeleteProject はプロジェクトを削除する。
// メンバーシップとタスクはスキーマのON DELETE CASCADEにより
// エンジン側で同一ステートメント内で削除される。
func (s *HTTPStore) DeleteProject(ctx context.Context, id string) error {
	affected, err := s.exec(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("project not found for delete: %s", id)
	}
	return nil
}

// --- メンバーシップ ---
// リモートストアでは正規化された結合行として保存される。

const memberColumns = `project_id, user_id, role, added_at`

func scanMember(row []any) *model.ProjectMembership {
	return &model.ProjectMembership{
		ProjectID: colString(row, 0),
		UserID:    colString(row, 1),
		Role:      model.MemberRole(colString(row, 2)),
		AddedAt:   colTime(row, 3),
	}
}

// ListMembers はプロジェクトのメンバーシップ一覧を返す。
func (s *HTTPStore) ListMembers(ctx context.Context, projectID string) ([]*model.ProjectMembership, error) {
	rows, err := s.query(ctx,
		`SELECT `+memberColumns+` FROM project_memberships WHERE project_id = ? ORDER BY added_at`,
		projectID)
	if err != nil {
		return nil, err
	}
	members := make([]*model.ProjectMembership, 0, len(rows))
	for _, row := range rows {
		members = append(members, scanMember(row))
	}
	return members, nil
}

// GetMember は指定の(プロジェクト, ユーザー)ペアのメンバーシップを取得する。
func (s *HTTPStore) GetMember(ctx context.Context, projectID, userID string) (*model.ProjectMembership, error) {
	row, err := s.queryOne(ctx,
		`SELECT `+memberColumns+` FROM project_memberships WHERE project_id = ? AND user_id = ?`,
		projectID, userID)
	if err != nil || row == nil {
		return nil, err
	}
	return scanMember(row), nil
}

// AddMember はメンバーシップを追加する。
func (s *HTTPStore) AddMember(ctx context.Context, m *model.ProjectMembership) error {
	_, err := s.exec(ctx,
		`INSERT INTO project_memberships (`+memberColumns+`) VALUES (?, ?, ?, ?)`,
		m.ProjectID, m.UserID, string(m.Role), m.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert membership: %w", err)
	}
	return nil
}

// RemoveMember はメンバーシップを削除する。
func (s *HTTPStore) RemoveMember(ctx context.Context, projectID, userID string) error {
	affected, err := s.exec(ctx,
		`DELETE FROM project_memberships WHERE project_id = ? AND user_id = ?`,
		projectID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("member not found: project=%s user=%s", projectID, userID)
	}
	return nil
}

// --- タスク ---

const taskColumns = `id, name, description, due_date, project_id, assigned_to_id, creator_id, status, priority, archived, completed_at, created_at, updated_at`

func scanTask(row []any) *model.Task {
	return &model.Task{
		ID:          colString(row, 0),
		Name:        colString(row, 1),
		Description: colString(row, 2),
		DueDate:     colTimePtr(row, 3),
		ProjectID:   colString(row, 4),
		AssigneeID:  colString(row, 5),
		CreatorID:   colString(row, 6),
		Status:      model.TaskStatus(colString(row, 7)),
		Priority:    model.TaskPriority(colString(row, 8)),
		Archived:    colBool(row, 9),
		CompletedAt: colTimePtr(row, 10),
		CreatedAt:   colTime(row, 11),
		UpdatedAt:   colTime(row, 12),
	}
}

// ListTasks は全タスクを返す。
func (s *HTTPStore) ListTasks(ctx context.Context) ([]*model.Task, error) {
	rows, err := s.query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	tasks := make([]*model.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, scanTask(row))
	}
	return tasks, nil
}

// ListTasksByProject は指定プロジェクトのタスク一覧を返す。
func (s *HTTPStore) ListTasksByProject(ctx context.Context, projectID string) ([]*model.Task, error) {
	rows, err := s.query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	tasks := make([]*model.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, scanTask(row))
	}
	return tasks, nil
}

// GetTask は指定IDのタスクを取得する。見つからない場合はnilを返す。
func (s *HTTPStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row, err := s.queryOne(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil || row == nil {
		return nil, err
	}
	return scanTask(row), nil
}

// CreateTask はタスクを作成する。
func (s *HTTPStore) CreateTask(ctx context.Context, t *model.Task) error {
	_, err := s.exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, t.DueDate, t.ProjectID, nullable(t.AssigneeID),
		t.CreatorID, string(t.Status), string(t.Priority), t.Archived,
		t.CompletedAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// UpdateTask は既存タスクを上書き更新する。
func (s *HTTPStore) UpdateTask(ctx context.Context, t *model.Task) error {
	affected, err := s.exec(ctx,
		`UPDATE tasks SET name = ?, description = ?, due_date = ?, project_id = ?,
		 assigned_to_id = ?, creator_id = ?, status = ?, priority = ?, archived = ?,
		 completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		t.Name, t.Description, t.DueDate, t.ProjectID, nullable(t.AssigneeID),
		t.CreatorID, string(t.Status), string(t.Priority), t.Archived,
		t.CompletedAt, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task not found for update: %s", t.ID)
	}
	return nil
}

// DeleteTask は指定IDのタスクを削除する。
func (s *HTTPStore) DeleteTask(ctx context.Context, id string) error {
	affected, err := s.exec(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task not found for delete: %s", id)
	}
	return nil
}

// DeleteTasksByProject は指定プロジェクトの全タスクを削除する。
func (s *HTTPStore) DeleteTasksByProject(ctx context.Context, projectID string) error {
	if _, err := s.exec(ctx, `DELETE FROM tasks WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("failed to delete project tasks: %w", err)
	}
	return nil
}

// --- アクティビティ ---

const activityColumns = `id, actor_id, task_id, project_id, action, details, timestamp`

func scanActivity(row []any) *model.ActivityRecord {
	return &model.ActivityRecord{
		ID:        colString(row, 0),
		ActorID:   colString(row, 1),
		TaskID:    colString(row, 2),
		ProjectID: colString(row, 3),
		Action:    colString(row, 4),
		Details:   colString(row, 5),
		CreatedAt: colTime(row, 6),
	}
}

// ListActivity は新しい順にlimit件のアクティビティレコードを返す。
func (s *HTTPStore) ListActivity(ctx context.Context, limit int) ([]*model.ActivityRecord, error) {
	rows, err := s.query(ctx,
		`SELECT `+activityColumns+` FROM activity_records ORDER BY timestamp DESC, id DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	records := make([]*model.ActivityRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, scanActivity(row))
	}
	return records, nil
}

// CountActivity は保存済みアクティビティレコードの件数を返す。
func (s *HTTPStore) CountActivity(ctx context.Context) (int, error) {
	row, err := s.queryOne(ctx, `SELECT COUNT(*) FROM activity_records`)
	if err != nil {
		return 0, err
	}
	if row == nil || len(row) == 0 {
		return 0, nil
	}
	n, _ := row[0].(float64)
	return int(n), nil
}

// AppendActivity はアクティビティレコードを追記する。
func (s *HTTPStore) AppendActivity(ctx context.Context, rec *model.ActivityRecord) error {
	_, err := s.exec(ctx,
		`INSERT INTO activity_records (`+activityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, nullable(rec.ActorID), nullable(rec.TaskID), nullable(rec.ProjectID),
		rec.Action, rec.Details, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity record: %w", err)
	}
	return nil
}

// EvictOldestActivity は古い順にn件のアクティビティレコードを削除する。
func (s *HTTPStore) EvictOldestActivity(ctx context.Context, n int) error {
	_, err := s.exec(ctx,
		`DELETE FROM activity_records WHERE id IN
		 (SELECT id FROM activity_records ORDER BY timestamp ASC, id ASC LIMIT ?)`,
		n)
	if err != nil {
		return fmt.Errorf("failed to evict activity records: %w", err)
	}
	return nil
}

// --- セッション ---

// CreateSession はセッションを作成する。
func (s *HTTPStore) CreateSession(ctx context.Context, session *model.Session) error {
	_, err := s.exec(ctx,
		`INSERT INTO sessions (id, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.UserID, session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// FindSession は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (s *HTTPStore) FindSession(ctx context.Context, id string) (*model.Session, error) {
	row, err := s.queryOne(ctx,
		`SELECT id, user_id, expires_at, created_at FROM sessions WHERE id = ? AND expires_at > ?`,
		id, time.Now())
	if err != nil || row == nil {
		return nil, err
	}
	return &model.Session{
		ID:        colString(row, 0),
		UserID:    colString(row, 1),
		ExpiresAt: colTime(row, 2),
		CreatedAt: colTime(row, 3),
	}, nil
}

// DeleteSession は指定IDのセッションを削除する。
func (s *HTTPStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteSessionsByUser は指定ユーザーの全セッションを削除する。
func (s *HTTPStore) DeleteSessionsByUser(ctx context.Context, userID string) error {
	if _, err := s.exec(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// --- リフレッシュトークン ---

// CreateRefreshToken はリフレッシュトークンを作成する。
func (s *HTTPStore) CreateRefreshToken(ctx context.Context, t *model.RefreshToken) error {
	_, err := s.exec(ctx,
		`INSERT INTO refresh_tokens (token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		t.Token, t.UserID, t.ExpiresAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// FindRefreshToken は指定トークンを取得する。期限切れの場合はnilを返す。
func (s *HTTPStore) FindRefreshToken(ctx context.Context, token string) (*model.RefreshToken, error) {
	row, err := s.queryOne(ctx,
		`SELECT token, user_id, expires_at, created_at FROM refresh_tokens WHERE token = ? AND expires_at > ?`,
		token, time.Now())
	if err != nil || row == nil {
		return nil, err
	}
	return &model.RefreshToken{
		Token:     colString(row, 0),
		UserID:    colString(row, 1),
		ExpiresAt: colTime(row, 2),
		CreatedAt: colTime(row, 3),
	}, nil
}

// DeleteRefreshToken は指定トークンを削除する。
func (s *HTTPStore) DeleteRefreshToken(ctx context.Context, token string) error {
	if _, err := s.exec(ctx, `DELETE FROM refresh_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

// DeleteRefreshTokensByUser は指定ユーザーの全リフレッシュトークンを削除する。
func (s *HTTPStore) DeleteRefreshTokensByUser(ctx context.Context, userID string) error {
	if _, err := s.exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete user refresh tokens: %w", err)
	}
	return nil
}

// DeleteExpiredCredentials は期限切れのセッションとリフレッシュトークンを
// 削除し、削除件数の合計を返す。
func (s *HTTPStore) DeleteExpiredCredentials(ctx context.Context, now time.Time) (int, error) {
	sessions, err := s.exec(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	tokens, err := s.exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	return int(sessions + tokens), nil
}

// Ping はリモートストアへの到達性を確認する。
func (s *HTTPStore) Ping(ctx context.Context) error {
	_, err := s.query(ctx, `SELECT 1`)
	return err
}

// Close は保持リソースを解放する。
func (s *HTTPStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// bootstrapStatements はリモートストアのスキーマ定義。
// メンバーシップとタスクの外部キーはON DELETE CASCADEを持ち、
// プロジェクト削除のカスケードはエンジン側で保証される。
var bootstrapStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL,
		display_name TEXT NOT NULL,
		initials TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		federated_subject TEXT UNIQUE,
		credential_hash TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL REFERENCES users(id),
		personal BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS project_memberships (
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id),
		role TEXT NOT NULL DEFAULT 'member',
		added_at TIMESTAMP NOT NULL,
		PRIMARY KEY (project_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		due_date TIMESTAMP,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		assigned_to_id TEXT REFERENCES users(id),
		creator_id TEXT NOT NULL REFERENCES users(id),
		status TEXT NOT NULL DEFAULT 'todo',
		priority TEXT NOT NULL DEFAULT 'normal',
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS activity_records (
		id TEXT PRIMARY KEY,
		actor_id TEXT,
		task_id TEXT,
		project_id TEXT,
		action TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
}

// Bootstrap はスキーマ定義ステートメントを順番に適用する。
// 直接のSQL接続は存在しないため、DDLも同じHTTPステートメントAPIで送る。
func (s *HTTPStore) Bootstrap(ctx context.Context) error {
	for i, stmt := range bootstrapStatements {
		if _, err := s.exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
