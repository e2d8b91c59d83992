package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/taskdeck/internal/model"
)

// snapshotFileName は組み込みストアのスナップショットファイル名。
const snapshotFileName = "taskdeck.json"

// memberRecord は組み込みストアにおけるメンバーシップの物理表現。
// プロジェクトレコードのインライン配列として保存され、Backend境界では
// 常にmodel.ProjectMembershipに変換される。
type memberRecord struct {
	UserID  string           `json:"user_id"`
	Role    model.MemberRole `json:"role"`
	AddedAt time.Time        `json:"added_at"`
}

// projectRecord はプロジェクトとインラインメンバー配列の物理表現。
type projectRecord struct {
	model.Project
	Members []memberRecord `json:"members"`
}

// fileData はスナップショットファイル全体の構造。
type fileData struct {
	Users         []*model.User           `json:"users"`
	Projects      []*projectRecord        `json:"projects"`
	Tasks         []*model.Task           `json:"tasks"`
	Activity      []*model.ActivityRecord `json:"activity"`
	Sessions      []*model.Session        `json:"sessions"`
	RefreshTokens []*model.RefreshToken   `json:"refresh_tokens"`
}

// FileStore はローカルJSONスナップショットを使う組み込みストア。
// 全状態をメモリに保持し、ミューテーションごとにスナップショット全体を
// 一時ファイル書き込み＋アトミックなrenameで永続化する。
// ファイルI/O障害はプロセスにとって致命的として扱い、リトライしない。
type FileStore struct {
	path string

	mu   sync.Mutex
	data *fileData
}

// NewFileStore は指定ディレクトリ配下のスナップショットを読み込み、
// FileStoreを生成する。ファイルが存在しない場合は空の状態から始める。
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &FileStore{
		path: filepath.Join(dir, snapshotFileName),
		data: &fileData{},
	}

	content, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	if err := json.Unmarshal(content, s.data); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot file: %w", err)
	}

	return s, nil
}

// save はスナップショット全体をアトミックに書き出す。
// 呼び出し元はmuを保持していること。
func (s *FileStore) save() error {
	bytes, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, bytes, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// --- ユーザー ---

// ListUsers は全ユーザーを返す。
func (s *FileStore) ListUsers(_ context.Context) ([]*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]*model.User, 0, len(s.data.Users))
	for _, u := range s.data.Users {
		c := *u
		users = append(users, &c)
	}
	return users, nil
}

// GetUser は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (s *FileStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUser(func(u *model.User) bool { return u.ID == id }), nil
}

// FindUserByUsername はユーザー名でユーザーを検索する。
func (s *FileStore) FindUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUser(func(u *model.User) bool { return u.Username == username }), nil
}

// FindUserByEmail はメールアドレス（大文字小文字無視）でユーザーを検索する。
func (s *FileStore) FindUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUser(func(u *model.User) bool { return strings.EqualFold(u.Email, email) }), nil
}

// FindUserBySubject はフェデレーテッドサブジェクトでユーザーを検索する。
func (s *FileStore) FindUserBySubject(_ context.Context, subject string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUser(func(u *model.User) bool {
		return u.FederatedSubject != "" && u.FederatedSubject == subject
	}), nil
}

// findUser は条件に一致する最初のユーザーのコピーを返す。
// 呼び出し元はmuを保持していること。
func (s *FileStore) findUser(match func(*model.User) bool) *model.User {
	for _, u := range s.data.Users {
		if match(u) {
			c := *u
			return &c
		}
	}
	return nil
}

// CreateUser はユーザーを作成する。
func (s *FileStore) CreateUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *user
	s.data.Users = append(s.data.Users, &c)
	return s.save()
}

// UpdateUser は既存ユーザーを上書き更新する。
func (s *FileStore) UpdateUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, u := range s.data.Users {
		if u.ID == user.ID {
			c := *user
			s.data.Users[i] = &c
			return s.save()
		}
	}
	return fmt.Errorf("user not found for update: %s", user.ID)
}

// DeleteUser は指定IDのユーザーを削除する。
func (s *FileStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, u := range s.data.Users {
		if u.ID == id {
			s.data.Users = append(s.data.Users[:i], s.data.Users[i+1:]...)
			return s.save()
		}
	}
	return fmt.Errorf("user not found for delete: %s", id)
}

// --- プロジェクト ---

// ListProjects は全プロジェクトを返す。
func (s *FileStore) ListProjects(_ context.Context) ([]*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	projects := make([]*model.Project, 0, len(s.data.Projects))
	for _, p := range s.data.Projects {
		c := p.Project
		projects = append(projects, &c)
	}
	return projects, nil
}

// GetProject は指定IDのプロジェクトを取得する。見つからない場合はnilを返す。
func (s *FileStore) GetProject(_ context.Context, id string) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec := s.findProject(id); rec != nil {
		c := rec.Project
		return &c, nil
	}
	return nil, nil
}

// findProject は指定IDのプロジェクトレコードを返す。
// 呼び出し元はmuを保持していること。
func (s *FileStore) findProject(id string) *projectRecord {
	for _, p := range s.data.Projects {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// CreateProject はプロジェクトを作成する。
func (s *FileStore) CreateProject(_ context.Context, project *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Projects = append(s.data.Projects, &projectRecord{Project: *project})
	return s.save()
}

// UpdateProject は既存プロジェクトを上書き更新する。
// インラインのメンバー配列は変更しない。
func (s *FileStore) UpdateProject(_ context.Context, project *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.findProject(project.ID)
	if rec == nil {
		return fmt.Errorf("project not found for update: %s", project.ID)
	}
	rec.Project = *project
	return s.save()
}

// DeleteProject はプロジェクト・メンバーシップ・タスクを
// 1回のアトミックなスナップショット書き換えで削除する。
// 組み込みストアにはネイティブの制約がないため、3種の削除を明示的に行う。
func (s *FileStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	projects := s.data.Projects[:0]
	for _, p := range s.data.Projects {
		if p.ID == id {
			found = true
			continue // プロジェクト本体とインラインメンバーを同時に落とす
		}
		projects = append(projects, p)
	}
	if !found {
		return fmt.Errorf("project not found for delete: %s", id)
	}
	s.data.Projects = projects

	tasks := s.data.Tasks[:0]
	for _, t := range s.data.Tasks {
		if t.ProjectID == id {
			continue
		}
		tasks = append(tasks, t)
	}
	s.data.Tasks = tasks

	return s.save()
}

// --- メンバーシップ ---

// ListMembers はプロジェクトのメンバーシップ一覧を返す。
// インライン配列から第一級のProjectMembership値に変換する。
func (s *FileStore) ListMembers(_ context.Context, projectID string) ([]*model.ProjectMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.findProject(projectID)
	if rec == nil {
		return []*model.ProjectMembership{}, nil
	}

	members := make([]*model.ProjectMembership, 0, len(rec.Members))
	for _, m := range rec.Members {
		members = append(members, &model.ProjectMembership{
			ProjectID: projectID,
			UserID:    m.UserID,
			Role:      m.Role,
			AddedAt:   m.AddedAt,
		})
	}
	return members, nil
}

// GetMember は指定の(プロジェクト, ユーザー)ペアのメンバーシップを取得する。
// 見つからない場合はnilを返す。
func (s *FileStore) GetMember(_ context.Context, projectID, userID string) (*model.ProjectMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.findProject(projectID)
	if rec == nil {
		return nil, nil
	}
	for _, m := range rec.Members {
		if m.UserID == userID {
			return &model.ProjectMembership{
				ProjectID: projectID,
				UserID:    m.UserID,
				Role:      m.Role,
				AddedAt:   m.AddedAt,
			}, nil
		}
	}
	return nil, nil
}

// AddMember はメンバーシップを追加する。
func (s *FileStore) AddMember(_ context.Context, m *model.ProjectMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.findProject(m.ProjectID)
	if rec == nil {
		return fmt.Errorf("project not found for member add: %s", m.ProjectID)
	}
	rec.Members = append(rec.Members, memberRecord{
		UserID:  m.UserID,
		Role:    m.Role,
		AddedAt: m.AddedAt,
	})
	return s.save()
}

// RemoveMember はメンバーシップを削除する。
func (s *FileStore) RemoveMember(_ context.Context, projectID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.findProject(projectID)
	if rec == nil {
		return fmt.Errorf("project not found for member remove: %s", projectID)
	}
	for i, m := range rec.Members {
		if m.UserID == userID {
			rec.Members = append(rec.Members[:i], rec.Members[i+1:]...)
			return s.save()
		}
	}
	return fmt.Errorf("member not found: project=%s user=%s", projectID, userID)
}

// --- タスク ---

// ListTasks は全タスクを返す。
func (s *FileStore) ListTasks(_ context.Context) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*model.Task, 0, len(s.data.Tasks))
	for _, t := range s.data.Tasks {
		c := *t
		tasks = append(tasks, &c)
	}
	return tasks, nil
}

// ListTasksByProject は指定プロジェクトのタスク一覧を返す。
func (s *FileStore) ListTasksByProject(_ context.Context, projectID string) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*model.Task, 0)
	for _, t := range s.data.Tasks {
		if t.ProjectID == projectID {
			c := *t
			tasks = append(tasks, &c)
		}
	}
	return tasks, nil
}

// GetTask は指定IDのタスクを取得する。見つからない場合はnilを返す。
func (s *FileStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.data.Tasks {
		if t.ID == id {
			c := *t
			return &c, nil
		}
	}
	return nil, nil
}

// CreateTask はタスクを作成する。
func (s *FileStore) CreateTask(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *task
	s.data.Tasks = append(s.data.Tasks, &c)
	return s.save()
}

// UpdateTask は既存タスクを上書き更新する。
func (s *FileStore) UpdateTask(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.data.Tasks {
		if t.ID == task.ID {
			c := *task
			s.data.Tasks[i] = &c
			return s.save()
		}
	}
	return fmt.Errorf("task not found for update: %s", task.ID)
}

// DeleteTask は指定IDのタスクを削除する。
func (s *FileStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.data.Tasks {
		if t.ID == id {
			s.data.Tasks = append(s.data.Tasks[:i], s.data.Tasks[i+1:]...)
			return s.save()
		}
	}
	return fmt.Errorf("task not found for delete: %s", id)
}

// DeleteTasksByProject は指定プロジェクトの全タスクを削除する。
func (s *FileStore) DeleteTasksByProject(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := s.data.Tasks[:0]
	for _, t := range s.data.Tasks {
		if t.ProjectID == projectID {
			continue
		}
		tasks = append(tasks, t)
	}
	s.data.Tasks = tasks
	return s.save()
}

// --- アクティビティ ---

// ListActivity は新しい順にlimit件のアクティビティレコードを返す。
func (s *FileStore) ListActivity(_ context.Context, limit int) ([]*model.ActivityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.data.Activity)
	if limit > n {
		limit = n
	}
	records := make([]*model.ActivityRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		c := *s.data.Activity[i]
		records = append(records, &c)
	}
	return records, nil
}

// CountActivity は保存済みアクティビティレコードの件数を返す。
func (s *FileStore) CountActivity(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.Activity), nil
}

// AppendActivity はアクティビティレコードを末尾に追記する。
func (s *FileStore) AppendActivity(_ context.Context, rec *model.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	s.data.Activity = append(s.data.Activity, &c)
	return s.save()
}

// EvictOldestActivity は古い順にn件のアクティビティレコードを削除する。
func (s *FileStore) EvictOldestActivity(_ context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n >= len(s.data.Activity) {
		s.data.Activity = nil
	} else {
		s.data.Activity = append([]*model.ActivityRecord(nil), s.data.Activity[n:]...)
	}
	return s.save()
}

// --- セッション ---

// CreateSession はセッションを作成する。
func (s *FileStore) CreateSession(_ context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *session
	s.data.Sessions = append(s.data.Sessions, &c)
	return s.save()
}

// FindSession は指定IDのセッションを取得する。
// 見つからない場合および期限切れの場合はnilを返す。
func (s *FileStore) FindSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.data.Sessions {
		if sess.ID == id {
			if !sess.ExpiresAt.After(time.Now()) {
				return nil, nil
			}
			c := *sess
			return &c, nil
		}
	}
	return nil, nil
}

// DeleteSession は指定IDのセッションを削除する。
func (s *FileStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sess := range s.data.Sessions {
		if sess.ID == id {
			s.data.Sessions = append(s.data.Sessions[:i], s.data.Sessions[i+1:]...)
			return s.save()
		}
	}
	return nil
}

// DeleteSessionsByUser は指定ユーザーの全セッションを削除する。
func (s *FileStore) DeleteSessionsByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := s.data.Sessions[:0]
	for _, sess := range s.data.Sessions {
		if sess.UserID == userID {
			continue
		}
		sessions = append(sessions, sess)
	}
	s.data.Sessions = sessions
	return s.save()
}

// --- リフレッシュトークン ---

// CreateRefreshToken はリフレッシュトークンを作成する。
func (s *FileStore) CreateRefreshToken(_ context.Context, token *model.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *token
	s.data.RefreshTokens = append(s.data.RefreshTokens, &c)
	return s.save()
}

// FindRefreshToken は指定トークンを取得する。
// 見つからない場合および期限切れの場合はnilを返す。
func (s *FileStore) FindRefreshToken(_ context.Context, token string) (*model.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rt := range s.data.RefreshTokens {
		if rt.Token == token {
			if !rt.ExpiresAt.After(time.Now()) {
				return nil, nil
			}
			c := *rt
			return &c, nil
		}
	}
	return nil, nil
}

// DeleteRefreshToken は指定トークンを削除する。
func (s *FileStore) DeleteRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rt := range s.data.RefreshTokens {
		if rt.Token == token {
			s.data.RefreshTokens = append(s.data.RefreshTokens[:i], s.data.RefreshTokens[i+1:]...)
			return s.save()
		}
	}
	return nil
}

// DeleteRefreshTokensByUser は指定ユーザーの全リフレッシュトークンを削除する。
func (s *FileStore) DeleteRefreshTokensByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := s.data.RefreshTokens[:0]
	for _, rt := range s.data.RefreshTokens {
		if rt.UserID == userID {
			continue
		}
		tokens = append(tokens, rt)
	}
	s.data.RefreshTokens = tokens
	return s.save()
}

// DeleteExpiredCredentials は期限切れのセッションとリフレッシュトークンを
// 1回の書き換えで削除する。
func (s *FileStore) DeleteExpiredCredentials(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	sessions := s.data.Sessions[:0]
	for _, sess := range s.data.Sessions {
		if !sess.ExpiresAt.After(now) {
			removed++
			continue
		}
		sessions = append(sessions, sess)
	}
	s.data.Sessions = sessions

	tokens := s.data.RefreshTokens[:0]
	for _, rt := range s.data.RefreshTokens {
		if !rt.ExpiresAt.After(now) {
			removed++
			continue
		}
		tokens = append(tokens, rt)
	}
	s.data.RefreshTokens = tokens

	if removed == 0 {
		return 0, nil
	}
	return removed, s.save()
}

// Ping はスナップショットファイルのディレクトリへの到達性を確認する。
func (s *FileStore) Ping(_ context.Context) error {
	if _, err := os.Stat(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("data directory is not accessible: %w", err)
	}
	return nil
}

// Close は保持リソースを解放する。組み込みストアでは何もしない。
func (s *FileStore) Close() error {
	return nil
}

// compile-time interface check
var _ Backend = (*FileStore)(nil)
