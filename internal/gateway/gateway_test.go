package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/taskdeck/internal/activity"
	"github.com/hitoshi/taskdeck/internal/auth"
	"github.com/hitoshi/taskdeck/internal/model"
	"github.com/hitoshi/taskdeck/internal/security"
	"github.com/hitoshi/taskdeck/internal/storage"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	recorder := activity.NewRecorder(store, 100, nil)
	return New(store, recorder, nil, security.NewTextSanitizer())
}

func mustCreateUser(t *testing.T, g *Gateway, username string) *model.User {
	t.Helper()
	user, err := g.CreateUser(context.Background(), &model.User{
		Username: username,
		Email:    username + "@example.com",
	})
	if err != nil {
		t.Fatalf("CreateUser(%s) returned error: %v", username, err)
	}
	return user
}

func mustCreateProject(t *testing.T, g *Gateway, name, ownerID string) *model.Project {
	t.Helper()
	project, err := g.CreateProject(context.Background(), &model.Project{
		Name:    name,
		OwnerID: ownerID,
	})
	if err != nil {
		t.Fatalf("CreateProject(%s) returned error: %v", name, err)
	}
	return project
}

// TestGateway_CreateUser_FillsIDAndTimestamps はIDとタイムスタンプの補完を検証する。
func TestGateway_CreateUser_FillsIDAndTimestamps(t *testing.T) {
	g := newTestGateway(t)

	user := mustCreateUser(t, g, "alice")

	if user.ID == "" {
		t.Error("ID should be generated")
	}
	if user.CreatedAt.IsZero() || user.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}
}

// TestGateway_CreateUser_DuplicateUsernameConflicts はユーザー名の一意性を検証する。
func TestGateway_CreateUser_DuplicateUsernameConflicts(t *testing.T) {
	g := newTestGateway(t)
	mustCreateUser(t, g, "alice")

	_, err := g.CreateUser(context.Background(), &model.User{Username: "alice"})
	if !model.IsKind(err, model.KindConflict) {
		t.Errorf("error kind = %v, want conflict", model.KindOf(err))
	}
}

// TestGateway_CreateUser_EmptyUsernameFails は必須項目の検証を確認する。
func TestGateway_CreateUser_EmptyUsernameFails(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.CreateUser(context.Background(), &model.User{})
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("error kind = %v, want validation", model.KindOf(err))
	}
}

// TestGateway_CreateUser_DuplicateSubjectConflicts は
// フェデレーテッドサブジェクトの一意性を検証する。
func TestGateway_CreateUser_DuplicateSubjectConflicts(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	if _, err := g.CreateUser(ctx, &model.User{
		Username: "alice", FederatedSubject: "idp|123",
	}); err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}

	_, err := g.CreateUser(ctx, &model.User{
		Username: "bob", FederatedSubject: "idp|123",
	})
	if !model.IsKind(err, model.KindConflict) {
		t.Errorf("error kind = %v, want conflict", model.KindOf(err))
	}
}

// TestGateway_GetUser_MissingIsNotFound は未検出がNotFoundエラーになることを検証する。
func TestGateway_GetUser_MissingIsNotFound(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.GetUser(context.Background(), "missing")
	if !model.IsKind(err, model.KindNotFound) {
		t.Errorf("error kind = %v, want not_found", model.KindOf(err))
	}
}

// TestGateway_UpdateUser_SubjectIsImmutable は設定済みサブジェクトの変更がConflictになることを検証する。
func TestGateway_UpdateUser_SubjectIsImmutable(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	user, err := g.CreateUser(ctx, &model.User{
		Username: "alice", FederatedSubject: "idp|123",
	})
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}

	user.FederatedSubject = "idp|456"
	_, err = g.UpdateUser(ctx, user)
	if !model.IsKind(err, model.KindConflict) {
		t.Errorf("error kind = %v, want conflict", model.KindOf(err))
	}
}

// TestGateway_UpdateUser_UsernameCollisionConflicts はユーザー名変更時の一意性を検証する。
func TestGateway_UpdateUser_UsernameCollisionConflicts(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	mustCreateUser(t, g, "alice")
	bob := mustCreateUser(t, g, "bob")

	bob.Username = "alice"
	_, err := g.UpdateUser(ctx, bob)
	if !model.IsKind(err, model.KindConflict) {
		t.Errorf("error kind = %v, want conflict", model.KindOf(err))
	}
}

// TestGateway_AttachFederatedSubject は付与・冪等再付与・競合の各パスを検証する。
func TestGateway_AttachFederatedSubject(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	alice := mustCreateUser(t, g, "alice")
	bob := mustCreateUser(t, g, "bob")

	linked, err := g.AttachFederatedSubject(ctx, alice.ID, "idp|123")
	if err != nil {
		t.Fatalf("AttachFederatedSubject returned error: %v", err)
	}
	if linked.FederatedSubject != "idp|123" {
		t.Errorf("FederatedSubject = %q, want idp|123", linked.FederatedSubject)
	}

	// 同一サブジェクトの再付与は冪等に成功する
	if _, err := g.AttachFederatedSubject(ctx, alice.ID, "idp|123"); err != nil {
		t.Errorf("idempotent re-attach returned error: %v", err)
	}

	// 別のサブジェクトへの上書きはConflict
	if _, err := g.AttachFederatedSubject(ctx, alice.ID, "idp|456"); !model.IsKind(err, model.KindConflict) {
		t.Errorf("overwrite error kind = %v, want conflict", model.KindOf(err))
	}

	// 既に他ユーザーに紐付いたサブジェクトはConflict
	if _, err := g.AttachFederatedSubject(ctx, bob.ID, "idp|123"); !model.IsKind(err, model.KindConflict) {
		t.Errorf("cross-link error kind = %v, want conflict", model.KindOf(err))
	}

	// 空のサブジェクトはValidation
	if _, err := g.AttachFederatedSubject(ctx, bob.ID, ""); !model.IsKind(err, model.KindValidation) {
		t.Errorf("empty subject error kind = %v, want validation", model.KindOf(err))
	}
}

// TestGateway_DeleteUser_RemovesCredentialState はユーザー削除が
// セッションとリフレッシュトークンを道連れにすることを検証する。
func TestGateway_DeleteUser_RemovesCredentialState(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	alice := mustCreateUser(t, g, "alice")
	expires := time.Now().Add(24 * time.Hour)
	g.CreateSession(ctx, &model.Session{ID: "s1", UserID: alice.ID, ExpiresAt: expires})
	g.CreateRefreshToken(ctx, &model.RefreshToken{Token: "rt1", UserID: alice.ID, ExpiresAt: expires})

	if err := g.DeleteUser(ctx, alice.ID); err != nil {
		t.Fatalf("DeleteUser returned error: %v", err)
	}

	if s, _ := g.FindSession(ctx, "s1"); s != nil {
		t.Error("session should be deleted with user")
	}
	if rt, _ := g.FindRefreshToken(ctx, "rt1"); rt != nil {
		t.Error("refresh token should be deleted with user")
	}
}

// TestGateway_CreateProject_RequiresExistingOwner は所有者参照の検証を確認する。
func TestGateway_CreateProject_RequiresExistingOwner(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.CreateProject(context.Background(), &model.Project{
		Name: "deck", OwnerID: "missing",
	})
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("error kind = %v, want validation", model.KindOf(err))
	}
}

// TestGateway_DeleteProject_Cascades はメンバーシップとタスクの連鎖削除を検証する。
func TestGateway_DeleteProject_Cascades(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	alice := mustCreateUser(t, g, "alice")
	project := mustCreateProject(t, g, "deck", alice.ID)
	g.AddMember(ctx, &model.ProjectMembership{ProjectID: project.ID, UserID: alice.ID})
	task, err := g.CreateTask(ctx, &model.Task{
		Name: "task", ProjectID: project.ID, CreatorID: alice.ID,
	})
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	if err := g.DeleteProject(ctx, project.ID); err != nil {
		t.Fatalf("DeleteProject returned error: %v", err)
	}

	if _, err := g.GetProject(ctx, project.ID); !model.IsKind(err, model.KindNotFound) {
		t.Error("project should be gone")
	}
	if _, err := g.GetTask(ctx, task.ID); !model.IsKind(err, model.KindNotFound) {
		t.Error("project task should be gone")
	}
	if members, _ := g.ListMembers(ctx, project.ID); len(members) != 0 {
		t.Errorf("memberships should be gone, got %d", len(members))
	}

	// 2回目の削除はNotFound
	if err := g.DeleteProject(ctx, project.ID); !model.IsKind(err, model.KindNotFound) {
		t.Errorf("second delete error kind = %v, want not_found", model.KindOf(err))
	}
}

// TestGateway_DeleteProject_SweepsOrphans は本体が既に無い場合でも
// 残骸のメンバーシップとタスクを回収することを検証する。
func TestGateway_DeleteProject_SweepsOrphans(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	g := New(store, activity.NewRecorder(store, 100, nil), nil, nil)

	// バックエンド直書きで途中失敗したカスケードの残骸を再現する
	store.AddMember(ctx, &model.ProjectMembership{ProjectID: "ghost", UserID: "u1"})
	store.CreateTask(ctx, &model.Task{ID: "t1", Name: "orphan", ProjectID: "ghost"})

	err = g.DeleteProject(ctx, "ghost")
	if !model.IsKind(err, model.KindNotFound) {
		t.Fatalf("error kind = %v, want not_found", model.KindOf(err))
	}

	if members, _ := store.ListMembers(ctx, "ghost"); len(members) != 0 {
		t.Errorf("orphan memberships should be swept, got %d", len(members))
	}
	if tasks, _ := store.ListTasksByProject(ctx, "ghost"); len(tasks) != 0 {
		t.Errorf("orphan tasks should be swept, got %d", len(tasks))
	}
}

// TestGateway_AddMember はロール既定値と重複追加のConflictを検証する。
func TestGateway_AddMember(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	alice := mustCreateUser(t, g, "alice")
	project := mustCreateProject(t, g, "deck", alice.ID)

	m, err := g.AddMember(ctx, &model.ProjectMembership{
		ProjectID: project.ID, UserID: alice.ID,
	})
	if err != nil {
		t.Fatalf("AddMember returned error: %v", err)
	}
	if m.Role != model.RoleMember {
		t.Errorf("Role = %q, want default member", m.Role)
	}
	if m.AddedAt.IsZero() {
		t.Error("AddedAt should be set")
	}

	_, err = g.AddMember(ctx, &model.ProjectMembership{
		ProjectID: project.ID, UserID: alice.ID,
	})
	if !model.IsKind(err, model.KindConflict) {
		t.Errorf("duplicate add error kind = %v, want conflict", model.KindOf(err))
	}
}

// TestGateway_AddMember_MissingRefsFail は実在しない参照がValidationになることを検証する。
func TestGateway_AddMember_MissingRefsFail(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)
	alice := mustCreateUser(t, g, "alice")
	project := mustCreateProject(t, g, "deck", alice.ID)

	if _, err := g.AddMember(ctx, &model.ProjectMembership{
		ProjectID: "missing", UserID: alice.ID,
	}); !model.IsKind(err, model.KindValidation) {
		t.Errorf("missing project error kind = %v, want validation", model.KindOf(err))
	}
	if _, err := g.AddMember(ctx, &model.ProjectMembership{
		ProjectID: project.ID, UserID: "missing",
	}); !model.IsKind(err, model.KindValidation) {
		t.Errorf("missing user error kind = %v, want validation", model.KindOf(err))
	}
}

// TestGateway_RemoveMember_MissingIsNotFound は未所属メンバーの削除を検証する。
func TestGateway_RemoveMember_MissingIsNotFound(t *testing.T) {
	g := newTestGateway(t)

	err := g.RemoveMember(context.Background(), "p1", "u1")
	if !model.IsKind(err, model.KindNotFound) {
		t.Errorf("error kind = %v, want not_found", model.KindOf(err))
	}
}

// TestGateway_CreateTask_ValidatesReferences は外部参照の事前検証を確認する。
func TestGateway_CreateTask_ValidatesReferences(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)
	alice := mustCreateUser(t, g, "alice")
	project := mustCreateProject(t, g, "deck", alice.ID)

	cases := []struct {
		name string
		task *model.Task
	}{
		{"missing project", &model.Task{Name: "t", ProjectID: "missing", CreatorID: alice.ID}},
		{"missing creator", &model.Task{Name: "t", ProjectID: project.ID, CreatorID: "missing"}},
		{"missing assignee", &model.Task{Name: "t", ProjectID: project.ID, CreatorID: alice.ID, AssigneeID: "missing"}},
		{"empty name", &model.Task{ProjectID: project.ID, CreatorID: alice.ID}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.CreateTask(ctx, tc.task)
			if !model.IsKind(err, model.KindValidation) {
				t.Errorf("error kind = %v, want validation", model.KindOf(err))
			}
		})
	}

	// 失敗時には何も保存されない
	tasks, _ := g.ListTasks(ctx)
	if len(tasks) != 0 {
		t.Errorf("no task should be stored after failed validation, got %d", len(tasks))
	}
}

// TestGateway_CreateTask_AppliesDefaults はステータスと優先度の既定値を検証する。
func TestGateway_CreateTask_AppliesDefaults(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)
	alice := mustCreateUser(t, g, "alice")
	project := mustCreateProject(t, g, "deck", alice.ID)

	task, err := g.CreateTask(ctx, &model.Task{
		Name: "task", ProjectID: project.ID, CreatorID: alice.ID,
	})
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}
	if task.Status != model.TaskStatusTodo {
		t.Errorf("Status = %q, want todo", task.Status)
	}
	if task.Priority != model.TaskPriorityNormal {
		t.Errorf("Priority = %q, want normal", task.Priority)
	}
}

// TestGateway_UpdateTask_DoneSetsCompletedAt は完了遷移時のタイムスタンプ補完を検証する。
func TestGateway_UpdateTask_DoneSetsCompletedAt(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)
	alice := mustCreateUser(t, g, "alice")
	project := mustCreateProject(t, g, "deck", alice.ID)

	task, err := g.CreateTask(ctx, &model.Task{
		Name: "task", ProjectID: project.ID, CreatorID: alice.ID,
	})
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	task.Status = model.TaskStatusDone
	updated, err := g.UpdateTask(ctx, task)
	if err != nil {
		t.Fatalf("UpdateTask returned error: %v", err)
	}
	if updated.CompletedAt == nil {
		t.Error("CompletedAt should be set on transition to done")
	}
}

// TestGateway_MutationsRecordActivity はミューテーションが監査レコードを残し、
// 実行主体がコンテキストのPrincipalから取られることを検証する。
func TestGateway_MutationsRecordActivity(t *testing.T) {
	g := newTestGateway(t)

	ctx := auth.ContextWithPrincipal(context.Background(), &auth.Principal{UserID: "actor-1"})
	alice := mustCreateUserCtx(t, g, ctx, "alice")
	mustCreateProjectCtx(t, g, ctx, "deck", alice.ID)

	records, err := g.RecentActivity(ctx, 10)
	if err != nil {
		t.Fatalf("RecentActivity returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	// 新しい順なのでプロジェクト作成が先頭
	if records[0].Action != "project.created" || records[1].Action != "user.created" {
		t.Errorf("actions = [%s %s], want [project.created user.created]",
			records[0].Action, records[1].Action)
	}
	if records[0].ActorID != "actor-1" {
		t.Errorf("ActorID = %q, want actor-1", records[0].ActorID)
	}
}

func mustCreateUserCtx(t *testing.T, g *Gateway, ctx context.Context, username string) *model.User {
	t.Helper()
	user, err := g.CreateUser(ctx, &model.User{Username: username})
	if err != nil {
		t.Fatalf("CreateUser(%s) returned error: %v", username, err)
	}
	return user
}

func mustCreateProjectCtx(t *testing.T, g *Gateway, ctx context.Context, name, ownerID string) *model.Project {
	t.Helper()
	project, err := g.CreateProject(ctx, &model.Project{Name: name, OwnerID: ownerID})
	if err != nil {
		t.Fatalf("CreateProject(%s) returned error: %v", name, err)
	}
	return project
}

// TestGateway_SanitizesUserInputFields はユーザー入力フィールドから
// HTMLマークアップが除去されて保存されることを検証する。
func TestGateway_SanitizesUserInputFields(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	owner := mustCreateUser(t, g, "alice")

	project, err := g.CreateProject(ctx, &model.Project{
		Name:        "<b>Launch</b> plan",
		Description: "roadmap<script>alert(1)</script>",
		OwnerID:     owner.ID,
	})
	if err != nil {
		t.Fatalf("CreateProject returned error: %v", err)
	}
	if project.Name != "Launch plan" {
		t.Errorf("project.Name = %q, want %q", project.Name, "Launch plan")
	}
	if project.Description != "roadmap" {
		t.Errorf("project.Description = %q, want %q", project.Description, "roadmap")
	}

	task, err := g.CreateTask(ctx, &model.Task{
		Name:      `<img src=x onerror=alert(1)>ship it`,
		ProjectID: project.ID,
		CreatorID: owner.ID,
	})
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}
	if task.Name != "ship it" {
		t.Errorf("task.Name = %q, want %q", task.Name, "ship it")
	}

	// タグのみの名前はサニタイズ後に空になりバリデーションで弾かれる
	_, err = g.CreateTask(ctx, &model.Task{
		Name:      "<div></div>",
		ProjectID: project.ID,
		CreatorID: owner.ID,
	})
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("error kind = %v, want validation", model.KindOf(err))
	}
}

// slowSubjectBackend はサブジェクト検索の直後に遅延を挟み、
// 一意性チェックと書き込みの間に競合が割り込める時間を作る。
type slowSubjectBackend struct {
	storage.Backend
}

func (b *slowSubjectBackend) FindUserBySubject(ctx context.Context, subject string) (*model.User, error) {
	user, err := b.Backend.FindUserBySubject(ctx, subject)
	time.Sleep(5 * time.Millisecond)
	return user, err
}

// TestGateway_CreateUser_ConcurrentSameSubjectCreatesExactlyOne は同一の
// 未登録サブジェクトに対する並行ユーザー作成がちょうど1ユーザーに
// 収束することを検証する。
func TestGateway_CreateUser_ConcurrentSameSubjectCreatesExactlyOne(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	backend := &slowSubjectBackend{Backend: store}
	g := New(backend, activity.NewRecorder(store, 100, nil), nil, nil)

	const workers = 4
	var wg sync.WaitGroup
	var created atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.CreateUser(ctx, &model.User{
				Username:         fmt.Sprintf("racer-%d", i),
				FederatedSubject: "idp|race-1",
			})
			switch {
			case err == nil:
				created.Add(1)
			case !model.IsKind(err, model.KindConflict):
				t.Errorf("unexpected error kind = %v, want conflict", model.KindOf(err))
			}
		}(i)
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Errorf("successful creations = %d, want exactly 1", created.Load())
	}

	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers returned error: %v", err)
	}
	count := 0
	for _, u := range users {
		if u.FederatedSubject == "idp|race-1" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("users with subject = %d, want exactly 1", count)
	}
}

// TestGateway_AttachFederatedSubject_ConcurrentAttachLinksExactlyOne は
// 同一サブジェクトの並行付与がちょうど1ユーザーへのリンクに
// 収束することを検証する。
func TestGateway_AttachFederatedSubject_ConcurrentAttachLinksExactlyOne(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	backend := &slowSubjectBackend{Backend: store}
	g := New(backend, activity.NewRecorder(store, 100, nil), nil, nil)

	const workers = 4
	ids := make([]string, workers)
	for i := range ids {
		user, err := g.CreateUser(ctx, &model.User{Username: fmt.Sprintf("member-%d", i)})
		if err != nil {
			t.Fatalf("CreateUser returned error: %v", err)
		}
		ids[i] = user.ID
	}

	var wg sync.WaitGroup
	var linked atomic.Int32
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := g.AttachFederatedSubject(ctx, id, "idp|race-2")
			switch {
			case err == nil:
				linked.Add(1)
			case !model.IsKind(err, model.KindConflict):
				t.Errorf("unexpected error kind = %v, want conflict", model.KindOf(err))
			}
		}(id)
	}
	wg.Wait()

	if linked.Load() != 1 {
		t.Errorf("successful links = %d, want exactly 1", linked.Load())
	}

	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers returned error: %v", err)
	}
	count := 0
	for _, u := range users {
		if u.FederatedSubject == "idp|race-2" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("users with subject = %d, want exactly 1", count)
	}
}

// TestGateway_UpdateUser_EmptyUsernameFails は更新でもユーザー名が
// 必須であることを検証する。
func TestGateway_UpdateUser_EmptyUsernameFails(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	alice := mustCreateUser(t, g, "alice")
	alice.Username = ""
	_, err := g.UpdateUser(ctx, alice)
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("error kind = %v, want validation", model.KindOf(err))
	}
}
