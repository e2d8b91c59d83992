package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/taskdeck/internal/model"
)

// --- モック ---

type mockUserDirectory struct {
	findBySubjectFn func(ctx context.Context, subject string) (*model.User, error)
	findByEmailFn   func(ctx context.Context, email string) (*model.User, error)
	attachFn        func(ctx context.Context, userID, subject string) (*model.User, error)
}

func (m *mockUserDirectory) FindUserBySubject(ctx context.Context, subject string) (*model.User, error) {
	if m.findBySubjectFn == nil {
		return nil, nil
	}
	return m.findBySubjectFn(ctx, subject)
}

func (m *mockUserDirectory) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn == nil {
		return nil, nil
	}
	return m.findByEmailFn(ctx, email)
}

func (m *mockUserDirectory) AttachFederatedSubject(ctx context.Context, userID, subject string) (*model.User, error) {
	if m.attachFn == nil {
		return nil, errors.New("unexpected AttachFederatedSubject call")
	}
	return m.attachFn(ctx, userID, subject)
}

var _ UserDirectory = (*mockUserDirectory)(nil)

// TestLinkingPolicy_SubjectMatchReturnsUser はサブジェクト一致で
// 既存ユーザーがそのまま返ることを検証する。
func TestLinkingPolicy_SubjectMatchReturnsUser(t *testing.T) {
	attached := false
	dir := &mockUserDirectory{
		findBySubjectFn: func(_ context.Context, subject string) (*model.User, error) {
			return &model.User{ID: "u1", FederatedSubject: subject}, nil
		},
		attachFn: func(_ context.Context, _, _ string) (*model.User, error) {
			attached = true
			return nil, nil
		},
	}
	p := NewLinkingPolicy(dir)

	user, err := p.ResolveOrLink(context.Background(), "idp|1", "a@example.com", "Alice")
	if err != nil {
		t.Fatalf("ResolveOrLink returned error: %v", err)
	}
	if user.ID != "u1" {
		t.Errorf("user.ID = %q, want u1", user.ID)
	}
	if attached {
		t.Error("subject match must not trigger a link")
	}
}

// TestLinkingPolicy_EmailMatchLinksSubject はメール一致かつサブジェクト未設定の
// ユーザーにサブジェクトが付与されることを検証する。
func TestLinkingPolicy_EmailMatchLinksSubject(t *testing.T) {
	var gotUserID, gotSubject string
	dir := &mockUserDirectory{
		findByEmailFn: func(_ context.Context, email string) (*model.User, error) {
			return &model.User{ID: "u1", Email: email}, nil
		},
		attachFn: func(_ context.Context, userID, subject string) (*model.User, error) {
			gotUserID, gotSubject = userID, subject
			return &model.User{ID: userID, FederatedSubject: subject}, nil
		},
	}
	p := NewLinkingPolicy(dir)

	user, err := p.ResolveOrLink(context.Background(), "idp|1", "a@example.com", "Alice")
	if err != nil {
		t.Fatalf("ResolveOrLink returned error: %v", err)
	}
	if gotUserID != "u1" || gotSubject != "idp|1" {
		t.Errorf("attach called with (%q, %q), want (u1, idp|1)", gotUserID, gotSubject)
	}
	if user.FederatedSubject != "idp|1" {
		t.Errorf("FederatedSubject = %q, want idp|1", user.FederatedSubject)
	}
}

// TestLinkingPolicy_EmailMatchWithSubjectIsPending はメール一致でも既に別の
// サブジェクトを持つユーザーにはリンクしないことを検証する。
func TestLinkingPolicy_EmailMatchWithSubjectIsPending(t *testing.T) {
	dir := &mockUserDirectory{
		findByEmailFn: func(_ context.Context, email string) (*model.User, error) {
			return &model.User{ID: "u1", Email: email, FederatedSubject: "idp|other"}, nil
		},
	}
	p := NewLinkingPolicy(dir)

	_, err := p.ResolveOrLink(context.Background(), "idp|1", "a@example.com", "Alice")
	var pending *NewIdentityPendingError
	if !errors.As(err, &pending) {
		t.Fatalf("err = %v, want NewIdentityPendingError", err)
	}
}

// TestLinkingPolicy_NoMatchIsPending は対応ユーザー不在が
// NewIdentityPendingErrorになることを検証する。
func TestLinkingPolicy_NoMatchIsPending(t *testing.T) {
	p := NewLinkingPolicy(&mockUserDirectory{})

	_, err := p.ResolveOrLink(context.Background(), "idp|1", "a@example.com", "Alice")
	var pending *NewIdentityPendingError
	if !errors.As(err, &pending) {
		t.Fatalf("err = %v, want NewIdentityPendingError", err)
	}
	if pending.Subject != "idp|1" || pending.Email != "a@example.com" || pending.DisplayName != "Alice" {
		t.Errorf("pending = %+v", pending)
	}
}

// TestLinkingPolicy_EmptySubjectFails は空サブジェクトがValidationになることを検証する。
func TestLinkingPolicy_EmptySubjectFails(t *testing.T) {
	p := NewLinkingPolicy(&mockUserDirectory{})

	_, err := p.ResolveOrLink(context.Background(), "", "a@example.com", "Alice")
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("error kind = %v, want validation", model.KindOf(err))
	}
}

// TestLinkingPolicy_SerializesSameSubject は同一サブジェクトの同時解決が
// 直列化されることを検証する。
func TestLinkingPolicy_SerializesSameSubject(t *testing.T) {
	var inFlight atomic.Int32
	var overlapped atomic.Bool

	dir := &mockUserDirectory{
		findBySubjectFn: func(_ context.Context, subject string) (*model.User, error) {
			if inFlight.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return &model.User{ID: "u1", FederatedSubject: subject}, nil
		},
	}
	p := NewLinkingPolicy(dir)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.ResolveOrLink(context.Background(), "idp|1", "", ""); err != nil {
				t.Errorf("ResolveOrLink returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	if overlapped.Load() {
		t.Error("resolutions for the same subject must not overlap")
	}
}
