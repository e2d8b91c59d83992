package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/taskdeck/internal/keylock"
	"github.com/hitoshi/taskdeck/internal/model"
)

// NewIdentityPendingError は検証済みのフェデレーテッドアイデンティティに
// 対応するユーザーがまだ存在しないことを示す。
// 呼び出し元（外部のプロフィール補完ステップ）はこの情報からユーザーを
// 作成し、次回ログイン時にサブジェクト一致で解決される。
type NewIdentityPendingError struct {
	Subject     string
	Email       string
	DisplayName string
}

// Error はerrorインターフェースを実装する。
func (e *NewIdentityPendingError) Error() string {
	return fmt.Sprintf("no user exists for federated subject (email=%s)", e.Email)
}

// UserDirectory はアカウントリンクに必要なユーザー操作のインターフェース。
// gateway.Gatewayの部分集合として定義する。
type UserDirectory interface {
	// FindUserBySubject はサブジェクト一致のユーザーを返す。未検出はnil。
	FindUserBySubject(ctx context.Context, subject string) (*model.User, error)
	// FindUserByEmail はメールアドレス（大文字小文字無視）一致のユーザーを返す。未検出はnil。
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
	// AttachFederatedSubject は既存ユーザーにサブジェクトを付与する。
	AttachFederatedSubject(ctx context.Context, userID, subject string) (*model.User, error)
}

// LinkingPolicy は検証済みフェデレーテッドアイデンティティを内部ユーザーに
// 対応付ける方針を実装する。判定は次の順で行う:
//
//  1. サブジェクト完全一致のユーザーが既に居る → そのユーザー（再ログイン、変更なし）
//  2. メールアドレスが一致し、かつサブジェクト未設定のユーザーが居る →
//     サブジェクトを付与して返す（リンクイベント。資格情報ハッシュには触れない）
//  3. どちらも居ない → NewIdentityPendingError
//
// メール照合は大文字小文字を無視した完全一致のみで、推測的な照合は行わない。
type LinkingPolicy struct {
	dir   UserDirectory
	locks *keylock.KeyedMutex
}

// NewLinkingPolicy はLinkingPolicyを生成する。
func NewLinkingPolicy(dir UserDirectory) *LinkingPolicy {
	return &LinkingPolicy{
		dir:   dir,
		locks: keylock.New(),
	}
}

// ResolveOrLink はフェデレーテッドアイデンティティを内部ユーザーに解決する。
// 同一サブジェクトに対する呼び出しはキー付きミューテックスで直列化され、
// 同時に届いた初回ログインが重複ユーザーやリンクの競合を生むことはない。
func (p *LinkingPolicy) ResolveOrLink(ctx context.Context, subject, email, displayName string) (*model.User, error) {
	if subject == "" {
		return nil, model.NewValidationError("federated subject is required")
	}

	p.locks.Lock(subject)
	defer p.locks.Unlock(subject)

	// 1. サブジェクト完全一致（再ログイン）
	user, err := p.dir.FindUserBySubject(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by subject: %w", err)
	}
	if user != nil {
		return user, nil
	}

	// 2. メール一致かつサブジェクト未設定ならリンク
	if email != "" {
		candidate, err := p.dir.FindUserByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("failed to find user by email: %w", err)
		}
		if candidate != nil && !candidate.HasFederatedSubject() {
			linked, err := p.dir.AttachFederatedSubject(ctx, candidate.ID, subject)
			if err != nil {
				return nil, fmt.Errorf("failed to link federated subject: %w", err)
			}
			slog.Info("federated subject linked to existing user",
				slog.String("user_id", linked.ID),
				slog.String("email", email),
			)
			return linked, nil
		}
	}

	// 3. 対応するユーザーが存在しない
	return nil, &NewIdentityPendingError{
		Subject:     subject,
		Email:       email,
		DisplayName: displayName,
	}
}
