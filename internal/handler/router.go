package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/taskdeck/internal/middleware"
)

// Pinger はヘルスチェックが必要とするバックエンド疎通確認のインターフェース。
type Pinger interface {
	Ping(ctx context.Context) error
}

// GatewayInterface はルーターが必要とするゲートウェイ操作の合成インターフェース。
type GatewayInterface interface {
	UserServiceInterface
	ProjectServiceInterface
	TaskServiceInterface
	ActivityServiceInterface
	Pinger
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Resolver          middleware.IdentityResolver
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	HTTPMetrics       middleware.HTTPMetrics

	// 認証
	AuthService AuthServiceInterface
	Claimer     TokenClaimer
	AuthConfig  AuthHandlerConfig

	// ゲートウェイ
	Gateway GatewayInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Principal → RateLimit(General)
//
// 認証ルート（/auth/*）とヘルスチェックは主体解決の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.HTTPMetrics))

	authHandler := NewAuthHandler(deps.AuthService, deps.Claimer, deps.Gateway, deps.AuthConfig)
	userHandler := NewUserHandler(deps.Gateway)
	projectHandler := NewProjectHandler(deps.Gateway)
	taskHandler := NewTaskHandler(deps.Gateway)
	activityHandler := NewActivityHandler(deps.Gateway)

	// --- 認証不要のルート ---

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Gateway.Ping(r.Context()); err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/refresh", authHandler.Refresh)
		r.Post("/logout", authHandler.Logout)
		r.Post("/complete", authHandler.CompleteProfile)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Principal → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewPrincipalMiddleware(deps.Resolver))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/auth/me", authHandler.Me)

		mutation := deps.RateLimiter.MutationMiddleware()

		// ユーザー管理
		r.Route("/api/users", func(r chi.Router) {
			r.Get("/", userHandler.ListUsers)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", userHandler.GetUser)
				r.With(mutation).Patch("/", userHandler.UpdateUser)
				r.With(mutation).Delete("/", userHandler.DeleteUser)
			})
		})

		// プロジェクト管理
		r.Route("/api/projects", func(r chi.Router) {
			r.Get("/", projectHandler.ListProjects)
			r.With(mutation).Post("/", projectHandler.CreateProject)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", projectHandler.GetProject)
				r.With(mutation).Patch("/", projectHandler.UpdateProject)
				r.With(mutation).Delete("/", projectHandler.DeleteProject)

				r.Get("/members", projectHandler.ListMembers)
				r.With(mutation).Post("/members", projectHandler.AddMember)
				r.With(mutation).Delete("/members/{userID}", projectHandler.RemoveMember)
			})
		})

		// タスク管理
		r.Route("/api/tasks", func(r chi.Router) {
			r.Get("/", taskHandler.ListTasks)
			r.With(mutation).Post("/", taskHandler.CreateTask)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", taskHandler.GetTask)
				r.With(mutation).Patch("/", taskHandler.UpdateTask)
				r.With(mutation).Delete("/", taskHandler.DeleteTask)
			})
		})

		// アクティビティログ
		r.Get("/api/activity", activityHandler.RecentActivity)
	})

	return r
}
