package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/memberhub/internal/auth"
	"github.com/nao1215/memberhub/internal/config"
	"github.com/nao1215/memberhub/internal/hub"
	"github.com/nao1215/memberhub/pkg/event"
	"github.com/nao1215/memberhub/pkg/middleware"
	"github.com/redis/go-redis/v9"
)

const (
	// defaultTitle は通知タイトルが省略されたときの既定値。
	defaultTitle = "การแจ้งเตือน"
	// defaultNotificationType は通知種別が省略されたときの既定値。
	defaultNotificationType = "info"
)

// Server はリレーサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサーバーの設定。
	cfg *config.Config
	// relay は通知とトランザクション更新の配信口。
	relay *Relay
	// hub はWebSocket接続とルームを管理する。
	hub *hub.Hub
	// auth はウォレット署名ログインを扱う。
	auth *auth.Service
	// redis は複数プロセス構成のときだけ設定される。
	redis *redis.Client
	// stopBridge はRedisの購読を止める。
	stopBridge context.CancelFunc
}

// NewServer は新しいリレーサーバーを生成する。
// Redis URLが設定されている場合は他プロセスとの配信共有を開始する。
func NewServer(cfg *config.Config) (*Server, error) {
	policy, err := hub.PolicyByName(cfg.RoomAuth)
	if err != nil {
		return nil, err
	}
	if _, open := policy.(hub.OpenPolicy); open {
		log.Println("[Relay] ルーム認可モードがopenです。どのクライアントも任意のルームを購読できます")
	}

	h := hub.New(
		hub.WithPolicy(policy),
		hub.WithAuthenticator(hub.AuthenticatorFor(policy, cfg.JWTSecret)),
		hub.WithAllowedOrigins(cfg.AllowedOrigins),
	)

	s := &Server{
		cfg:  cfg,
		hub:  h,
		auth: auth.NewService(cfg.Auth.Domain, cfg.Auth.URI, cfg.JWTSecret, cfg.Auth.AdminAddresses),
	}

	var channel Channel = h
	if cfg.Redis.URL != "" {
		bridge, err := s.connectRedis(h)
		if err != nil {
			h.Shutdown()
			return nil, err
		}
		channel = bridge
	}
	s.relay = New(channel)

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	s.router = router
	s.setupRoutes()

	return s, nil
}

// connectRedis はRedisに接続し、配信共有の購読を開始する。
func (s *Server) connectRedis(h *hub.Hub) (*hub.RedisBridge, error) {
	opts, err := redis.ParseURL(s.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("Redis URLの解析に失敗: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithCancel(context.Background())
	bridge := hub.NewRedisBridge(client, h, s.cfg.Redis.Channel)
	if err := bridge.Subscribe(ctx); err != nil {
		cancel()
		_ = client.Close()
		return nil, err
	}

	s.redis = client
	s.stopBridge = cancel
	return bridge, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.cfg.Port))
}

// Close はWebSocket接続とRedis接続を閉じる。
func (s *Server) Close() error {
	s.hub.Shutdown()
	if s.stopBridge != nil {
		s.stopBridge()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			return fmt.Errorf("Redis接続のクローズに失敗: %w", err)
		}
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		// フロントエンド向けのコントラクト情報
		api.GET("/contract-config", s.handleContractConfig())
		// 保留中トランザクション（再接続時の照会用）
		// tokenモードでは本人か管理者のトークンを要求する
		if s.cfg.RoomAuth == "token" {
			api.GET("/pending-tx/:address", middleware.JWTAuth(s.cfg.JWTSecret), requireOwner(), s.handlePendingTransactions())
		} else {
			api.GET("/pending-tx/:address", s.handlePendingTransactions())
		}
		api.GET("/health", s.handleHealth())

		authGroup := api.Group("/auth")
		{
			authGroup.GET("/nonce/:address", s.handleNonce())
			authGroup.POST("/login", s.handleLogin())
		}

		// 通知の注入（Webhookやバッチから呼び出される）
		inject := api.Group("")
		inject.Use(middleware.APIKey(s.cfg.APIKey))
		{
			inject.POST("/notify/user/:address", s.handleNotifyUser())
			inject.POST("/notify/all", s.handleNotifyAll())
			inject.POST("/notify/admin", s.handleNotifyAdmin())
			inject.POST("/tx-update/:address", s.handleTransactionUpdate())
		}

		me := api.Group("/me")
		me.Use(middleware.JWTAuth(s.cfg.JWTSecret))
		{
			me.GET("/pending-tx", s.handleMyPendingTransactions())
		}

		admin := api.Group("/admin")
		admin.Use(middleware.JWTAuth(s.cfg.JWTSecret), middleware.RequireAdmin())
		{
			admin.GET("/stats", s.handleStats())
		}
	}

	// WebSocketの接続口
	s.router.GET("/ws", gin.WrapH(s.hub))
}

// requireOwner はパスのアドレスがトークンのアドレスと一致しないリクエストを拒否する。
// 管理者トークンはどのアドレスも参照できる。
func requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		if middleware.IsAdmin(c) || event.NormalizeAddress(c.Param("address")) == event.NormalizeAddress(middleware.GetAddress(c)) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "error": "他のウォレットの情報は参照できません"})
	}
}

// notifyRequest は通知注入APIのリクエストボディ。
type notifyRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// toNotification は省略された項目を既定値で埋めた通知を返す。
func (r notifyRequest) toNotification() Notification {
	n := Notification{Title: r.Title, Message: r.Message, Type: r.Type}
	if n.Title == "" {
		n.Title = defaultTitle
	}
	if n.Type == "" {
		n.Type = defaultNotificationType
	}
	return n
}

// txUpdateRequest はトランザクション更新APIのリクエストボディ。
type txUpdateRequest struct {
	TxType  string `json:"txType"`
	TxHash  string `json:"txHash"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// loginRequest はログインAPIのリクエストボディ。
type loginRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// bindBody はJSONボディを読み込む。ボディが空の場合はゼロ値のままにする。
func bindBody(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return false
	}
	return true
}

// respondDispatchError は配信エラーをHTTPステータスに変換して返す。
func respondDispatchError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotInitialized) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": err.Error()})
		return
	}
	log.Printf("[Relay] 配信に失敗: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
}

// handleNotifyUser は指定ユーザーへ通知を送るハンドラ。
func (s *Server) handleNotifyUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := strings.TrimSpace(c.Param("address"))

		var req notifyRequest
		if !bindBody(c, &req) {
			return
		}
		if address == "" || req.Message == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Address and message are required"})
			return
		}

		if err := s.relay.SendUserNotification(req.toNotification(), address); err != nil {
			respondDispatchError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("Notification sent to %s", address)})
	}
}

// handleNotifyAll は全ユーザーへ通知を送るハンドラ。
func (s *Server) handleNotifyAll() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req notifyRequest
		if !bindBody(c, &req) {
			return
		}
		if req.Message == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Message is required"})
			return
		}

		if err := s.relay.BroadcastNotification(req.toNotification()); err != nil {
			respondDispatchError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Notification broadcast to all users"})
	}
}

// handleNotifyAdmin は管理者ルームへ通知を送るハンドラ。
func (s *Server) handleNotifyAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req notifyRequest
		if !bindBody(c, &req) {
			return
		}
		if req.Message == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Message is required"})
			return
		}

		if err := s.relay.SendAdminNotification(req.toNotification()); err != nil {
			respondDispatchError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Notification sent to admins"})
	}
}

// handleTransactionUpdate はトランザクション更新を送るハンドラ。
// status が success なら complete、failed なら error、それ以外は prepare として扱う。
func (s *Server) handleTransactionUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := strings.TrimSpace(c.Param("address"))

		var req txUpdateRequest
		if !bindBody(c, &req) {
			return
		}
		if address == "" || req.TxType == "" || req.Status == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Address, txType, and status are required"})
			return
		}

		message := req.Message
		if message == "" {
			message = fmt.Sprintf("Transaction %s", req.Status)
		}
		update := TransactionUpdate{
			Type:    KindFromStatus(req.Status),
			TxType:  req.TxType,
			TxHash:  req.TxHash,
			Status:  req.Status,
			Message: message,
		}

		if err := s.relay.SendTransactionUpdate(update, address); err != nil {
			respondDispatchError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("Transaction update sent to %s", address)})
	}
}

// handlePendingTransactions は指定ユーザーの保留中トランザクションを返すハンドラ。
func (s *Server) handlePendingTransactions() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"success":             true,
			"pendingTransactions": s.relay.PendingTransactions(c.Param("address")),
		})
	}
}

// handleMyPendingTransactions はログイン中のウォレットの保留中トランザクションを返すハンドラ。
func (s *Server) handleMyPendingTransactions() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := middleware.GetAddress(c)
		c.JSON(http.StatusOK, gin.H{
			"success":             true,
			"address":             address,
			"pendingTransactions": s.relay.PendingTransactions(address),
		})
	}
}

// handleContractConfig はフロントエンドが使うコントラクト情報を返すハンドラ。
func (s *Server) handleContractConfig() gin.HandlerFunc {
	return func(c *gin.Context) {
		contract := s.cfg.Contract
		c.JSON(http.StatusOK, gin.H{
			"contractAddress": contract.Address,
			"usdtAddress":     contract.USDTAddress,
			"networkId":       contract.NetworkID,
			"networkName":     config.NetworkName(contract.NetworkID),
			"explorerUrl":     config.ExplorerURL(contract.NetworkID),
			"planNames":       contract.PlanNames,
		})
	}
}

// handleNonce は署名用のSIWEメッセージを発行するハンドラ。
func (s *Server) handleNonce() gin.HandlerFunc {
	return func(c *gin.Context) {
		message, err := s.auth.Challenge(c.Param("address"))
		if err != nil {
			if errors.Is(err, auth.ErrInvalidAddress) {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
				return
			}
			if errors.Is(err, auth.ErrTooManyNonces) {
				c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": err.Error()})
				return
			}
			log.Printf("[Relay] SIWEメッセージの発行に失敗: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "メッセージの発行に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": message})
	}
}

// handleLogin は署名済みメッセージを検証してJWTを発行するハンドラ。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
			return
		}

		session, err := s.auth.Login(req.Message, req.Signature)
		switch {
		case errors.Is(err, auth.ErrMissingMessage), errors.Is(err, auth.ErrMissingSignature):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		case err != nil:
			log.Printf("[Relay] ログインを拒否しました: %v", err)
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "署名を検証できませんでした"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"token":   session.Token,
			"address": session.Address,
			"admin":   session.Admin,
		})
	}
}

// handleHealth はヘルスチェックのハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"timestamp":   time.Now().UnixMilli(),
			"connections": s.hub.ConnectionCount(),
			"pending":     s.relay.PendingCount(),
		})
	}
}

// handleStats は管理者向けの稼働状況を返すハンドラ。
func (s *Server) handleStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"connections": s.hub.ConnectionCount(),
			"pending":     s.relay.PendingCount(),
			"nonces":      s.auth.PendingNonces(),
			"redis":       s.redis != nil,
		})
	}
}
