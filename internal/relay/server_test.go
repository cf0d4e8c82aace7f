package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/nao1215/memberhub/internal/auth"
	"github.com/nao1215/memberhub/internal/config"
	"github.com/nao1215/memberhub/internal/hub"
	"github.com/nao1215/memberhub/pkg/event"
	"github.com/nao1215/memberhub/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupTestServer はテスト用のリレーサーバーを構築する。
// 配信はrecordingChannelに記録され、WebSocketは使わない。
func setupTestServer(t *testing.T, configure func(*config.Config)) (*Server, *recordingChannel) {
	t.Helper()

	cfg := config.Default()
	cfg.JWTSecret = "test-secret"
	if configure != nil {
		configure(cfg)
	}

	ch := &recordingChannel{}
	h := hub.New()
	t.Cleanup(h.Shutdown)

	s := &Server{
		router: gin.New(),
		cfg:    cfg,
		relay:  New(ch, WithClock(fixedClock(1700000000000))),
		hub:    h,
		auth:   auth.NewService(cfg.Auth.Domain, cfg.Auth.URI, cfg.JWTSecret, cfg.Auth.AdminAddresses),
	}
	s.setupRoutes()
	return s, ch
}

// doRequest はJSONボディ付きのリクエストを送り、レスポンスを返す。
func doRequest(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("リクエストのシリアライズに失敗: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// decodeBody はレスポンスボディをマップに変換する。
func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのデシリアライズに失敗: %v (body=%s)", err, w.Body.String())
	}
	return body
}

func TestHandleNotifyUser(t *testing.T) {
	t.Parallel()

	t.Run("通知を送信できる", func(t *testing.T) {
		t.Parallel()

		s, ch := setupTestServer(t, nil)
		w := doRequest(t, s, http.MethodPost, "/api/notify/user/0xABC", gin.H{"title": "x", "message": "y", "type": "success"}, nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusOK)
		}
		body := decodeBody(t, w)
		if body["success"] != true || body["message"] != "Notification sent to 0xABC" {
			t.Errorf("レスポンスが一致しません: %v", body)
		}

		got := ch.recorded()
		if len(got) != 1 || got[0].room != event.UserRoom("0xABC") {
			t.Fatalf("配信先が一致しません: %+v", got)
		}
		n := got[0].payload.(Notification)
		if n.Title != "x" || n.Type != "success" {
			t.Errorf("通知内容が一致しません: %+v", n)
		}
	})

	t.Run("タイトルと種別は既定値で埋める", func(t *testing.T) {
		t.Parallel()

		s, ch := setupTestServer(t, nil)
		w := doRequest(t, s, http.MethodPost, "/api/notify/user/0xABC", gin.H{"message": "y"}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが一致しません: got=%d", w.Code)
		}

		n := ch.recorded()[0].payload.(Notification)
		if n.Title != "การแจ้งเตือน" || n.Type != "info" {
			t.Errorf("既定値が一致しません: %+v", n)
		}
	})

	t.Run("メッセージが無ければ400", func(t *testing.T) {
		t.Parallel()

		s, ch := setupTestServer(t, nil)
		w := doRequest(t, s, http.MethodPost, "/api/notify/user/0xABC", gin.H{"title": "x"}, nil)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusBadRequest)
		}
		body := decodeBody(t, w)
		if body["success"] != false || body["error"] != "Address and message are required" {
			t.Errorf("エラーレスポンスが一致しません: %v", body)
		}
		if len(ch.recorded()) != 0 {
			t.Error("配信されるべきではない")
		}
	})

	t.Run("不正なJSONは400", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/notify/user/0xABC", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusBadRequest)
		}
	})
}

func TestHandleNotifyAll(t *testing.T) {
	t.Parallel()

	t.Run("全体通知を送信できる", func(t *testing.T) {
		t.Parallel()

		s, ch := setupTestServer(t, nil)
		w := doRequest(t, s, http.MethodPost, "/api/notify/all", gin.H{"message": "maintenance"}, nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが一致しません: got=%d", w.Code)
		}
		if body := decodeBody(t, w); body["message"] != "Notification broadcast to all users" {
			t.Errorf("レスポンスが一致しません: %v", body)
		}
		got := ch.recorded()
		if len(got) != 1 || !got[0].all {
			t.Errorf("全体に配信されていません: %+v", got)
		}
	})

	t.Run("メッセージが無ければ400", func(t *testing.T) {
		t.Parallel()

		s, ch := setupTestServer(t, nil)
		w := doRequest(t, s, http.MethodPost, "/api/notify/all", nil, nil)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("ステータスコードが一致しません: got=%d", w.Code)
		}
		if body := decodeBody(t, w); body["error"] != "Message is required" {
			t.Errorf("エラーレスポンスが一致しません: %v", body)
		}
		if len(ch.recorded()) != 0 {
			t.Error("配信されるべきではない")
		}
	})
}

func TestHandleNotifyAdmin(t *testing.T) {
	t.Parallel()

	s, ch := setupTestServer(t, nil)
	w := doRequest(t, s, http.MethodPost, "/api/notify/admin", gin.H{"title": "監視", "message": "queue is growing", "type": "danger"}, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコードが一致しません: got=%d", w.Code)
	}
	got := ch.recorded()
	if len(got) != 1 || got[0].room != event.AdminRoom || got[0].name != event.NameAdminNotification {
		t.Errorf("管理者ルームに配信されていません: %+v", got)
	}
}

func TestHandleTransactionUpdate(t *testing.T) {
	t.Parallel()

	t.Run("pendingはprepareとして記録され、successで消える", func(t *testing.T) {
		t.Parallel()

		s, ch := setupTestServer(t, nil)
		w := doRequest(t, s, http.MethodPost, "/api/tx-update/0xABC", gin.H{"txType": "register", "status": "pending"}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが一致しません: got=%d", w.Code)
		}
		if body := decodeBody(t, w); body["message"] != "Transaction update sent to 0xABC" {
			t.Errorf("レスポンスが一致しません: %v", body)
		}

		update := ch.recorded()[0].payload.(TransactionUpdate)
		if update.Type != UpdatePrepare || update.Message != "Transaction pending" {
			t.Errorf("更新内容が一致しません: %+v", update)
		}

		w = doRequest(t, s, http.MethodGet, "/api/pending-tx/0xABC", nil, nil)
		body := decodeBody(t, w)
		pending, ok := body["pendingTransactions"].([]any)
		if !ok || len(pending) != 1 {
			t.Fatalf("保留中トランザクションが一致しません: %v", body)
		}
		entry := pending[0].(map[string]any)
		if entry["txType"] != "register" || entry["status"] != "pending" || entry["timestamp"] != float64(1700000000000) {
			t.Errorf("保留中トランザクションが一致しません: %v", entry)
		}

		w = doRequest(t, s, http.MethodPost, "/api/tx-update/0xABC", gin.H{"txType": "register", "status": "success", "txHash": "0x123", "message": "Registered"}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコードが一致しません: got=%d", w.Code)
		}
		complete := ch.recorded()[2].payload.(TransactionUpdate)
		if complete.Type != UpdateComplete || complete.TxHash != "0x123" || complete.Message != "Registered" {
			t.Errorf("更新内容が一致しません: %+v", complete)
		}

		w = doRequest(t, s, http.MethodGet, "/api/pending-tx/0xABC", nil, nil)
		body = decodeBody(t, w)
		if pending := body["pendingTransactions"].([]any); len(pending) != 0 {
			t.Errorf("記録が残っています: %v", pending)
		}
	})

	t.Run("failedはerrorとして扱う", func(t *testing.T) {
		t.Parallel()

		s, ch := setupTestServer(t, nil)
		doRequest(t, s, http.MethodPost, "/api/tx-update/0xABC", gin.H{"txType": "approve", "status": "pending"}, nil)
		doRequest(t, s, http.MethodPost, "/api/tx-update/0xABC", gin.H{"txType": "approve", "status": "failed"}, nil)

		last := ch.recorded()[2].payload.(TransactionUpdate)
		if last.Type != UpdateError {
			t.Errorf("種類が一致しません: got=%s", last.Type)
		}
		if got := s.relay.PendingTransactions("0xABC"); len(got) != 0 {
			t.Errorf("記録が残っています: %+v", got)
		}
	})

	t.Run("必須項目が無ければ400で記録もしない", func(t *testing.T) {
		t.Parallel()

		s, ch := setupTestServer(t, nil)
		bodies := []gin.H{
			{"status": "pending"},
			{"txType": "register"},
			{},
		}
		for _, b := range bodies {
			w := doRequest(t, s, http.MethodPost, "/api/tx-update/0xABC", b, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("ステータスコードが一致しません: body=%v, got=%d", b, w.Code)
				continue
			}
			if body := decodeBody(t, w); body["error"] != "Address, txType, and status are required" {
				t.Errorf("エラーレスポンスが一致しません: %v", body)
			}
		}
		if len(ch.recorded()) != 0 || s.relay.PendingCount() != 0 {
			t.Error("不正なリクエストで状態が変わっています")
		}
	})
}

func TestHandlePendingTransactions_Empty(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, nil)
	w := doRequest(t, s, http.MethodGet, "/api/pending-tx/0xNOBODY", nil, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコードが一致しません: got=%d", w.Code)
	}
	// nullではなく空配列で返す
	if !strings.Contains(w.Body.String(), `"pendingTransactions":[]`) {
		t.Errorf("空配列で返すべき: %s", w.Body.String())
	}
}

func TestDispatchErrors(t *testing.T) {
	t.Parallel()

	t.Run("未初期化なら503", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t, nil)
		s.relay = New(nil)

		w := doRequest(t, s, http.MethodPost, "/api/tx-update/0xABC", gin.H{"txType": "register", "status": "pending"}, nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusServiceUnavailable)
		}
		if s.relay.PendingCount() != 0 {
			t.Error("未初期化では記録しないはず")
		}
	})

	t.Run("配信に失敗したら500", func(t *testing.T) {
		t.Parallel()

		s, ch := setupTestServer(t, nil)
		ch.err = errors.New("transport down")

		w := doRequest(t, s, http.MethodPost, "/api/notify/all", gin.H{"message": "m"}, nil)
		if w.Code != http.StatusInternalServerError {
			t.Errorf("ステータスコードが一致しません: got=%d, want=%d", w.Code, http.StatusInternalServerError)
		}
		if body := decodeBody(t, w); body["success"] != false {
			t.Errorf("エラーレスポンスが一致しません: %v", body)
		}
	})
}

func TestInjectionAPIKey(t *testing.T) {
	t.Parallel()

	s, ch := setupTestServer(t, func(cfg *config.Config) {
		cfg.APIKey = "relay-key"
	})

	w := doRequest(t, s, http.MethodPost, "/api/notify/all", gin.H{"message": "m"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("キーが無ければ401のはず: got=%d", w.Code)
	}

	w = doRequest(t, s, http.MethodPost, "/api/notify/all", gin.H{"message": "m"}, map[string]string{middleware.HeaderAPIKey: "relay-key"})
	if w.Code != http.StatusOK {
		t.Errorf("正しいキーなら200のはず: got=%d", w.Code)
	}

	// 照会系はキー不要
	w = doRequest(t, s, http.MethodGet, "/api/pending-tx/0xABC", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("照会はキー不要のはず: got=%d", w.Code)
	}
	if len(ch.recorded()) != 1 {
		t.Errorf("配信数が一致しません: got=%d", len(ch.recorded()))
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, nil)
	doRequest(t, s, http.MethodPost, "/api/tx-update/0xABC", gin.H{"txType": "register", "status": "pending"}, nil)

	w := doRequest(t, s, http.MethodGet, "/api/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコードが一致しません: got=%d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" {
		t.Errorf("statusが一致しません: %v", body)
	}
	if ts, ok := body["timestamp"].(float64); !ok || ts <= 0 {
		t.Errorf("timestampが不正です: %v", body["timestamp"])
	}
	if body["pending"] != float64(1) || body["connections"] != float64(0) {
		t.Errorf("稼働状況が一致しません: %v", body)
	}
}

func TestHandleContractConfig(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, func(cfg *config.Config) {
		cfg.Contract.Address = "0x1111111111111111111111111111111111111111"
		cfg.Contract.NetworkID = "56"
	})

	w := doRequest(t, s, http.MethodGet, "/api/contract-config", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコードが一致しません: got=%d", w.Code)
	}
	body := decodeBody(t, w)
	if body["contractAddress"] != "0x1111111111111111111111111111111111111111" {
		t.Errorf("contractAddressが一致しません: %v", body["contractAddress"])
	}
	if body["networkName"] != "Binance Smart Chain" || body["explorerUrl"] != "https://bscscan.com" {
		t.Errorf("ネットワーク情報が一致しません: %v", body)
	}
	plans, ok := body["planNames"].(map[string]any)
	if !ok || plans["1"] != "Starter" {
		t.Errorf("planNamesが一致しません: %v", body["planNames"])
	}
}

func TestWalletLogin(t *testing.T) {
	t.Parallel()

	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	address := crypto.PubkeyToAddress(pk.PublicKey).Hex()
	s, _ := setupTestServer(t, nil)

	w := doRequest(t, s, http.MethodGet, "/api/auth/nonce/"+address, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコードが一致しません: got=%d", w.Code)
	}
	message := decodeBody(t, w)["message"].(string)

	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	sig, err := crypto.Sign(crypto.Keccak256Hash([]byte(prefixed)).Bytes(), pk)
	if err != nil {
		t.Fatal(err)
	}
	sig[64] += 27

	w = doRequest(t, s, http.MethodPost, "/api/auth/login", gin.H{"message": message, "signature": hexutil.Encode(sig)}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ログインに失敗: got=%d, body=%s", w.Code, w.Body.String())
	}
	token := decodeBody(t, w)["token"].(string)

	// ログインしたアドレスの保留中トランザクションを引ける
	doRequest(t, s, http.MethodPost, "/api/tx-update/"+address, gin.H{"txType": "upgrade", "status": "pending"}, nil)
	w = doRequest(t, s, http.MethodGet, "/api/me/pending-tx", nil, map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコードが一致しません: got=%d", w.Code)
	}
	body := decodeBody(t, w)
	if body["address"] != strings.ToLower(address) {
		t.Errorf("アドレスが一致しません: %v", body["address"])
	}
	if pending := body["pendingTransactions"].([]any); len(pending) != 1 {
		t.Errorf("保留中トランザクションが一致しません: %v", pending)
	}

	// 同じ署名は再利用できない
	w = doRequest(t, s, http.MethodPost, "/api/auth/login", gin.H{"message": message, "signature": hexutil.Encode(sig)}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("再利用は401のはず: got=%d", w.Code)
	}
}

func TestAuthErrors(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, nil)

	if w := doRequest(t, s, http.MethodGet, "/api/auth/nonce/not-an-address", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("不正なアドレスは400のはず: got=%d", w.Code)
	}
	if w := doRequest(t, s, http.MethodPost, "/api/auth/login", gin.H{"message": "m"}, nil); w.Code != http.StatusBadRequest {
		t.Errorf("署名が無ければ400のはず: got=%d", w.Code)
	}
	if w := doRequest(t, s, http.MethodGet, "/api/me/pending-tx", nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("トークンが無ければ401のはず: got=%d", w.Code)
	}
}

func TestHandleStats(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, nil)
	userToken, err := middleware.GenerateJWT("test-secret", "0xabc", false)
	if err != nil {
		t.Fatal(err)
	}
	adminToken, err := middleware.GenerateJWT("test-secret", "0xdef", true)
	if err != nil {
		t.Fatal(err)
	}

	w := doRequest(t, s, http.MethodGet, "/api/admin/stats", nil, map[string]string{"Authorization": "Bearer " + userToken})
	if w.Code != http.StatusForbidden {
		t.Errorf("管理者以外は403のはず: got=%d", w.Code)
	}

	w = doRequest(t, s, http.MethodGet, "/api/admin/stats", nil, map[string]string{"Authorization": "Bearer " + adminToken})
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコードが一致しません: got=%d", w.Code)
	}
	body := decodeBody(t, w)
	if body["success"] != true || body["redis"] != false {
		t.Errorf("レスポンスが一致しません: %v", body)
	}
}

func TestHandlePendingTransactions_TokenMode(t *testing.T) {
	t.Parallel()

	const owner = "0x52908400098527886e0f7030069857d2e4169ee7"
	s, _ := setupTestServer(t, func(cfg *config.Config) { cfg.RoomAuth = "token" })
	if err := s.relay.SendTransactionUpdate(TransactionUpdate{Type: UpdatePrepare, TxType: TxTypeRegister, Status: "pending"}, owner); err != nil {
		t.Fatal(err)
	}

	token := func(address string, admin bool) map[string]string {
		tok, err := middleware.GenerateJWT("test-secret", address, admin)
		if err != nil {
			t.Fatal(err)
		}
		return map[string]string{"Authorization": "Bearer " + tok}
	}
	// 大文字小文字が異なっても本人として扱う
	path := "/api/pending-tx/0x" + strings.ToUpper(owner[2:])

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "トークンなしは401", headers: nil, want: http.StatusUnauthorized},
		{name: "他人のトークンは403", headers: token("0xdef", false), want: http.StatusForbidden},
		{name: "本人のトークンは参照できる", headers: token(owner, false), want: http.StatusOK},
		{name: "管理者トークンは参照できる", headers: token("0xdef", true), want: http.StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := doRequest(t, s, http.MethodGet, path, nil, tt.headers)
			if w.Code != tt.want {
				t.Fatalf("ステータスコードが一致しません: got=%d, want=%d", w.Code, tt.want)
			}
			if tt.want == http.StatusOK && !strings.Contains(w.Body.String(), `"txType":"register"`) {
				t.Errorf("保留中トランザクションが返るべき: %s", w.Body.String())
			}
		})
	}
}

func TestHandleNonce_TooMany(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t, nil)
	s.auth = auth.NewService(s.cfg.Auth.Domain, s.cfg.Auth.URI, s.cfg.JWTSecret, nil, auth.WithNonceLimit(1, 1))

	if w := doRequest(t, s, http.MethodGet, "/api/auth/nonce/0x52908400098527886e0f7030069857d2e4169ee7", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("1回目は発行されるはず: got=%d", w.Code)
	}
	if w := doRequest(t, s, http.MethodGet, "/api/auth/nonce/0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae", nil, nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("上限を超えると429のはず: got=%d", w.Code)
	}
}
