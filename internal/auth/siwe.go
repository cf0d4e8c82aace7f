// Package auth はウォレット署名（Sign-In with Ethereum）によるログインを提供する。
//
// クライアントは Challenge で受け取ったメッセージにウォレットで署名し、
// Login に送り返すとアドレスを結び付けたJWTを受け取る。
// このJWTはWebSocketのルーム認可に使う。
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nao1215/memberhub/pkg/event"
	"github.com/nao1215/memberhub/pkg/middleware"
	"github.com/spruceid/siwe-go"
)

const (
	// DefaultTimeout はメッセージの発行から失効までの時間。
	DefaultTimeout = 5 * time.Minute
	// DefaultStatement はメッセージに表示する文言。
	DefaultStatement = "Sign in to receive membership notifications."
	// DefaultNoncesPerAddress は1アドレスあたりの未使用nonceの上限。超えると古いものから捨てる。
	DefaultNoncesPerAddress = 5
	// DefaultMaxNonces は未使用nonce全体の上限。
	DefaultMaxNonces = 10000
)

var (
	// ErrInvalidAddress はアドレスがEthereumアドレスとして不正なことを表す。
	ErrInvalidAddress = errors.New("アドレスの形式が不正です")
	// ErrMissingMessage はメッセージが空であることを表す。
	ErrMissingMessage = errors.New("メッセージが必要です")
	// ErrMissingSignature は署名が空であることを表す。
	ErrMissingSignature = errors.New("署名が必要です")
	// ErrInvalidMessage はメッセージの内容を受け付けられないことを表す。
	ErrInvalidMessage = errors.New("メッセージが不正です")
	// ErrInvalidSignature は署名を検証できなかったことを表す。
	ErrInvalidSignature = errors.New("署名が不正です")
	// ErrNonceUsed はnonceが未発行・使用済み・失効済みであることを表す。
	ErrNonceUsed = errors.New("nonceが無効です")
	// ErrTooManyNonces は未使用のnonceが上限に達していることを表す。
	ErrTooManyNonces = errors.New("発行済みのnonceが多すぎます")

	maxNonce = new(big.Int).SetUint64(math.MaxUint64)
)

// Session はログインに成功した結果。
type Session struct {
	Token   string `json:"token"`
	Address string `json:"address"`
	Admin   bool   `json:"admin"`
}

// issuedNonce は発行済みで未使用のnonce。
type issuedNonce struct {
	address   string
	issuedAt  time.Time
	expiredAt time.Time
}

// Service はSIWEメッセージの発行と検証を行う。
// 発行したnonceはメモリ上に保持し、1回だけ使える。
type Service struct {
	domain    string
	uri       string
	statement string
	secret    string
	admins    map[string]struct{}

	mu              sync.Mutex
	nonces          map[string]issuedNonce
	perAddressLimit int
	totalLimit      int
	now             func() time.Time
}

// Option はServiceの生成オプション。
type Option func(*Service)

// WithClock は現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithStatement はメッセージの文言を差し替える。
func WithStatement(statement string) Option {
	return func(s *Service) {
		s.statement = statement
	}
}

// WithNonceLimit は未使用nonceの上限を差し替える。
func WithNonceLimit(perAddress, total int) Option {
	return func(s *Service) {
		s.perAddressLimit = perAddress
		s.totalLimit = total
	}
}

// NewService は新しいServiceを生成する。
// admins に含まれるアドレスでログインすると管理者トークンを発行する。
func NewService(domain, uri, secret string, admins []string, opts ...Option) *Service {
	s := &Service{
		domain:    domain,
		uri:       uri,
		statement: DefaultStatement,
		secret:    secret,
		admins:    make(map[string]struct{}, len(admins)),
		nonces:          make(map[string]issuedNonce),
		perAddressLimit: DefaultNoncesPerAddress,
		totalLimit:      DefaultMaxNonces,
		now:             time.Now,
	}
	for _, a := range admins {
		s.admins[event.NormalizeAddress(a)] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Challenge はアドレスが署名するためのSIWEメッセージを発行する。
func (s *Service) Challenge(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", ErrInvalidAddress
	}
	// siwe-goはEIP-55形式のアドレスしか受け付けない
	checksum := common.HexToAddress(address).Hex()

	nonce, err := makeNonce()
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	expiredAt := now.Add(DefaultTimeout)
	msg, err := siwe.InitMessage(s.domain, checksum, s.uri, nonce, map[string]any{
		"issuedAt":       now.Format(time.RFC3339),
		"expirationTime": expiredAt.Format(time.RFC3339),
		"statement":      s.statement,
	})
	if err != nil {
		return "", fmt.Errorf("SIWEメッセージの生成に失敗: %w", err)
	}

	address = event.NormalizeAddress(checksum)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	s.evictOldestLocked(address)
	if len(s.nonces) >= s.totalLimit {
		return "", ErrTooManyNonces
	}
	s.nonces[nonce] = issuedNonce{address: address, issuedAt: now, expiredAt: expiredAt}

	return msg.String(), nil
}

// Login は署名済みメッセージを検証し、アドレスを結び付けたJWTを発行する。
func (s *Service) Login(message, signature string) (*Session, error) {
	if message == "" {
		return nil, ErrMissingMessage
	}
	if signature == "" {
		return nil, ErrMissingSignature
	}

	msg, err := siwe.ParseMessage(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.GetDomain() != s.domain {
		return nil, fmt.Errorf("%w: ドメインが一致しません", ErrInvalidMessage)
	}
	if uri := msg.GetURI(); uri.String() != s.uri {
		return nil, fmt.Errorf("%w: URIが一致しません", ErrInvalidMessage)
	}
	if err := s.checkWindow(msg); err != nil {
		return nil, err
	}

	pubKey, err := msg.VerifyEIP191(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	signer := crypto.PubkeyToAddress(*pubKey)
	if signer != msg.GetAddress() {
		return nil, fmt.Errorf("%w: 署名者とメッセージのアドレスが異なります", ErrInvalidSignature)
	}

	address := event.NormalizeAddress(signer.Hex())
	if err := s.useNonce(msg.GetNonce(), address); err != nil {
		return nil, err
	}

	_, admin := s.admins[address]
	token, err := middleware.GenerateJWT(s.secret, address, admin)
	if err != nil {
		return nil, fmt.Errorf("トークンの生成に失敗: %w", err)
	}
	return &Session{Token: token, Address: address, Admin: admin}, nil
}

// checkWindow はメッセージの有効期間が現在時刻を含み、長すぎないことを確認する。
func (s *Service) checkWindow(msg *siwe.Message) error {
	expString := msg.GetExpirationTime()
	if expString == nil {
		return fmt.Errorf("%w: 有効期限がありません", ErrInvalidMessage)
	}
	expiredAt, err := time.Parse(time.RFC3339, *expString)
	if err != nil {
		return fmt.Errorf("%w: 有効期限を解析できません", ErrInvalidMessage)
	}
	issuedAt, err := time.Parse(time.RFC3339, msg.GetIssuedAt())
	if err != nil {
		return fmt.Errorf("%w: 発行日時を解析できません", ErrInvalidMessage)
	}

	now := s.now()
	if now.After(expiredAt) {
		return fmt.Errorf("%w: 有効期限が切れています", ErrInvalidMessage)
	}
	if now.Before(issuedAt) {
		return fmt.Errorf("%w: 発行日時が未来です", ErrInvalidMessage)
	}
	if expiredAt.Sub(issuedAt) > DefaultTimeout {
		return fmt.Errorf("%w: 有効期間が長すぎます", ErrInvalidMessage)
	}
	return nil
}

// useNonce は発行済みのnonceを消費する。
func (s *Service) useNonce(nonce, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	issued, ok := s.nonces[nonce]
	if !ok || issued.address != address || s.now().After(issued.expiredAt) {
		return ErrNonceUsed
	}
	delete(s.nonces, nonce)
	return nil
}

// pruneLocked は失効したnonceを捨てる。s.muを保持して呼ぶこと。
func (s *Service) pruneLocked(now time.Time) {
	for n, issued := range s.nonces {
		if now.After(issued.expiredAt) {
			delete(s.nonces, n)
		}
	}
}

// evictOldestLocked はアドレスの未使用nonceが上限に達していれば最も古いものを捨てる。
// s.muを保持して呼ぶこと。
func (s *Service) evictOldestLocked(address string) {
	var (
		count  int
		oldest string
	)
	for n, issued := range s.nonces {
		if issued.address != address {
			continue
		}
		count++
		if oldest == "" || issued.issuedAt.Before(s.nonces[oldest].issuedAt) {
			oldest = n
		}
	}
	if count >= s.perAddressLimit && oldest != "" {
		delete(s.nonces, oldest)
	}
}

// PendingNonces は未使用のnonce数を返す。
func (s *Service) PendingNonces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nonces)
}

func makeNonce() (string, error) {
	n, err := rand.Int(rand.Reader, maxNonce)
	if err != nil {
		return "", fmt.Errorf("nonceの生成に失敗: %w", err)
	}
	// siwe-goはnonceに8文字以上を要求する
	return fmt.Sprintf("%08d", n), nil
}
