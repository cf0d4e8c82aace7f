package relay

import (
	"cmp"
	"slices"
	"sync"

	"github.com/nao1215/memberhub/pkg/event"
)

// pendingEntry は保留中トランザクション1件の記録。
type pendingEntry struct {
	status    string
	timestamp int64
	// seq は最初に登録された順序。置き換えでは変わらない。
	seq uint64
}

// Registry はユーザーとトランザクション種別の組ごとに、
// 現在保留中のトランザクションを保持するインメモリの索引。
// 1つの組に対して記録は常に高々1件で、履歴は持たない。
type Registry struct {
	mu sync.RWMutex
	// byUser はアドレスごとにtxTypeから記録を引く。
	byUser  map[string]map[string]pendingEntry
	nextSeq uint64
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]pendingEntry),
	}
}

// Upsert は記録を追加するか、既存の記録を丸ごと置き換える。
func (r *Registry) Upsert(userAddress, txType, status string, timestamp int64) {
	userAddress = event.NormalizeAddress(userAddress)

	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.byUser[userAddress]
	if !ok {
		entries = make(map[string]pendingEntry)
		r.byUser[userAddress] = entries
	}

	seq := r.nextSeq
	if prev, exists := entries[txType]; exists {
		seq = prev.seq
	} else {
		r.nextSeq++
	}
	entries[txType] = pendingEntry{status: status, timestamp: timestamp, seq: seq}
}

// Clear は記録を削除する。記録が無い場合は何もしない。
func (r *Registry) Clear(userAddress, txType string) {
	userAddress = event.NormalizeAddress(userAddress)

	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.byUser[userAddress]
	if !ok {
		return
	}
	delete(entries, txType)
	if len(entries) == 0 {
		delete(r.byUser, userAddress)
	}
}

// ListForUser は指定ユーザーの保留中トランザクションを登録順に返す。
// 記録が無い場合も nil ではなく空のスライスを返す。
func (r *Registry) ListForUser(userAddress string) []PendingTransaction {
	userAddress = event.NormalizeAddress(userAddress)

	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.byUser[userAddress]
	type ordered struct {
		tx  PendingTransaction
		seq uint64
	}
	list := make([]ordered, 0, len(entries))
	for txType, e := range entries {
		list = append(list, ordered{
			tx:  PendingTransaction{TxType: txType, Status: e.status, Timestamp: e.timestamp},
			seq: e.seq,
		})
	}
	slices.SortFunc(list, func(a, b ordered) int {
		return cmp.Compare(a.seq, b.seq)
	})

	result := make([]PendingTransaction, 0, len(list))
	for _, o := range list {
		result = append(result, o.tx)
	}
	return result
}

// Len は全ユーザー分の保留中トランザクション数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, entries := range r.byUser {
		n += len(entries)
	}
	return n
}
