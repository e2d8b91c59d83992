// Package keylock はキー単位の排他制御を提供する。
// カスケード削除（プロジェクトIDをキーとする）とアカウントリンク
// （フェデレーテッドサブジェクトをキーとする）の複合操作を直列化するために使う。
package keylock

import "sync"

// entry は1キー分のロックと参照カウントを保持する。
type entry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex はキーごとに独立したミューテックスを提供する。
// 同一キーのLockは直列化され、異なるキー同士は並行に進行できる。
// 使われなくなったキーのエントリは参照カウントで回収される。
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New はKeyedMutexを生成する。
func New() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

// Lock は指定キーのロックを獲得する。
// 同一キーで他のゴルーチンがロック中の場合は解放までブロックする。
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock は指定キーのロックを解放する。
// 待機者がいなければエントリをマップから削除する。
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("keylock: unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// Len は現在管理されているキーのエントリ数を返す。
// テストおよびメトリクス用。
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
