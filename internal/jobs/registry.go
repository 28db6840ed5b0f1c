// Package jobs はジョブのデータモデルとレジストリ、非同期実行の管理を提供します。
package jobs

import (
	"fmt"
	"sync"
)

// Registry はプロセス内メモリにジョブを保持するレジストリです。
// 1ジョブの更新は Update を通じてのみ行い、同一ジョブへの並行更新は
// ジョブ単位のロックで直列化されます。異なるジョブ同士は互いにブロックしません。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	mu  sync.Mutex
	job Job
}

// NewRegistry は空のレジストリを作成します。
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
	}
}

// Create はジョブを登録し、そのIDを返します。IDは呼び出し側で採番済みであることを前提とします。
func (r *Registry) Create(job Job) (string, error) {
	if job.ID == "" {
		return "", NewError(CodeInvalidInput, "ジョブIDが指定されていません。", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[job.ID]; exists {
		return "", NewError(CodeConflict, "同じIDのジョブが既に存在します。", fmt.Errorf("duplicate job id: %s", job.ID))
	}
	r.entries[job.ID] = &registryEntry{job: job.Clone()}
	return job.ID, nil
}

// Get はジョブのコピーを返します。
func (r *Registry) Get(jobID string) (Job, error) {
	r.mu.RLock()
	entry, ok := r.entries[jobID]
	r.mu.RUnlock()
	if !ok {
		return Job{}, NotFoundError(jobID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.job.Clone(), nil
}

// List は全ジョブのコピーをID→Jobのマップで返します。
func (r *Registry) List() map[string]Job {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	out := make(map[string]Job, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		job := entry.job.Clone()
		entry.mu.Unlock()
		out[job.ID] = job
	}
	return out
}

// Update はジョブをアトミックに読み取り・変更・書き戻しします。
// mutate はジョブの作業コピーを受け取り、エラーを返した場合は一切反映されません。
// mutate 内で現在状態の検査（ゲート・競合チェック）を行うことで、
// チェックと更新の間に他の更新が割り込むことを防ぎます。
func (r *Registry) Update(jobID string, mutate func(*Job) error) (Job, error) {
	r.mu.RLock()
	entry, ok := r.entries[jobID]
	r.mu.RUnlock()
	if !ok {
		return Job{}, NotFoundError(jobID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	working := entry.job.Clone()
	if err := mutate(&working); err != nil {
		return Job{}, err
	}
	// IDは不変
	working.ID = entry.job.ID
	entry.job = working
	return working.Clone(), nil
}
