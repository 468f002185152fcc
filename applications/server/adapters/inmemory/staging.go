package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const defaultFreeSpaceInBytes = 512 * 1024 * 1024 // 512 MiB

type stagedTransfer struct {
	chunks    map[int][]byte
	updatedAt time.Time
}

// StagingStore keeps staged chunks in process memory within a fixed budget.
type StagingStore struct {
	transfers map[string]*stagedTransfer
	freeSpace int64
	log       log.Logger
	mutex     sync.RWMutex
	now       func() time.Time
}

// NewStagingStore returns a store holding at most capacity bytes. A
// non-positive capacity selects the default.
func NewStagingStore(capacity int64, logger log.Logger) *StagingStore {
	if capacity <= 0 {
		capacity = defaultFreeSpaceInBytes
	}

	return &StagingStore{
		transfers: map[string]*stagedTransfer{},
		freeSpace: capacity,
		log:       logger,
		now:       time.Now,
	}
}

func (m *StagingStore) Put(ctx context.Context, transferID string, index int, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	t, ok := m.transfers[transferID]
	if !ok {
		t = &stagedTransfer{chunks: map[int][]byte{}}
		m.transfers[transferID] = t
	}

	dataLen := int64(len(data))
	oldLen := int64(len(t.chunks[index]))
	if dataLen > m.freeSpace+oldLen {
		if len(t.chunks) == 0 {
			delete(m.transfers, transferID)
		}
		return fmt.Errorf("not enough free space")
	}

	t.chunks[index] = data
	t.updatedAt = m.now()
	m.freeSpace += oldLen - dataLen

	level.Debug(m.log).Log("msg", "chunk staged",
		"transfer_id", transferID,
		"index", index,
		"size", humanize.IBytes(uint64(dataLen)),
		"free_space", humanize.IBytes(uint64(m.freeSpace)),
	)

	return nil
}

func (m *StagingStore) ListIndices(ctx context.Context, transferID string) ([]int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	t, ok := m.transfers[transferID]
	if !ok {
		return nil, nil
	}

	indices := make([]int, 0, len(t.chunks))
	for i := range t.chunks {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	return indices, nil
}

func (m *StagingStore) ChunkSizes(ctx context.Context, transferID string) (map[int]int64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	sizes := map[int]int64{}
	if t, ok := m.transfers[transferID]; ok {
		for i, data := range t.chunks {
			sizes[i] = int64(len(data))
		}
	}

	return sizes, nil
}

func (m *StagingStore) ReadAndDelete(ctx context.Context, transferID string, index int, w io.Writer) (int64, error) {
	m.mutex.RLock()
	t, ok := m.transfers[transferID]
	var data []byte
	if ok {
		data, ok = t.chunks[index]
	}
	m.mutex.RUnlock()

	if !ok {
		return 0, fmt.Errorf("chunk %d of %s not staged", index, transferID)
	}

	n, err := io.Copy(w, bytes.NewReader(data))
	if err != nil {
		return n, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if t, ok = m.transfers[transferID]; ok {
		m.freeSpace += int64(len(t.chunks[index]))
		delete(t.chunks, index)
		if len(t.chunks) == 0 {
			delete(m.transfers, transferID)
		}
	}

	return n, nil
}

func (m *StagingStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	deadline := m.now().Add(-olderThan)
	removed := 0
	for id, t := range m.transfers {
		if t.updatedAt.After(deadline) {
			continue
		}
		for _, data := range t.chunks {
			m.freeSpace += int64(len(data))
		}
		delete(m.transfers, id)
		removed++
	}

	return removed, nil
}

// FreeSpace returns the remaining budget in bytes.
func (m *StagingStore) FreeSpace() int64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.freeSpace
}
