package checkpoint

import (
	"context"
	"sync"

	"github.com/m-mizutani/tradechat/pkg/model"
)

// Memory keeps checkpoints for the lifetime of the process. Stored values
// are serialized copies, so callers never share state with the store.
type Memory struct {
	mu   sync.RWMutex
	data map[model.ThreadKey][]byte
}

var _ Checkpointer = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{data: make(map[model.ThreadKey][]byte)}
}

func (x *Memory) Get(ctx context.Context, key model.ThreadKey) (*model.Checkpoint, error) {
	x.mu.RLock()
	data, ok := x.data[key]
	x.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	return decode(data)
}

func (x *Memory) Put(ctx context.Context, key model.ThreadKey, cp *model.Checkpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}

	x.mu.Lock()
	x.data[key] = data
	x.mu.Unlock()
	return nil
}
