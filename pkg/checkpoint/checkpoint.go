package checkpoint

import (
	"context"
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/model"
)

// Checkpointer persists the state of a thread across turns
type Checkpointer interface {
	// Get returns the latest checkpoint of a thread, or nil if none exists
	Get(ctx context.Context, key model.ThreadKey) (*model.Checkpoint, error)
	// Put replaces the checkpoint of a thread
	Put(ctx context.Context, key model.ThreadKey, cp *model.Checkpoint) error
}

func encode(cp *model.Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal checkpoint", goerr.V("thread", cp.Thread.String()))
	}
	return data, nil
}

func decode(data []byte) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal checkpoint")
	}
	return &cp, nil
}
