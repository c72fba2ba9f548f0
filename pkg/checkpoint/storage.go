package checkpoint

import (
	"context"
	"errors"
	"io"
	"path"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/adapter"
	"github.com/m-mizutani/tradechat/pkg/model"
)

// Storage keeps checkpoints as JSON objects at {prefix}/{user_id}/{thread_id}.json
type Storage struct {
	storage adapter.Storage
	prefix  string
}

var _ Checkpointer = (*Storage)(nil)

func NewStorage(storage adapter.Storage, prefix string) *Storage {
	if prefix == "" {
		prefix = "threads"
	}
	return &Storage{storage: storage, prefix: prefix}
}

func (x *Storage) objectKey(key model.ThreadKey) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	return path.Join(x.prefix, string(key.UserID), string(key.ThreadID)+".json"), nil
}

func (x *Storage) Get(ctx context.Context, key model.ThreadKey) (*model.Checkpoint, error) {
	objKey, err := x.objectKey(key)
	if err != nil {
		return nil, err
	}

	reader, err := x.storage.Get(ctx, objKey)
	if err != nil {
		if errors.Is(err, adapter.ErrObjectNotFound) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to get checkpoint from storage", goerr.V("thread", key.String()))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read checkpoint data", goerr.V("thread", key.String()))
	}

	return decode(data)
}

func (x *Storage) Put(ctx context.Context, key model.ThreadKey, cp *model.Checkpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}

	objKey, err := x.objectKey(key)
	if err != nil {
		return err
	}

	writer, err := x.storage.Put(ctx, objKey)
	if err != nil {
		return goerr.Wrap(err, "failed to create storage writer", goerr.V("thread", key.String()))
	}

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return goerr.Wrap(err, "failed to write checkpoint to storage", goerr.V("thread", key.String()))
	}

	if err := writer.Close(); err != nil {
		return goerr.Wrap(err, "failed to close storage writer", goerr.V("thread", key.String()))
	}

	return nil
}
