package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tradechat/pkg/model"
	"github.com/m-mizutani/tradechat/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// MemoryQuery is the Rego document evaluated for extracted memories
const MemoryQuery = "data.memory"

// regoPrintHook forwards Rego print() output to the context logger
type regoPrintHook struct {
	ctx context.Context
}

func (h *regoPrintHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// MemoryPolicy decides which extracted memories may be saved. A policy
// rejects a memory by adding its index or its text to `deny`:
//
//	package memory
//
//	deny contains i if {
//		some i
//		input.memories[i].category == "secret"
//	}
type MemoryPolicy struct {
	query *rego.PreparedEvalQuery
}

// Load reads every .rego file in dir. It returns nil when dir has none.
func Load(ctx context.Context, dir string) (*MemoryPolicy, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}
	if len(files) == 0 {
		return nil, nil
	}

	modules := make(map[string]string, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		modules[file] = string(data)
	}

	return New(ctx, modules)
}

// New prepares a policy from in-memory modules keyed by file name
func New(ctx context.Context, modules map[string]string) (*MemoryPolicy, error) {
	options := []func(*rego.Rego){rego.Query(MemoryQuery), rego.EnablePrintStatements(true)}
	for name, src := range modules {
		options = append(options, rego.Module(name, src))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare memory policy", goerr.V("query", MemoryQuery))
	}

	return &MemoryPolicy{query: &prepared}, nil
}

type memoryInput struct {
	Text     string `json:"text"`
	Category string `json:"category"`
}

type policyInput struct {
	UserID   model.UserID  `json:"user_id"`
	Memories []memoryInput `json:"memories"`
}

// Filter returns the memories not denied by the policy, in input order. A
// nil policy allows everything.
func (x *MemoryPolicy) Filter(ctx context.Context, userID model.UserID, memories []*model.Memory) ([]*model.Memory, error) {
	if x == nil || len(memories) == 0 {
		return memories, nil
	}

	input := policyInput{UserID: userID, Memories: make([]memoryInput, len(memories))}
	for i, m := range memories {
		input.Memories[i] = memoryInput{Text: m.Text, Category: m.Category}
	}

	// rego needs plain JSON values as input
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal policy input")
	}
	var evalInput map[string]any
	if err := json.Unmarshal(raw, &evalInput); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal policy input")
	}

	rs, err := x.query.Eval(ctx, rego.EvalInput(evalInput), rego.EvalPrintHook(&regoPrintHook{ctx: ctx}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate memory policy", goerr.V("user_id", userID))
	}

	deniedIndex := map[int]bool{}
	deniedText := map[string]bool{}
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		doc, _ := rs[0].Expressions[0].Value.(map[string]any)
		deny, _ := doc["deny"].([]any)
		for _, d := range deny {
			switch v := d.(type) {
			case json.Number:
				if n, err := v.Int64(); err == nil {
					deniedIndex[int(n)] = true
				}
			case float64:
				deniedIndex[int(v)] = true
			case string:
				deniedText[v] = true
			}
		}
	}

	allowed := make([]*model.Memory, 0, len(memories))
	for i, m := range memories {
		if deniedIndex[i] || deniedText[m.Text] {
			logging.From(ctx).Info("memory denied by policy", "user_id", userID, "category", m.Category)
			continue
		}
		allowed = append(allowed, m)
	}
	return allowed, nil
}
