// Package inspector holds the thin consumers of the bridge: code execution, script and
// closure listings, and a trace of remote calls reported by the target.
package inspector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lua-bridge/client"
)

// Caller is the slice of the multiplexer the consumers use. *client.Client and
// *bridge.Bridge satisfy it.
type Caller interface {
	Call(ctx context.Context, method string, params any, opts ...client.CallOption) (json.RawMessage, error)
	OnNotification(method string, h client.NotificationHandler) (dispose func())
}

func callInto[T any](ctx context.Context, c Caller, method string, params any) (T, error) {
	var out T
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", method, err)
	}
	return out, nil
}

type ExecuteResult struct {
	Success bool              `json:"success"`
	Output  string            `json:"output"`
	Error   string            `json:"error,omitempty"`
	Returns []json.RawMessage `json:"returns,omitempty"`
}

type Executor struct {
	c Caller
}

func NewExecutor(c Caller) *Executor {
	return &Executor{c: c}
}

// Execute runs code on the target. A Lua error is reported through the result's Success
// and Error fields; the returned error covers transport and protocol failures only.
func (e *Executor) Execute(ctx context.Context, code string) (ExecuteResult, error) {
	return callInto[ExecuteResult](ctx, e.c, "execute", map[string]string{"code": code})
}

type Script struct {
	Name     string    `json:"name"`
	Bytes    int       `json:"bytes"`
	Lines    int       `json:"lines"`
	LoadedAt time.Time `json:"loaded_at"`
}

type Scripts struct {
	c Caller
}

func NewScripts(c Caller) *Scripts {
	return &Scripts{c: c}
}

func (s *Scripts) List(ctx context.Context) ([]Script, error) {
	return callInto[[]Script](ctx, s.c, "get_scripts", nil)
}

func (s *Scripts) Load(ctx context.Context, name, source string) error {
	_, err := s.c.Call(ctx, "load_script", map[string]string{"name": name, "source": source})
	return err
}

func (s *Scripts) Source(ctx context.Context, name string) (string, error) {
	reply, err := callInto[struct {
		Source string `json:"source"`
	}](ctx, s.c, "get_script", map[string]string{"name": name})
	return reply.Source, err
}

type Closure struct {
	Name     string `json:"name"`
	Params   int    `json:"params"`
	Vararg   bool   `json:"vararg"`
	Upvalues int    `json:"upvalues"`
	Source   string `json:"source"`
	Line     int    `json:"line"`
}

type Global struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Closures struct {
	c Caller
}

func NewClosures(c Caller) *Closures {
	return &Closures{c: c}
}

func (c *Closures) List(ctx context.Context) ([]Closure, error) {
	return callInto[[]Closure](ctx, c.c, "get_closures", nil)
}

func (c *Closures) Globals(ctx context.Context) ([]Global, error) {
	return callInto[[]Global](ctx, c.c, "get_globals", nil)
}
