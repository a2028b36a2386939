// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Context is the working state threaded through the steps of one instance.
type Context struct {
	SagaID        string                 `json:"saga_id"`
	CorrelationID string                 `json:"correlation_id"`
	Data          map[string]interface{} `json:"data"`

	// StepResults holds successful step results in completion order.
	StepResults []StepRecord `json:"step_results"`
}

// NewContext creates a context seeded with a copy of data.
func NewContext(sagaID, correlationID string, data map[string]interface{}) *Context {
	sc := &Context{
		SagaID:        sagaID,
		CorrelationID: correlationID,
		Data:          make(map[string]interface{}, len(data)),
	}
	for k, v := range data {
		sc.Data[k] = v
	}
	return sc
}

// Clone copies the data map and the result list.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := &Context{
		SagaID:        c.SagaID,
		CorrelationID: c.CorrelationID,
		Data:          make(map[string]interface{}, len(c.Data)),
		StepResults:   append([]StepRecord(nil), c.StepResults...),
	}
	for k, v := range c.Data {
		out.Data[k] = v
	}
	return out
}

// Get returns a data bag entry.
func (c *Context) Get(key string) (interface{}, bool) {
	v, ok := c.Data[key]
	return v, ok
}

// Set stores a data bag entry.
func (c *Context) Set(key string, value interface{}) {
	if c.Data == nil {
		c.Data = make(map[string]interface{})
	}
	c.Data[key] = value
}

// Result returns the recorded result of a step.
func (c *Context) Result(stepID string) (StepResult, bool) {
	for _, r := range c.StepResults {
		if r.StepID == stepID {
			return r.Result, true
		}
	}
	return StepResult{}, false
}

// HasResult reports whether a step has completed.
func (c *Context) HasResult(stepID string) bool {
	_, ok := c.Result(stepID)
	return ok
}

func (c *Context) record(stepID string, result StepResult) {
	c.StepResults = append(c.StepResults, StepRecord{
		StepID:      stepID,
		Result:      result,
		CompletedAt: time.Now(),
	})
}

// Bind decodes the data bag entry under key into out, which must be a
// pointer. Struct fields are matched by their json tags, so the same struct
// works for values set in-process and for values restored from a JSON store.
func Bind(sc *Context, key string, out interface{}) error {
	v, ok := sc.Get(key)
	if !ok {
		return fmt.Errorf("saga context has no %q entry", key)
	}
	return decode(v, out)
}

// BindResult decodes the data of a completed step into out.
func BindResult(sc *Context, stepID string, out interface{}) error {
	r, ok := sc.Result(stepID)
	if !ok {
		return NewStepNotFoundError("", stepID)
	}
	return decode(r.Data, out)
}

func decode(in, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
