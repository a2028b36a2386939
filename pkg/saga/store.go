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
	"context"
	"sync"
)

// Store persists saga instances. Implementations must return copies so that
// callers never share memory with the stored state.
type Store interface {
	// Get returns an instance or an error matching ErrSagaInstanceNotFound.
	Get(ctx context.Context, sagaID string) (*Instance, error)

	// Put inserts or replaces an instance.
	Put(ctx context.Context, instance *Instance) error

	// ScanByCorrelation returns every instance with the given correlation id.
	ScanByCorrelation(ctx context.Context, correlationID string) ([]*Instance, error)

	// List returns every stored instance.
	List(ctx context.Context) ([]*Instance, error)

	// Delete removes an instance. Deleting an unknown id is not an error.
	Delete(ctx context.Context, sagaID string) error
}

// MemoryStore is the default volatile Store.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

func (s *MemoryStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[sagaID]
	if !ok {
		return nil, NewSagaNotFoundError(sagaID)
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, instance *Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if instance == nil || instance.ID == "" {
		return NewValidationError("instance id is required")
	}
	s.mu.Lock()
	s.instances[instance.ID] = instance.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ScanByCorrelation(ctx context.Context, correlationID string) ([]*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for _, inst := range s.instances {
		if inst.CorrelationID == correlationID {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, sagaID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.instances, sagaID)
	s.mu.Unlock()
	return nil
}
