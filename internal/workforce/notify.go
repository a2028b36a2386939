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

package workforce

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/internal/workforce/model"
	"github.com/innovationmech/orchestra/pkg/logger"
	"github.com/innovationmech/orchestra/pkg/queue"
)

// Sender delivers a notification.
type Sender interface {
	Send(ctx context.Context, n model.Notification) error
}

// LogSender writes notifications to the log and remembers them.
type LogSender struct {
	logger *zap.Logger

	mu   sync.Mutex
	sent []model.Notification
}

func NewLogSender(l *zap.Logger) *LogSender {
	return &LogSender{logger: logger.OrGlobal(l).Named("notifications")}
}

func (s *LogSender) Send(ctx context.Context, n model.Notification) error {
	s.logger.Info("Notification sent",
		zap.String("template", n.Template),
		zap.String("recipient", n.Recipient),
		zap.Any("data", n.Data))
	s.mu.Lock()
	s.sent = append(s.sent, n)
	s.mu.Unlock()
	return nil
}

// Sent returns a copy of every delivered notification in order.
func (s *LogSender) Sent() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Notification, len(s.sent))
	copy(out, s.sent)
	return out
}

// NotificationHandler processes notification.send jobs. A payload that does
// not decode fails the job permanently.
func NotificationHandler(sender Sender) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var n model.Notification
		if err := job.Bind(&n); err != nil {
			return queue.Permanent(err)
		}
		if n.Recipient == "" {
			return queue.Permanent(errMissingRecipient)
		}
		return sender.Send(ctx, n)
	}
}
