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

package orchestra

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/internal/workforce"
	"github.com/innovationmech/orchestra/internal/workforce/model"
	"github.com/innovationmech/orchestra/pkg/eventbus"
	"github.com/innovationmech/orchestra/pkg/queue"
	"github.com/innovationmech/orchestra/pkg/saga"
)

// OperationsRecipient receives saga outcome notifications.
const OperationsRecipient = "operations"

// terminalEvents are the lifecycle events that end a saga.
var terminalEvents = []string{
	saga.EventSagaCompleted,
	saga.EventSagaFailed,
	saga.EventSagaCompensated,
	saga.EventSagaTimeout,
}

// AuditHandler writes every lifecycle event to the audit logger.
func AuditHandler(l *zap.Logger) eventbus.Handler {
	return func(ctx context.Context, event eventbus.Event) error {
		fields := []zap.Field{
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.String("correlation_id", event.CorrelationID),
			zap.Time("timestamp", event.Timestamp),
		}
		if p, ok := event.Payload.(saga.EventPayload); ok {
			fields = append(fields,
				zap.String("saga_id", p.SagaID),
				zap.String("definition_id", p.DefinitionID),
				zap.String("status", p.Status.String()))
			if p.StepID != "" {
				fields = append(fields, zap.String("step_id", p.StepID))
			}
			if p.Error != "" {
				fields = append(fields, zap.String("error", p.Error))
			}
		}
		l.Info("saga event", fields...)
		return nil
	}
}

// Enqueuer adds jobs to a queue.
type Enqueuer interface {
	Add(ctx context.Context, jobType string, payload interface{}, opts *queue.Options) (*queue.Job, error)
}

// NotificationFanout enqueues a notification.send job when a saga reaches a
// terminal status. Failures get a higher priority than successes.
func NotificationFanout(jobs Enqueuer) eventbus.Handler {
	return func(ctx context.Context, event eventbus.Event) error {
		p, ok := event.Payload.(saga.EventPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
		}

		data := map[string]string{
			"saga_id":        p.SagaID,
			"definition_id":  p.DefinitionID,
			"correlation_id": event.CorrelationID,
			"status":         p.Status.String(),
		}
		if p.Error != "" {
			data["error"] = p.Error
		}

		priority := 0
		if p.Status != saga.StatusCompleted {
			priority = 10
		}
		_, err := jobs.Add(ctx, workforce.NotificationJobType, model.Notification{
			Template:  "saga_" + strings.ToLower(string(p.Status)),
			Recipient: OperationsRecipient,
			Data:      data,
		}, &queue.Options{Priority: priority})
		return err
	}
}
