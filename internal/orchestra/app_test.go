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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/internal/workforce"
	"github.com/innovationmech/orchestra/internal/workforce/model"
	"github.com/innovationmech/orchestra/pkg/config"
	"github.com/innovationmech/orchestra/pkg/config/testutil"
	"github.com/innovationmech/orchestra/pkg/saga"
)

func loadConfig(t *testing.T, env map[string]string) *config.AppConfig {
	t.Helper()
	sb := testutil.NewSandbox(t)
	for k, v := range env {
		sb.SetEnv(k, v)
	}
	opts := config.DefaultOptions()
	opts.WorkDir = sb.Dir
	cfg, _, err := config.Load(opts, "")
	require.NoError(t, err)
	return cfg
}

func fastRetries() map[string]string {
	return map[string]string{
		"ORCHESTRA_SAGA_RETRY_BASE_DELAY": "1ms",
		"ORCHESTRA_SAGA_RETRY_MAX_DELAY":  "5ms",
		"ORCHESTRA_QUEUE_CLEAN_INTERVAL":  "20ms",
	}
}

func waitTerminal(t *testing.T, m *saga.Manager, id string) *saga.Instance {
	t.Helper()
	var inst *saga.Instance
	require.Eventually(t, func() bool {
		got, err := m.GetSagaStatus(context.Background(), id)
		if err != nil || !got.Status.IsTerminal() {
			return false
		}
		inst = got
		return true
	}, 3*time.Second, 5*time.Millisecond)
	return inst
}

func sentTo(s *workforce.LogSender, recipient string) []model.Notification {
	var out []model.Notification
	for _, n := range s.Sent() {
		if n.Recipient == recipient {
			out = append(out, n)
		}
	}
	return out
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, zap.NewNop())
	assert.Error(t, err)
}

func TestApp_EmployeeRegistrationEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := loadConfig(t, fastRetries())
	app, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	app.Start(context.Background())

	assert.ElementsMatch(t,
		[]string{workforce.EmployeeRegistration, workforce.ShiftStart, workforce.ShiftEnd},
		app.Sagas.Definitions())

	id, err := app.Sagas.StartSaga(context.Background(), workforce.EmployeeRegistration, "req-1", map[string]interface{}{
		workforce.EmployeeDataKey: map[string]interface{}{"email": "grace@example.com", "name": "Grace Hopper"},
	})
	require.NoError(t, err)
	inst := waitTerminal(t, app.Sagas, id)
	require.Equal(t, saga.StatusCompleted, inst.Status, inst.Error)

	require.Eventually(t, func() bool {
		return len(sentTo(app.Sender, "grace@example.com")) == 1 &&
			len(sentTo(app.Sender, OperationsRecipient)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	invite := sentTo(app.Sender, "grace@example.com")[0]
	assert.Equal(t, workforce.TemplateInvitation, invite.Template)
	outcome := sentTo(app.Sender, OperationsRecipient)[0]
	assert.Equal(t, "saga_completed", outcome.Template)
	assert.Equal(t, id, outcome.Data["saga_id"])
	assert.Equal(t, "req-1", outcome.Data["correlation_id"])

	assert.Equal(t, float64(1), counterTotal(t, app, "orchestra_saga_started_total"))

	require.NoError(t, app.Close())
}

func TestApp_CompensationNotifiesOperations(t *testing.T) {
	cfg := loadConfig(t, fastRetries())
	app, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	id, err := app.Sagas.StartSaga(context.Background(), workforce.ShiftStart, "shift-req-1", map[string]interface{}{
		"shift": map[string]interface{}{"employee_id": "nobody"},
	})
	require.NoError(t, err)
	inst := waitTerminal(t, app.Sagas, id)
	require.Equal(t, saga.StatusCompensated, inst.Status)

	require.Eventually(t, func() bool {
		return len(sentTo(app.Sender, OperationsRecipient)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	n := sentTo(app.Sender, OperationsRecipient)[0]
	assert.Equal(t, "saga_compensated", n.Template)
	assert.NotEmpty(t, n.Data["error"])
}

func TestApp_MetricsDisabled(t *testing.T) {
	env := fastRetries()
	env["ORCHESTRA_METRICS_ENABLED"] = "false"
	cfg := loadConfig(t, env)

	app, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	families, err := app.Registry.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestApp_UnreachableRedisFails(t *testing.T) {
	env := map[string]string{
		"ORCHESTRA_SAGA_STORE": "redis",
		"ORCHESTRA_REDIS_ADDR": "127.0.0.1:1",
	}
	cfg := loadConfig(t, env)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	app, err := New(ctx, cfg, zap.NewNop())
	assert.Nil(t, app)
	assert.ErrorContains(t, err, "ping redis")
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	app, err := New(context.Background(), loadConfig(t, nil), zap.NewNop())
	require.NoError(t, err)
	app.Start(context.Background())
	app.Start(context.Background())
	require.NoError(t, app.Close())
	require.NoError(t, app.Close())
}

func counterTotal(t *testing.T, app *App, name string) float64 {
	t.Helper()
	families, err := app.Registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var total float64
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}
