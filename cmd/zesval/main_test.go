package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fxnlabs/zesval/fixtures"
	"github.com/fxnlabs/zesval/internal/config"
	"github.com/fxnlabs/zesval/internal/layer"
	"github.com/fxnlabs/zesval/internal/metrics"
	"github.com/fxnlabs/zesval/internal/workload"
)

const validConfig = "../../fixtures/tests/config/valid_config.yaml"

func noEnv(string) (string, bool) { return "", false }

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("", noEnv)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	cfg, err = loadConfig(validConfig, func(name string) (string, bool) {
		if name == config.EnvBasicLeakChecker {
			return "1", true
		}
		return "", false
	})
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Driver.Drivers)
	assert.True(t, cfg.Validation.BasicLeakChecker)

	_, err = loadConfig("does-not-exist.yaml", noEnv)
	assert.Error(t, err)
}

func TestAppLifecycle(t *testing.T) {
	var (
		l *layer.Layer
		r *workload.Runner
	)
	app := fxtest.New(t,
		appOptions(config.Default(), zap.NewNop()),
		fx.Populate(&l, &r),
	)
	app.RequireStart()

	sum, err := r.Walk(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Devices)
	assert.Equal(t, []string{"parameter", "handle_lifetime", "basic_leak"}, l.Status().Validators)

	app.RequireStop()
	// Stopping tore the layer down.
	assert.Equal(t, 0, l.Status().LiveHandles)
}

func TestAppRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Driver.Backend = "level-zero"

	app := fx.New(appOptions(cfg, zap.NewNop()), fx.Invoke(func(*layer.Layer) {}))
	require.Error(t, app.Err())
	assert.Contains(t, app.Err().Error(), `unknown driver backend "level-zero"`)
}

func TestStress(t *testing.T) {
	var (
		l *layer.Layer
		r *workload.Runner
	)
	app := fxtest.New(t, appOptions(config.Default(), zap.NewNop()), fx.Populate(&l, &r))
	app.RequireStart()
	defer app.RequireStop()

	total, err := stress(context.Background(), r, 4, 3, nil)
	require.NoError(t, err)
	single, err := r.Walk(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12*single.Calls, total.Calls)
	assert.Equal(t, total.Calls, total.Results["SUCCESS"])

	rep := l.Teardown()
	assert.True(t, rep.Clean(), "suspects: %v", rep.Suspects)
}

func TestStressRateLimited(t *testing.T) {
	var r *workload.Runner
	app := fxtest.New(t, appOptions(config.Default(), zap.NewNop()), fx.Populate(&r))
	app.RequireStart()
	defer app.RequireStop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := stress(ctx, r, 2, 5, rate.NewLimiter(rate.Limit(1), 1))
	assert.ErrorIs(t, err, context.Canceled)

	total, err := stress(context.Background(), r, 2, 2, rate.NewLimiter(rate.Inf, 1))
	require.NoError(t, err)
	assert.Positive(t, total.Calls)
}

func TestServer(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.ListenAddress = "127.0.0.1:0"

	var s *server
	app := fxtest.New(t,
		appOptions(cfg, zap.NewNop()),
		fx.Provide(func(reg *prometheus.Registry, m *metrics.Metrics, l *layer.Layer, r *workload.Runner) *server {
			return newServer(cfg, reg, m, l, r, zap.NewNop(), 10*time.Millisecond)
		}),
		fx.Invoke(registerServer),
		fx.Populate(&s),
	)
	app.RequireStart()
	defer app.RequireStop()
	base := "http://" + s.addr.String()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st layer.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return false
		}
		return resp.StatusCode == http.StatusOK && st.LiveHandles > 0
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "zesval_calls_total")
	assert.Contains(t, string(body), `endpoint_responses_total{endpoint="/status",status_code="200"}`)

	resp, err = http.Post(base+"/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zesval.yaml")

	require.NoError(t, writeTemplate(path, false))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fixtures.ConfigTemplate, data)

	err = writeTemplate(path, false)
	assert.ErrorContains(t, err, "already exists")
	assert.NoError(t, writeTemplate(path, true))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func runApp(t *testing.T, args ...string) string {
	t.Helper()
	var root *zap.Logger
	app := newApp(&root)
	var out bytes.Buffer
	app.Writer = &out
	require.NoError(t, app.Run(append([]string{"zesval"}, args...)))
	return out.String()
}

func TestRunCommand(t *testing.T) {
	t.Setenv("ZESVAL_CONFIG", validConfig)
	t.Setenv(config.EnvBasicLeakChecker, "1")

	out := runApp(t, "run", "--misuse", "--json")

	var rep struct {
		Summary  workload.Summary  `json:"summary"`
		Misuse   map[string]string `json:"misuse"`
		Teardown struct {
			Suspects []struct {
				Kind  string `json:"kind"`
				Param string `json:"param"`
			} `json:"suspects"`
		} `json:"teardown"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 2, rep.Summary.Drivers)
	assert.Equal(t, 2, rep.Summary.Devices)
	assert.Equal(t, "ERROR_INVALID_NULL_HANDLE", rep.Misuse["use destroyed context"])
	assert.Equal(t, "ERROR_INVALID_ENUMERATION", rep.Misuse["fan speed units out of range"])
	require.Len(t, rep.Teardown.Suspects, 1)
	assert.Equal(t, "event_pool", rep.Teardown.Suspects[0].Param)
}

func TestRunCommandText(t *testing.T) {
	t.Setenv("ZESVAL_CONFIG", validConfig)

	out := runApp(t, "run")
	assert.Contains(t, out, "drivers: 2 devices: 2")
	assert.Contains(t, out, "no leaks suspected")
}

func TestVersionCommand(t *testing.T) {
	out := runApp(t, "version")
	assert.True(t, strings.Contains(out, "zesval "+version))
	assert.Contains(t, out, "entry points:")
}
