// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/z5labs/keel/app"
	"github.com/z5labs/keel/health"
	"github.com/z5labs/keel/outbox"

	"github.com/stretchr/testify/require"
	bedrockcfg "github.com/z5labs/bedrock/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Run("will apply the documented defaults", func(t *testing.T) {
		t.Run("if no overrides are configured", func(t *testing.T) {
			m, err := bedrockcfg.Read(DefaultConfig())
			require.Nil(t, err)

			var cfg Config
			err = m.Unmarshal(&cfg)
			require.Nil(t, err)

			require.Equal(t, 60, cfg.Keel.CommandLeaseSeconds)
			require.Equal(t, time.Second, cfg.Keel.OutboxSweepInterval)
			require.Equal(t, 500, cfg.Keel.OutboxBatchSize)
			require.Equal(t, 10*time.Second, cfg.Keel.OutboxClaimTimeout)
			require.Equal(t, 300000, cfg.Keel.OutboxMaxBackoffMillis)
			require.Equal(t, 32, cfg.Keel.FastPathConcurrency)
			require.Equal(t, "commands.", cfg.Keel.QueueNaming.CommandPrefix)
			require.Equal(t, "", cfg.Keel.QueueNaming.QueueSuffix)
			require.Equal(t, "replies", cfg.Keel.QueueNaming.ReplyQueue)
			require.Equal(t, "events.", cfg.Keel.TopicNaming.EventPrefix)
			require.Equal(t, uint(8080), cfg.Keel.HTTP.Port)
		})
	})

	t.Run("will substitute environment variables", func(t *testing.T) {
		t.Run("if the corresponding variable is set", func(t *testing.T) {
			t.Setenv("KEEL_OUTBOX_BATCH_SIZE", "50")
			t.Setenv("KEEL_REPLY_QUEUE", "payment-replies")

			m, err := bedrockcfg.Read(DefaultConfig())
			require.Nil(t, err)

			var cfg Config
			err = m.Unmarshal(&cfg)
			require.Nil(t, err)

			require.Equal(t, 50, cfg.Keel.OutboxBatchSize)
			require.Equal(t, "payment-replies", cfg.Keel.QueueNaming.ReplyQueue)
		})
	})
}

func TestKeelConfig_Naming(t *testing.T) {
	t.Run("will fold both naming sections", func(t *testing.T) {
		t.Run("into one outbox naming scheme", func(t *testing.T) {
			cfg := KeelConfig{
				QueueNaming: QueueNaming{
					CommandPrefix: "cmd.",
					QueueSuffix:   ".v1",
					ReplyQueue:    "replies",
				},
				TopicNaming: TopicNaming{
					EventPrefix: "evt.",
				},
			}

			naming := cfg.Naming()
			require.Equal(t, outbox.Naming{
				CommandPrefix: "cmd.",
				QueueSuffix:   ".v1",
				ReplyQueue:    "replies",
				EventPrefix:   "evt.",
			}, naming)
		})
	})
}

func TestOpsMux(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	t.Run("will report liveness", func(t *testing.T) {
		t.Run("regardless of readiness", func(t *testing.T) {
			mux := opsMux(new(health.Binary), log)

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/liveness", nil))
			require.Equal(t, http.StatusOK, w.Code)
		})
	})

	t.Run("will report not ready", func(t *testing.T) {
		t.Run("if the monitor is unhealthy", func(t *testing.T) {
			mux := opsMux(new(health.Binary), log)

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/readiness", nil))
			require.Equal(t, http.StatusServiceUnavailable, w.Code)
		})

		t.Run("if the monitor fails", func(t *testing.T) {
			monitor := health.MonitorFunc(func(ctx context.Context) (bool, error) {
				return false, errors.New("health check failed")
			})
			mux := opsMux(monitor, log)

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/readiness", nil))
			require.Equal(t, http.StatusInternalServerError, w.Code)
		})
	})

	t.Run("will report ready", func(t *testing.T) {
		t.Run("if the monitor is healthy", func(t *testing.T) {
			monitor := new(health.Binary)
			monitor.MarkHealthy()
			mux := opsMux(monitor, log)

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/readiness", nil))
			require.Equal(t, http.StatusOK, w.Code)
		})
	})
}

func TestApp_Run(t *testing.T) {
	t.Run("will run every runtime", func(t *testing.T) {
		t.Run("until the context is cancelled", func(t *testing.T) {
			ran := make(chan struct{}, 2)
			rt := app.RuntimeFunc(func(ctx context.Context) error {
				ran <- struct{}{}
				<-ctx.Done()
				return nil
			})

			closed := false
			a := &App{
				log:      slog.New(slog.DiscardHandler),
				runtimes: []app.Runtime{rt, rt},
				postRun: []func() error{
					func() error {
						closed = true
						return nil
					},
				},
			}

			ctx, cancel := context.WithCancel(t.Context())
			go func() {
				<-ran
				<-ran
				cancel()
			}()

			require.NoError(t, a.Run(ctx))
			require.True(t, closed)
		})
	})

	t.Run("will stop the remaining runtimes", func(t *testing.T) {
		t.Run("if one of them fails", func(t *testing.T) {
			runErr := errors.New("runtime failed")

			a := &App{
				log: slog.New(slog.DiscardHandler),
				runtimes: []app.Runtime{
					app.RuntimeFunc(func(ctx context.Context) error {
						<-ctx.Done()
						return nil
					}),
					app.RuntimeFunc(func(ctx context.Context) error {
						return runErr
					}),
				},
			}

			err := a.Run(t.Context())
			require.ErrorIs(t, err, runErr)
		})
	})

	t.Run("will report close failures", func(t *testing.T) {
		t.Run("even if every runtime succeeded", func(t *testing.T) {
			closeErr := errors.New("failed to close")

			a := &App{
				log: slog.New(slog.DiscardHandler),
				postRun: []func() error{
					func() error {
						return closeErr
					},
				},
			}

			err := a.Run(t.Context())
			require.ErrorIs(t, err, closeErr)
		})
	})
}
