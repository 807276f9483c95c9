// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package process

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilder_End(t *testing.T) {
	t.Run("will compile the definition", func(t *testing.T) {
		t.Run("if steps, compensations and predicates line up", func(t *testing.T) {
			def, err := Define("SimplePayment", "SubmitPayment").
				Predicate("requiresFx", BoolKey("requiresFx")).
				StartWith("BookLimits").WithCompensation("ReverseLimits").
				ThenIf("requiresFx").WhenTrue("BookFx").WithCompensation("UnwindFx").
				Then("CreateTransaction").WithCompensation("ReverseTransaction").
				Then("CreatePayment").
				End()
			require.NoError(t, err)

			require.Equal(t, "SimplePayment", def.Type)
			require.Equal(t, "SubmitPayment", def.Initiation)
			require.Len(t, def.Steps, 4)
			require.Equal(t, Step{Command: "BookLimits", Compensation: "ReverseLimits"}, def.Steps[0])
			require.Equal(t, Step{Command: "BookFx", Compensation: "UnwindFx", Predicate: "requiresFx"}, def.Steps[1])
			require.Equal(t, "CreatePayment", def.Steps[3].Command)
			require.Empty(t, def.Steps[3].Compensation)
		})
	})

	t.Run("will fail to compile", func(t *testing.T) {
		t.Run("if the process type is missing", func(t *testing.T) {
			_, err := Define("", "SubmitPayment").StartWith("BookLimits").End()
			require.Error(t, err)
		})

		t.Run("if the initiation command is missing", func(t *testing.T) {
			_, err := Define("SimplePayment", "").StartWith("BookLimits").End()
			require.Error(t, err)
		})

		t.Run("if no step was defined", func(t *testing.T) {
			_, err := Define("SimplePayment", "SubmitPayment").End()
			require.Error(t, err)
		})

		t.Run("if StartWith is not the first step", func(t *testing.T) {
			_, err := Define("SimplePayment", "SubmitPayment").
				StartWith("BookLimits").
				StartWith("BookFx").
				End()
			require.Error(t, err)
		})

		t.Run("if the first step is conditional", func(t *testing.T) {
			_, err := Define("SimplePayment", "SubmitPayment").
				Predicate("requiresFx", BoolKey("requiresFx")).
				ThenIf("requiresFx").WhenTrue("BookFx").
				End()
			require.Error(t, err)
		})

		t.Run("if a command name repeats across steps", func(t *testing.T) {
			_, err := Define("SimplePayment", "SubmitPayment").
				StartWith("BookLimits").
				Then("BookLimits").
				End()
			require.Error(t, err)
		})

		t.Run("if a compensation reuses a step name", func(t *testing.T) {
			_, err := Define("SimplePayment", "SubmitPayment").
				StartWith("BookLimits").
				Then("ReverseLimits").WithCompensation("BookLimits").
				End()
			require.Error(t, err)
		})

		t.Run("if a step reuses the initiation name", func(t *testing.T) {
			_, err := Define("SimplePayment", "SubmitPayment").
				StartWith("SubmitPayment").
				End()
			require.Error(t, err)
		})

		t.Run("if a predicate was never registered", func(t *testing.T) {
			_, err := Define("SimplePayment", "SubmitPayment").
				StartWith("BookLimits").
				ThenIf("requiresFx").WhenTrue("BookFx").
				End()
			require.Error(t, err)
		})

		t.Run("if WithCompensation precedes any step", func(t *testing.T) {
			_, err := Define("SimplePayment", "SubmitPayment").
				WithCompensation("ReverseLimits").
				StartWith("BookLimits").
				End()
			require.Error(t, err)
		})

		t.Run("if the retry budget is negative", func(t *testing.T) {
			_, err := Define("SimplePayment", "SubmitPayment").
				StartWith("BookLimits").WithMaxRetries(-1).
				End()
			require.Error(t, err)
		})
	})
}

func TestDefinition_NextRunnable(t *testing.T) {
	def, err := Define("SimplePayment", "SubmitPayment").
		Predicate("requiresFx", BoolKey("requiresFx")).
		StartWith("BookLimits").
		ThenIf("requiresFx").WhenTrue("BookFx").
		Then("CreateTransaction").
		End()
	require.NoError(t, err)

	t.Run("will skip the conditional step", func(t *testing.T) {
		t.Run("if its predicate is false", func(t *testing.T) {
			next := def.NextRunnable(1, map[string]any{"requiresFx": false})
			require.Equal(t, 2, next)
		})

		t.Run("if its predicate key is absent", func(t *testing.T) {
			next := def.NextRunnable(1, map[string]any{})
			require.Equal(t, 2, next)
		})
	})

	t.Run("will run the conditional step", func(t *testing.T) {
		t.Run("if its predicate is true", func(t *testing.T) {
			next := def.NextRunnable(1, map[string]any{"requiresFx": true})
			require.Equal(t, 1, next)
		})
	})

	t.Run("will report completion", func(t *testing.T) {
		t.Run("if every remaining step is skipped", func(t *testing.T) {
			next := def.NextRunnable(3, map[string]any{"requiresFx": true})
			require.Equal(t, -1, next)
		})
	})
}

func TestDefinition_Retryable(t *testing.T) {
	t.Run("will treat every failure as final", func(t *testing.T) {
		t.Run("if no retry policy was set", func(t *testing.T) {
			def, err := Define("SimplePayment", "SubmitPayment").StartWith("BookLimits").End()
			require.NoError(t, err)

			require.False(t, def.Retryable(def.Steps[0], "limit service down"))
		})
	})

	t.Run("will consult the policy", func(t *testing.T) {
		t.Run("if RetryableWhen was set", func(t *testing.T) {
			def, err := Define("SimplePayment", "SubmitPayment").
				RetryableWhen(func(s Step, cause string) bool { return cause == "busy" }).
				StartWith("BookLimits").
				End()
			require.NoError(t, err)

			require.True(t, def.Retryable(def.Steps[0], "busy"))
			require.False(t, def.Retryable(def.Steps[0], "rejected"))
		})
	})
}
