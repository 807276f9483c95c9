// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"bytes"
	"context"
	_ "embed"

	"github.com/z5labs/keel/example/payments/payment"
	"github.com/z5labs/keel/worker"

	"github.com/shopspring/decimal"
)

//go:embed config.yaml
var configBytes []byte

func main() {
	worker.Run(bytes.NewReader(configBytes), func(ctx context.Context, cfg worker.Config) (*worker.App, error) {
		def, err := payment.Definition()
		if err != nil {
			return nil, err
		}

		limits := payment.NewInMemoryLimits(map[string]decimal.Decimal{
			"ACC-001": decimal.NewFromInt(100_000),
			"ACC-002": decimal.NewFromInt(25_000),
		})
		fx := payment.NewStaticFx(map[string]decimal.Decimal{
			"EUR/USD": decimal.RequireFromString("1.09"),
			"USD/EUR": decimal.RequireFromString("0.92"),
		})
		handlers := payment.NewHandlers(limits, fx, payment.NewInMemoryLedger())

		opts := []worker.AppOption{
			worker.Process(def),
		}
		for name, h := range handlers.Map() {
			opts = append(opts, worker.Handle(name, h))
		}

		return worker.NewApp(ctx, cfg.Keel, opts...)
	})
}
