// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"context"
	"net/http"

	"github.com/alexliesenfeld/health"
)

func newHealthHandler(checkFunc func(context.Context) error) http.Handler {
	healthChecker := health.NewChecker(
		health.WithCheck(health.Check{
			Name:  "donations-coprocessor",
			Check: checkFunc,
		}),
	)
	return health.NewHandler(healthChecker)
}
